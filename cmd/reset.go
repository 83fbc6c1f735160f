package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facewatch/internal/emitter"
	"github.com/andresmejia3/facewatch/internal/utils"
)

var resetYes bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Wipe samples and the working classifier, rolling back to the bundled model",
	Long:  "Deletes training-images, aligned-images and the working classifier, and clears the PostgreSQL mirror when one is configured.",
	Run: func(cmd *cobra.Command, args []string) {
		reader := bufio.NewReader(os.Stdin)
		if !resetYes && !confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete all training data under %s?", cfg.DataDir)) {
			fmt.Println("Aborted.")
			return
		}

		db, err := openStore(cmd.Context())
		if err != nil {
			utils.Die("Mirror unavailable", err, nil)
		}
		if db != nil {
			defer db.Close()
			fmt.Println("🗑️  Clearing Database mirror...")
		}

		fmt.Println("🗑️  Clearing samples and working classifier...")
		_, tr := newTrainer(nil, emitter.Nop{}, db, nil)
		if err := tr.Reset(cmd.Context()); err != nil {
			utils.Die("Reset incomplete", err, nil)
		}
		fmt.Println("✨ Classifier Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Skip the confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
