package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facewatch/internal/emitter"
	"github.com/andresmejia3/facewatch/internal/utils"
)

var saveCmd = &cobra.Command{
	Use:   "save",
	Short: "Promote the working classifier to the bundled default and archive the data directory",
	Run: func(cmd *cobra.Command, args []string) {
		_, tr := newTrainer(nil, emitter.Nop{}, nil, nil)
		saved, err := tr.Save()
		if err != nil {
			utils.Die("Save failed", err, nil)
		}
		if !saved {
			fmt.Println("Nothing to save: the working classifier is incomplete.")
			return
		}
		fmt.Printf("💾 Classifier promoted to %s, archive written under %s\n",
			layout().DefaultClassifierDir(), layout().ArchiveDir())
	},
}

func init() {
	rootCmd.AddCommand(saveCmd)
}
