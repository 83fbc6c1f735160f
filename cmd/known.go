package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facewatch/internal/dataset"
	"github.com/andresmejia3/facewatch/internal/utils"
)

var knownFromDB bool

var knownCmd = &cobra.Command{
	Use:   "known",
	Short: "List the names the recognizer reports",
	Run: func(cmd *cobra.Command, args []string) {
		if knownFromDB {
			runKnownDB(cmd.Context())
			return
		}
		runKnown()
	},
}

func init() {
	knownCmd.Flags().BoolVar(&knownFromDB, "from-db", false, "List trained identities from the PostgreSQL mirror instead")
	rootCmd.AddCommand(knownCmd)
}

func runKnown() {
	persisted, err := dataset.ReadNames(layout().Working(dataset.KnownNamesFile))
	if err != nil {
		utils.Die("Failed to read known names", err, nil)
	}

	// The persisted list already contains the seed of the run that wrote it
	source := make(map[string]string)
	for _, n := range persisted {
		source[n] = "trained"
	}
	for _, n := range knownSeed() {
		source[n] = "config"
	}
	if len(source) == 0 {
		fmt.Println("No known names.")
		return
	}
	names := make([]string, 0, len(source))
	for n := range source {
		names = append(names, n)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "NAME\tSOURCE")
	fmt.Fprintln(w, "----\t------")
	for _, n := range names {
		fmt.Fprintf(w, "%s\t%s\n", n, source[n])
	}
	w.Flush()
}

func runKnownDB(ctx context.Context) {
	db, err := openStore(ctx)
	if err != nil {
		utils.Die("Mirror unavailable", err, nil)
	}
	if db == nil {
		utils.Die("No database configured", fmt.Errorf("set database.url or --db"), nil)
	}
	defer db.Close()

	identities, err := db.ListIdentities(ctx)
	if err != nil {
		utils.Die("Failed to list identities", err, nil)
	}
	if len(identities) == 0 {
		fmt.Println("No identities found in database.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "NAME\tSAMPLES\tROUNDS\tUPDATED")
	fmt.Fprintln(w, "----\t-------\t------\t-------")
	for _, id := range identities {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", id.Name, id.Samples, id.Rounds, id.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}
