package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/facewatch/internal/config"
	"github.com/andresmejia3/facewatch/internal/dataset"
	"github.com/andresmejia3/facewatch/internal/emitter"
	"github.com/andresmejia3/facewatch/internal/trainer"
	"github.com/andresmejia3/facewatch/internal/utils"
)

var trainCmd = &cobra.Command{
	Use:   "train <label>",
	Short: "Train a label from samples already under training-images/<label>",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runTrain(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(trainCmd)
}

func runTrain(ctx context.Context, name string) {
	label := config.NormalizeLabel(name)
	if !dataset.ValidLabel(label) {
		utils.Die("Invalid label", fmt.Errorf("label %q must be a non-empty name without path separators", label), nil)
	}

	svc := startWorker()
	defer svc.Close()

	db, err := openStore(ctx)
	if err != nil {
		utils.Die("Mirror unavailable", err, nil)
	}
	if db != nil {
		defer db.Close()
	}

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("🧠 Training "+label),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	progress := func(step trainer.Step, done, total int) {
		bar.Describe(fmt.Sprintf("🧠 %-6s %s", step, label))
		bar.ChangeMax(total)
		_ = bar.Set(done)
	}

	reg, tr := newTrainer(svc, emitter.Nop{}, db, progress)
	res, err := tr.Run(ctx, label)
	_ = bar.Finish()

	switch {
	case errors.Is(err, trainer.ErrCancelled):
		fmt.Fprintln(os.Stderr, "\n🛑 Training cancelled, nothing committed.")
		os.Exit(130)
	case err != nil:
		utils.Die("Training failed", err, svc.Command())
	}

	fmt.Fprintf(os.Stderr, "\n🏁 Trained %q on %d new samples (%d total). Classes: %s\n",
		res.Label, res.Local, res.Total, strings.Join(res.Classes, ", "))
	fmt.Fprintf(os.Stderr, "   Known names: %s\n", strings.Join(reg.KnownNames(), ", "))
}
