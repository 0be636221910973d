package cmd

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spigell/hirescope/internal/checkpoint"
	"github.com/spigell/hirescope/internal/report"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report the checkpointed results of a job without scoring anything",
	Run: func(cmd *cobra.Command, _ []string) {
		status(cmd)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().String("job", "", "greenhouse job id")
	statusCmd.Flags().StringP("output", "o", "", "write the report as JSON to this file")
	statusCmd.MarkFlagRequired("job")
}

func status(cmd *cobra.Command) {
	ctx := context.Background()
	logger := newLogger()
	config := mustConfig(logger)
	applyOutputFlag(cmd, config)

	store, closeStore, err := newStore(ctx, config.Checkpoint, logger)
	if err != nil {
		logger.Fatal("opening checkpoint store", zap.Error(err))
	}
	defer closeStore()

	key := checkpoint.RunKeyFor("greenhouse", strings.TrimSpace(cmd.Flag("job").Value.String()))
	cp, err := store.Load(ctx, key)
	if err != nil {
		closeStore()
		logger.Fatal("loading checkpoint", zap.String("run_key", key), zap.Error(err))
	}
	if cp == nil {
		logger.Info("nothing checkpointed yet", zap.String("run_key", key))
		return
	}

	r := report.Aggregate(cp, report.Options{
		TopN:       config.Analysis.Top,
		Flag:       config.Analysis.HiddenGems,
		ProfileURL: config.Greenhouse.AppURL,
	})

	if err := renderer(config, logger).Render(ctx, r, report.RunInfo{CumulativeCost: cp.Cost}); err != nil {
		closeStore()
		logger.Fatal("rendering report", zap.Error(err))
	}
}
