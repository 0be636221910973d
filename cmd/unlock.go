package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spigell/hirescope/internal/checkpoint"
)

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Clear the checkpoint lock left behind by an analysis that no longer runs",
	Long: "A killed analysis can leave its checkpoint locked. Locks of dead processes on the same host are " +
		"cleared automatically; use this command for locks taken on another host or in another container.",
	Run: func(cmd *cobra.Command, _ []string) {
		unlock(cmd)
	},
}

func init() {
	rootCmd.AddCommand(unlockCmd)

	unlockCmd.Flags().String("job", "", "greenhouse job id")
	unlockCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")
	unlockCmd.MarkFlagRequired("job")
}

func unlock(cmd *cobra.Command) {
	ctx := context.Background()
	logger := newLogger()
	config := mustConfig(logger)

	store, closeStore, err := newStore(ctx, config.Checkpoint, logger)
	if err != nil {
		logger.Fatal("opening checkpoint store", zap.Error(err))
	}
	defer closeStore()

	key := checkpoint.RunKeyFor("greenhouse", strings.TrimSpace(cmd.Flag("job").Value.String()))

	if yes, _ := cmd.Flags().GetBool("yes"); !yes {
		label := fmt.Sprintf("Make sure no analysis of %s is running. Clear its lock?", key)
		if err := confirm(label); err != nil {
			if errors.Is(err, errExit) {
				return
			}
			closeStore()
			logger.Fatal("confirmation failed", zap.Error(err))
		}
	}

	if err := store.ForceUnlock(ctx, key); err != nil {
		closeStore()
		logger.Fatal("clearing checkpoint lock", zap.String("run_key", key), zap.Error(err))
	}

	checkpointed := 0
	if cp, err := store.Load(ctx, key); err == nil && cp != nil {
		checkpointed = cp.Processed
	}
	logger.Info("checkpoint lock cleared",
		zap.String("run_key", key),
		zap.Int("checkpointed", checkpointed),
	)
}

// lockHint tells the operator how to recover from a failed run.
func lockHint(err error, jobID string) string {
	if errors.Is(err, checkpoint.ErrConcurrentRun) {
		return fmt.Sprintf("if no other analysis of this job is running, clear the lock with `%s unlock --job %s` and run again", app, jobID)
	}
	return "fix the cause and run the same command again to resume"
}
