package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spigell/hirescope/internal/greenhouse"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List the Greenhouse jobs visible to the API key",
	Run: func(_ *cobra.Command, _ []string) {
		listJobs()
	},
}

func init() {
	rootCmd.AddCommand(jobsCmd)
}

func listJobs() {
	ctx := context.Background()
	logger := newLogger()
	config := mustConfig(logger)

	gh, err := newGreenhouse(config.Greenhouse, logger)
	if err != nil {
		logger.Fatal("creating greenhouse client", zap.Error(err))
	}

	jobs, err := gh.Jobs(ctx)
	if err != nil {
		logger.Fatal("getting jobs", zap.Error(err))
	}

	for _, job := range jobs {
		logger.Info("job",
			zap.String("id", job.ID),
			zap.String("name", job.Name),
			zap.String("status", job.Status),
			zap.String("department", job.Department()),
			zap.String("created", job.Created()),
		)
	}
	logger.Info("getting jobs", zap.Int("count", len(jobs)))
}

func selectJob(ctx context.Context, gh *greenhouse.Client) (*greenhouse.Job, error) {
	jobs, err := gh.Jobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil, errors.New("no jobs found")
	}

	items := make([]string, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, fmt.Sprintf("%s %s / %s / %s / %s",
			job.ID, job.Name, job.Status, job.Department(), job.Created(),
		))
	}

	jobPrompt := promptui.Select{
		Label: "Choose a job and press ENTER",
		Items: items,
		Size:  15,
	}

	i, _, err := jobPrompt.Run()
	if err != nil {
		if errors.Is(err, promptui.ErrInterrupt) {
			return nil, errExit
		}
		return nil, err
	}

	return jobs[i], nil
}
