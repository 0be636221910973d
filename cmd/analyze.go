package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/hirescope/internal/analysis"
	"github.com/spigell/hirescope/internal/extract"
	"github.com/spigell/hirescope/internal/greenhouse"
	"github.com/spigell/hirescope/internal/report"
)

const (
	PromptYes = "Yes"
	PromptNo  = "No"
)

var errExit = errors.New("exit requested")

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Score every application of a Greenhouse job and report the best candidates",
	Long: "Score every application of a Greenhouse job and report the best candidates.\n" +
		"Progress is checkpointed, so running the command again for the same job resumes the analysis.",
	Run: func(cmd *cobra.Command, _ []string) {
		analyze(cmd)
	},
}

func init() {
	rootCmd.AddCommand(analyzeCmd)

	analyzeCmd.Flags().String("job", "", "greenhouse job id. The job is chosen interactively when unset.")
	analyzeCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation before scoring")
	analyzeCmd.Flags().IntP("top", "t", 0, "number of top candidates to report")
	analyzeCmd.Flags().StringP("output", "o", "", "write the report as JSON to this file")
	analyzeCmd.Flags().Float64("budget", 0, "stop starting new records once the total cost in USD reaches this value")
	analyzeCmd.Flags().StringP("exclude-file", "e", "", "file with application ids to exclude")

	viper.BindPFlag("analysis.top", analyzeCmd.Flags().Lookup("top"))
	viper.BindPFlag("analysis.budget", analyzeCmd.Flags().Lookup("budget"))
	viper.BindPFlag("analysis.exclude-file", analyzeCmd.Flags().Lookup("exclude-file"))
}

func analyze(cmd *cobra.Command) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger()
	config := mustConfig(logger)
	applyOutputFlag(cmd, config)

	logger.Info("starting the hirescope", zap.String("version", version))

	gh, err := newGreenhouse(config.Greenhouse, logger)
	if err != nil {
		logger.Fatal("creating greenhouse client", zap.Error(err))
	}

	job, err := resolveJob(ctx, gh, cmd.Flag("job").Value.String())
	if err != nil {
		if errors.Is(err, errExit) {
			return
		}
		logger.Fatal("choosing a job", zap.Error(err))
	}

	sample, err := gh.SampleApplication(ctx, job.ID)
	if err != nil {
		logger.Warn("getting a sample application for the job description", zap.Error(err))
	}
	description := greenhouse.JobDescription(job, sample)
	logger.Debug(fmt.Sprintf("job description: \n %s", description))

	if cmd.Flag("yes").Value.String() == "false" {
		if err := confirm(fmt.Sprintf("Analyze applications of %q (%s)?", job.Name, job.ID)); err != nil {
			logger.Info("exiting", zap.String("reason", "got no from prompt"))
			return
		}
	}

	scorer, err := newScorer(ctx, config.AI, logger)
	if err != nil {
		logger.Fatal("creating a scorer", zap.Error(err))
	}

	store, closeStore, err := newStore(ctx, config.Checkpoint, logger)
	if err != nil {
		logger.Fatal("opening checkpoint store", zap.Error(err))
	}
	defer closeStore()

	orchestrator := analysis.New(gh, extract.New(logger), scorer, store, analysis.Options{
		Workers:         config.Analysis.Workers,
		CheckpointEvery: config.Analysis.CheckpointEvery,
		Budget:          config.Analysis.Budget,
		CompanyContext:  config.Analysis.CompanyContext,
		ExcludeFile:     config.Analysis.ExcludeFile,
		SkipStatuses:    config.Analysis.SkipStatuses,
		Report: report.Options{
			TopN:       config.Analysis.Top,
			Flag:       config.Analysis.HiddenGems,
			ProfileURL: config.Greenhouse.AppURL,
		},
	}, logger)

	out, err := orchestrator.Run(ctx, analysis.Job{ID: job.ID, Name: job.Name, Description: description})
	if err != nil {
		var fatal *analysis.FatalError
		switch {
		case errors.As(err, &fatal):
			closeStore()
			logger.Fatal("analysis failed",
				zap.String("run_key", fatal.RunKey),
				zap.Int("checkpointed", fatal.Checkpointed),
				zap.String("hint", lockHint(err, job.ID)),
				zap.Error(fatal.Err),
			)
		case errors.Is(err, context.Canceled):
			logger.Warn("analysis interrupted",
				zap.Int("checkpointed", out.Summary.Checkpointed),
				zap.String("hint", "run the same command again to resume"),
			)
		default:
			closeStore()
			logger.Fatal("analysis failed", zap.Error(err))
		}
	}

	for _, f := range out.Summary.Failures {
		logger.Warn("record was not scored",
			zap.String("record_id", f.RecordID),
			zap.String("name", f.Name),
			zap.String("stage", f.Stage),
			zap.String("reason", f.Reason),
		)
	}

	if out.Report == nil {
		return
	}
	if err := renderer(config, logger).Render(context.WithoutCancel(ctx), out.Report, out.Summary.Info()); err != nil {
		logger.Fatal("rendering report", zap.Error(err))
	}
}

func resolveJob(ctx context.Context, gh *greenhouse.Client, id string) (*greenhouse.Job, error) {
	if id = strings.TrimSpace(id); id != "" {
		return gh.Job(ctx, id)
	}
	return selectJob(ctx, gh)
}

func confirm(label string) error {
	prompt := promptui.Select{
		Label: label,
		Items: []string{PromptYes, PromptNo},
	}

	_, answer, err := prompt.Run()
	if err != nil {
		return err
	}
	if answer != PromptYes {
		return errExit
	}
	return nil
}

// applyOutputFlag lets --output override the configured report file.
func applyOutputFlag(cmd *cobra.Command, config *Config) {
	if flag := cmd.Flag("output"); flag != nil && flag.Changed {
		config.Output = flag.Value.String()
	}
}

func renderer(config *Config, logger *zap.Logger) report.Renderer {
	renderers := report.Multi{report.NewLogRenderer(logger)}
	if output := strings.TrimSpace(config.Output); output != "" {
		renderers = append(renderers, report.NewJSONRenderer(output, logger))
	}
	return renderers
}
