package cmd

import (
	"errors"
	"log"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/hirescope/internal/logger"
	"github.com/spigell/hirescope/internal/report"
	"github.com/spigell/hirescope/internal/scoring"
	"github.com/spigell/hirescope/internal/storage"
)

const (
	app = "hirescope"
)

type Config struct {
	Greenhouse *GreenhouseConfig `mapstructure:"greenhouse"`
	AI         *AIConfig         `mapstructure:"ai"`
	Analysis   *AnalysisConfig   `mapstructure:"analysis"`
	Checkpoint *CheckpointConfig `mapstructure:"checkpoint"`
	Output     string            `mapstructure:"output"`
}

type GreenhouseConfig struct {
	APIKeyFile        string        `mapstructure:"api-key-file"`
	APIURL            string        `mapstructure:"api-url"`
	AppURL            string        `mapstructure:"app-url"`
	UserAgent         string        `mapstructure:"user-agent"`
	PerPage           int           `mapstructure:"per-page"`
	RequestsPerSecond float64       `mapstructure:"requests-per-second"`
	Burst             int           `mapstructure:"burst"`
	MaxRetries        int           `mapstructure:"max-retries"`
	InitialBackoff    time.Duration `mapstructure:"initial-backoff"`
	MaxBackoff        time.Duration `mapstructure:"max-backoff"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

type AIConfig struct {
	Provider        string          `mapstructure:"provider"`
	Model           string          `mapstructure:"model"`
	ReasoningEffort string          `mapstructure:"reasoning-effort"`
	MaxTokens       int             `mapstructure:"max-tokens"`
	BaseURL         string          `mapstructure:"base-url"`
	OpenAIKeyFile   string          `mapstructure:"openai-key-file"`
	GeminiKeyFile   string          `mapstructure:"gemini-key-file"`
	MaxAttempts     int             `mapstructure:"max-attempts"`
	InitialBackoff  time.Duration   `mapstructure:"initial-backoff"`
	MaxBackoff      time.Duration   `mapstructure:"max-backoff"`
	MaxRetryDelay   time.Duration   `mapstructure:"max-retry-delay"`
	Timeout         time.Duration   `mapstructure:"timeout"`
	MaxLogLength    int             `mapstructure:"max-log-length"`
	Pricing         scoring.Pricing `mapstructure:"pricing"`
}

type AnalysisConfig struct {
	Workers         int         `mapstructure:"workers"`
	CheckpointEvery int         `mapstructure:"checkpoint-every"`
	Top             int         `mapstructure:"top"`
	Budget          float64     `mapstructure:"budget"`
	CompanyContext  string      `mapstructure:"company-context"`
	ExcludeFile     string      `mapstructure:"exclude-file"`
	SkipStatuses    []string    `mapstructure:"skip-statuses"`
	HiddenGems      report.Rule `mapstructure:"hidden-gems"`
}

type CheckpointConfig struct {
	Backend    string          `mapstructure:"backend"`
	Dir        string          `mapstructure:"dir"`
	SQLitePath string          `mapstructure:"sqlite-path"`
	Archive    *storage.Config `mapstructure:"archive"`
}

var (
	// Used for flags.
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   app,
		Short: "hirescope scores the applicants of a Greenhouse job with an LLM and finds hidden gems",
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	envs := map[string]string{
		"greenhouse.api-key-file":       "GREENHOUSE_API_KEY_FILE",
		"ai.openai-key-file":            "OPENAI_API_KEY_FILE",
		"ai.gemini-key-file":            "GEMINI_API_KEY_FILE",
		"checkpoint.archive.access-key": "HIRESCOPE_ARCHIVE_ACCESS_KEY",
		"checkpoint.archive.secret-key": "HIRESCOPE_ARCHIVE_SECRET_KEY",
	}
	for key, env := range envs {
		if err := viper.BindEnv(key, env); err != nil {
			log.Fatalf("binding %s environment variable: %v", env, err)
		}
	}

	setDefaults()

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "a config file (default is hirescope.yaml in current directory)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "verbose/debug output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "json format for logging")

	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func setDefaults() {
	viper.SetDefault("greenhouse.requests-per-second", 5)
	viper.SetDefault("greenhouse.burst", 5)
	viper.SetDefault("greenhouse.max-retries", 5)
	viper.SetDefault("greenhouse.initial-backoff", "2s")
	viper.SetDefault("greenhouse.max-backoff", "60s")
	viper.SetDefault("greenhouse.timeout", "30s")
	viper.SetDefault("greenhouse.app-url", report.DefaultProfileURL)

	viper.SetDefault("ai.provider", "openai")
	viper.SetDefault("ai.model", "o3")
	viper.SetDefault("ai.reasoning-effort", "medium")
	viper.SetDefault("ai.max-attempts", 5)
	viper.SetDefault("ai.max-retry-delay", "2m")
	viper.SetDefault("ai.timeout", "2m")

	viper.SetDefault("analysis.workers", 2)
	viper.SetDefault("analysis.checkpoint-every", 10)
	viper.SetDefault("analysis.top", 20)
	viper.SetDefault("analysis.skip-statuses", []string{})
	viper.SetDefault("analysis.hidden-gems.threshold", report.DefaultRule.Threshold)
	viper.SetDefault("analysis.hidden-gems.statuses", report.DefaultRule.Statuses)

	viper.SetDefault("checkpoint.backend", "file")
	viper.SetDefault("checkpoint.dir", ".hirescope")
}

func initConfig() {
	// The version command works without any configuration.
	if versionCmd.CalledAs() != "" {
		return
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(app)
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// Without an explicit --config everything may come from defaults and env.
		if cfgFile == "" && errors.As(err, &notFound) {
			return
		}
		log.Fatal(err)
	}
}

func getConfig() (*Config, error) {
	var config *Config
	err := viper.Unmarshal(&config)
	if err != nil {
		return config, err
	}

	return config, nil
}

func newLogger() *zap.Logger {
	l, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}
	return l
}

// mustConfig returns the parsed configuration with every section present.
func mustConfig(logger *zap.Logger) *Config {
	config, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}
	if config == nil {
		config = &Config{}
	}
	if config.Greenhouse == nil {
		config.Greenhouse = &GreenhouseConfig{}
	}
	if config.AI == nil {
		config.AI = &AIConfig{}
	}
	if config.Analysis == nil {
		config.Analysis = &AnalysisConfig{}
	}
	if config.Checkpoint == nil {
		config.Checkpoint = &CheckpointConfig{}
	}
	return config
}
