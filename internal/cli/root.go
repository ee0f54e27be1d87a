package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/abathur/memstore/internal/config"
	"github.com/abathur/memstore/internal/logger"
	"github.com/abathur/memstore/pkg/docindex"
	"github.com/abathur/memstore/pkg/engine"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "memstore",
	Short: "Memstore - memory and session storage engine",
	Long: `Memstore is an embedded storage engine for agent runtimes: session
lifecycles with append-only event logs, versioned hierarchical memory, a
document index with hybrid exact and semantic search, and a full audit trail,
all in a single SQLite file.`,
	Version: version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.memstore/memstore.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// loadConfig reads, validates, and returns the effective configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := config.NewValidator().Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newEngine builds an engine from the loaded config. The caller owns Close.
func newEngine(cfg *config.Config) (*engine.Engine, *logger.Logger, error) {
	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	eng, err := engine.New(engine.Options{
		DBPath:             cfg.Storage.Path,
		VectorDim:          cfg.Embedding.Dimension,
		BusyTimeout:        time.Duration(cfg.Storage.BusyTimeoutMS) * time.Millisecond,
		MaxConns:           cfg.Storage.MaxConns,
		EmbeddingModel:     cfg.Embedding.Model,
		OpenAIAPIKey:       cfg.Embedding.APIKey,
		WatchDirs:          cfg.Documents.WatchDirs,
		EpisodicTTL:        time.Duration(cfg.Retention.EpisodicTTLHours) * time.Hour,
		SweepSchedule:      cfg.Retention.SweepSchedule,
		CheckpointSchedule: cfg.Retention.CheckpointSchedule,
		Logger:             log.GetZerolog(),
	})
	if err != nil {
		log.Close()
		return nil, nil, err
	}
	return eng, log, nil
}

// searchOptions maps CLI flags onto docindex options.
func searchOptions(limit int, exactWeight, semanticWeight float64) *docindex.SearchOptions {
	opts := docindex.DefaultSearchOptions()
	if limit > 0 {
		opts.Limit = limit
	}
	if exactWeight >= 0 && semanticWeight >= 0 && exactWeight+semanticWeight > 0 {
		opts.ExactWeight = exactWeight
		opts.SemanticWeight = semanticWeight
	}
	return opts
}
