package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dioptra/analysis-engine/archive"
	"github.com/dioptra/analysis-engine/config"
	"github.com/dioptra/analysis-engine/datastore"
	"github.com/dioptra/analysis-engine/engine"
	"github.com/dioptra/analysis-engine/logging"
	"github.com/dioptra/analysis-engine/metrics"
	"github.com/dioptra/analysis-engine/store/sqldb"
)

var (
	// Version, Commit, and BuildDate are set at build time via ldflags.
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"

	verbose bool
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "dioptra",
	Short: "Dioptra cost-efficiency analysis engine",
	Long: `Dioptra turns a program's financial ledger into cost-per-output figures:
transactions are categorized, allocated to interventions and summarized as
insights.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		if err := logging.Init(verbose, cfg.LogsFolder); err != nil {
			return err
		}
		log.Debug().
			Str("version", Version).
			Str("commit", Commit).
			Str("buildDate", BuildDate).
			Str("command", cmd.Name()).
			Msg("dioptra starting")
		return nil
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
}

// runtime is everything a command needs, opened from cfg.
type runtime struct {
	engine *engine.Engine
	close  func()
}

// open connects the primary store and, when configured, the external ledger
// and the S3 archive.
func open(ctx context.Context) (*runtime, error) {
	store, err := sqldb.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	closers := []func(){func() { store.Close() }}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	opts := engine.Options{
		Metrics:         metrics.New(),
		Ingest:          cfg.Ingest,
		DefaultCostType: cfg.DefaultCostType,
		DefaultCategory: cfg.DefaultCategory,
		Currency:        cfg.Currency,
	}

	if cfg.DataStoreEnabled() {
		pg, err := datastore.OpenPG(ctx, cfg.TransactionStoreURL)
		if err != nil {
			closeAll()
			return nil, err
		}
		closers = append(closers, pg.Close)
		opts.Source = pg
	}

	if cfg.Archive.Driver == config.ArchiveS3 {
		a, err := archive.NewS3(ctx, archive.S3Config{
			Bucket:          cfg.Archive.Bucket,
			Region:          cfg.Archive.Region,
			Endpoint:        cfg.Archive.Endpoint,
			PathStyle:       cfg.Archive.PathStyle,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
		})
		if err != nil {
			closeAll()
			return nil, err
		}
		opts.Archive = a
	}

	log.Info().
		Str("driver", cfg.DatabaseDriver).
		Bool("data_store", opts.Source != nil).
		Str("archive", cfg.Archive.Driver).
		Msg("store opened")
	return &runtime{engine: engine.New(store, opts), close: closeAll}, nil
}
