// Package cli implements ragctl, a local front end to the ingestion
// pipeline and the retriever. It runs the same components as the services
// in-process, so by default it keeps everything on disk under ./data.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/bootstrap"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/ingestion/publisher"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/logger"
)

// env is shared by the subcommands of one invocation.
type env struct {
	configPath string
	verbose    bool

	app       *bootstrap.App
	publisher *publisher.Publisher
	cancel    context.CancelFunc
}

// NewRootCmd returns the ragctl command tree.
func NewRootCmd() *cobra.Command {
	e := &env{}
	root := &cobra.Command{
		Use:   "ragctl",
		Short: "Ingest documents and retrieve passages from the local store",
		Long: `ragctl runs the ingestion pipeline and the retriever in-process.

Without --config it uses SQLite, the in-memory cache and the file-backed
vector index under ./data. With --config the named YAML file is loaded as
the services load it, so ragctl can operate on a shared deployment.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.open(cmd)
		},
	}
	root.PersistentFlags().StringVar(&e.configPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().BoolVarP(&e.verbose, "verbose", "v", false, "log pipeline activity to stderr")

	root.AddCommand(
		newIngestCmd(e),
		newReingestCmd(e),
		newEmbedCmd(e),
		newSearchCmd(e),
		newDocsCmd(e),
		newPassagesCmd(e),
		newTagCmd(e),
		newDeleteCmd(e),
	)
	return root
}

// Execute runs ragctl with os.Args.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// localConfig is the configuration used when no file is given: every
// backend is embedded and nothing talks to the network.
func localConfig() *config.Config {
	cfg := config.Default()
	cfg.Database.Driver = "sqlite"
	cfg.Cache.Backend = "memory"
	cfg.VectorIndex.Backend = "memory"
	cfg.Kafka.Enabled = false
	cfg.Metrics.Enabled = false
	return cfg
}

func (e *env) open(cmd *cobra.Command) error {
	var cfg *config.Config
	var err error
	if e.configPath != "" {
		cfg, err = config.Load(e.configPath)
	} else {
		cfg = localConfig()
		err = cfg.Validate()
	}
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	level := "warn"
	if e.verbose {
		level = "debug"
	}
	logger.SetupWriter(cmd.ErrOrStderr(), level, "text")

	ctx, cancel := context.WithCancel(cmd.Context())
	app, err := bootstrap.Build(ctx, cfg, bootstrap.Options{
		Registerer:           prometheus.NewRegistry(),
		PublishInvalidations: true,
	})
	if err != nil {
		cancel()
		return err
	}
	e.app = app
	e.cancel = cancel
	e.publisher = publisher.New(app.Controller, nil, app.Files)
	return nil
}

// run adapts fn to a RunE that releases the components afterwards, also
// when fn fails.
func (e *env) run(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		defer func() {
			if cerr := e.close(); err == nil {
				err = cerr
			}
		}()
		return fn(cmd, args)
	}
}

func (e *env) close() error {
	if e.app == nil {
		return nil
	}
	err := e.app.Close()
	e.cancel()
	e.app = nil
	return err
}
