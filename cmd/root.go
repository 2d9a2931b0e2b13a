// Package cmd defines and implements the CLI commands of the catalog-ingest executable.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-ingest-crawler/internal/catalog"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/config"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/imagecache"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/pipeline"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/server"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/sitemap"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// Runner executes ingestion runs and discovery passes.
type Runner interface {
	Run(ctx context.Context, opts pipeline.Options) (catalog.RunResult, error)
	RefreshImages(ctx context.Context) (sitemap.Result, error)
}

// Backfill fills in missing product descriptions.
type Backfill interface {
	Run(ctx context.Context) (pipeline.BackfillResult, error)
}

// ImageStats inspects the sitemap image cache.
type ImageStats interface {
	Stats(ctx context.Context) (imagecache.Stats, error)
	Lookup(ctx context.Context, key, fallback string) []string
}

// ProductPinger fetches a single product from the catalog API.
type ProductPinger interface {
	Ping(ctx context.Context, sku string) (catalog.APIProduct, error)
}

// App defines the application interface that commands use, so tests can
// inject a fake.
type App interface {
	Close(ctx context.Context)
	Logger() *zap.Logger
	Config() *config.Config
	Runner() Runner
	// Backfill is nil when headless browsing is disabled.
	Backfill() Backfill
	ImageCache() ImageStats
	Pinger() ProductPinger
	Serve(ctx context.Context) error
}

// AppFactory builds the App from loaded configuration.
type AppFactory func(ctx context.Context, cfg *config.Config) (App, error)

// serverApp adapts *server.App to App.
type serverApp struct {
	*server.App
}

func (a serverApp) Runner() Runner { return a.Orchestrator() }

func (a serverApp) Backfill() Backfill {
	if b := a.Backfiller(); b != nil {
		return b
	}
	return nil
}

func (a serverApp) ImageCache() ImageStats { return a.Images() }

func (a serverApp) Pinger() ProductPinger { return a.ProductAPI() }

func (a serverApp) Serve(ctx context.Context) error { return a.App.Run(ctx) }

func newServerApp(ctx context.Context, cfg *config.Config) (App, error) {
	a, err := server.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return serverApp{App: a}, nil
}

// newRootCmd creates the root command. The built App is reported through
// onBuilt so the caller can close it after the command returns.
func newRootCmd(factory AppFactory, onBuilt func(App)) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "catalog-ingest",
		Short: "Ingests a retail product catalog into a relational store.",
		Long: `catalog-ingest discovers products through a storefront's faceted listing
and its sitemap index, enriches them from the product detail API and upserts
normalized records, checkpointing every batch so interrupted runs resume.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := factory(cmd.Context(), &cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			onBuilt(appInstance)
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(
		newRunCmd(),
		newRefreshImagesCmd(),
		newTestAPICmd(),
		newCacheStatsCmd(),
		newBackfillCmd(),
		newServeCmd(),
	)
	return cmd
}

// execute runs the CLI with args and closes the App afterwards.
func execute(ctx context.Context, args []string, factory AppFactory, stdout, stderr io.Writer) error {
	var built App
	root := newRootCmd(factory, func(a App) { built = a })
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if built != nil {
		built.Close(context.WithoutCancel(ctx))
	}
	return err
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the running
// command; runs stop at the next batch boundary and keep their checkpoints.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := execute(ctx, os.Args[1:], newServerApp, os.Stdout, os.Stderr)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
