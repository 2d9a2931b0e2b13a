package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-ingest-crawler/internal/catalog"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/pipeline"
)

func newRunCmd() *cobra.Command {
	var (
		flows        []string
		descriptions bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the ingestion flows once",
		Long: `Runs the requested flows in order (facet, then sitemap), resuming from any
saved checkpoint. The command exits non-zero when a flow aborts; its
checkpoint is kept so the next run continues where this one stopped.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			opts := pipeline.Options{Descriptions: appInstance.Config().Pipeline.FetchDescriptions}
			if cmd.Flags().Changed("descriptions") {
				opts.Descriptions = descriptions
			}
			for _, raw := range flows {
				if raw == "all" {
					opts.Flows = nil
					break
				}
				flow, err := catalog.ParseFlow(raw)
				if err != nil {
					return err
				}
				opts.Flows = append(opts.Flows, flow)
			}

			result, runErr := appInstance.Runner().Run(cmd.Context(), opts)
			if errors.Is(runErr, pipeline.ErrRunActive) {
				return runErr
			}
			if err := printJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if runErr != nil {
				return fmt.Errorf("run %s: %w", result.RunID, runErr)
			}
			appInstance.Logger().Info("run command finished", zap.String("run_id", result.RunID))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&flows, "flow", nil, "flows to run: facet, sitemap or all (default all)")
	cmd.Flags().BoolVar(&descriptions, "descriptions", false, "fetch product descriptions with the headless browser")
	return cmd
}

type refreshOutput struct {
	Sitemaps  int    `json:"sitemaps"`
	Products  int    `json:"products"`
	ImageKeys int    `json:"image_keys"`
	Failed    int    `json:"failed_sitemaps"`
	State     string `json:"state"`
}

func newRefreshImagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh-images",
		Short: "Rebuilds the sitemap image cache without ingesting products",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := appInstance.Runner().RefreshImages(cmd.Context())
			if err != nil {
				return fmt.Errorf("refresh images: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), refreshOutput{
				Sitemaps:  len(res.SitemapURLs),
				Products:  len(res.ProductURLs),
				ImageKeys: res.ImageKeys,
				Failed:    res.Failed,
				State:     res.State.String(),
			})
		},
	}
}

func newTestAPICmd() *cobra.Command {
	var sku string
	cmd := &cobra.Command{
		Use:   "test-api",
		Short: "Fetches one product from the catalog API and prints it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if sku == "" {
				sku = appInstance.Config().API.PingSKU
			}
			product, err := appInstance.Pinger().Ping(cmd.Context(), sku)
			if err != nil {
				return fmt.Errorf("ping sku %s: %w", sku, err)
			}
			return printJSON(cmd.OutOrStdout(), product)
		},
	}
	cmd.Flags().StringVar(&sku, "sku", "", "SKU to fetch (default api.ping_sku)")
	return cmd
}

func newCacheStatsCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "cache-stats",
		Short: "Prints the size of the sitemap image cache",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cache := appInstance.ImageCache()
			if key != "" {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"key":    key,
					"images": cache.Lookup(cmd.Context(), key, ""),
				})
			}
			stats, err := cache.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("image cache stats: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "look up the images of one product key instead")
	return cmd
}

func newBackfillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backfill-descriptions",
		Short: "Extracts descriptions for stored products that have none",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			backfill := appInstance.Backfill()
			if backfill == nil {
				return errors.New("description backfill needs headless.enabled")
			}
			res, err := backfill.Run(cmd.Context())
			if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
				return perr
			}
			return err
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serves the HTTP control API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return appInstance.Serve(cmd.Context())
		},
	}
}
