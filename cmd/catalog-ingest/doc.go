// Package main hosts the catalog-ingest entrypoint.
//
// Architecture overview:
//   - Discovery: the facet flow enumerates ingredient facets with a headless browser and collects product keys per
//     facet; the sitemap flow walks the sitemap index, keeps product URLs and streams image links into a chunked cache.
//   - Enrichment: product keys are resolved through the catalog API by a paced fetch client (global rate limit, jitter,
//     periodic pauses, classified retries) running over a colly transport.
//   - Persistence: normalized records are batched by the ingest writer and upserted into Postgres (or memory). Every
//     batch advances a per-flow checkpoint stored in blob storage, memory or Redis.
//   - Reconciliation: a fresh full run marks existing rows unscrapped and sweeps the ones no flow touched.
//   - Fanout: every run is recorded in the run log and summarized on a Pub/Sub topic.
//
// Commands:
//   - run [--flow facet|sitemap|all] [--descriptions]
//   - refresh-images, cache-stats [--key], test-api [--sku]
//   - backfill-descriptions
//   - serve (HTTP control API on server.port)
//
// Configuration comes from the --config file and CATALOG_* environment variables, e.g. CATALOG_DB_BACKEND=postgres,
// CATALOG_DB_DSN, CATALOG_CHECKPOINT_BACKEND=redis, CATALOG_PUBSUB_PROJECT_ID.
package main
