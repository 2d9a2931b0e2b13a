// Package config loads and validates ingestion configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/catalog-ingest-crawler/internal/fetcher"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Source     SourceConfig     `mapstructure:"source"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	API        APIConfig        `mapstructure:"api"`
	Sitemap    SitemapConfig    `mapstructure:"sitemap"`
	ImageCache ImageCacheConfig `mapstructure:"image_cache"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Writer     WriterConfig     `mapstructure:"writer"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Facets     FacetConfig      `mapstructure:"facets"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Storage    StorageConfig    `mapstructure:"storage"`
	DB         DBConfig         `mapstructure:"db"`
	Redis      RedisConfig      `mapstructure:"redis"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// SourceConfig identifies the catalog being ingested and how prices are converted.
type SourceConfig struct {
	Name           string  `mapstructure:"name"`
	StoreID        string  `mapstructure:"store_id"`
	Country        string  `mapstructure:"country"`
	Currency       string  `mapstructure:"currency"`
	ConversionRate float64 `mapstructure:"conversion_rate"`
	BaseURL        string  `mapstructure:"base_url"`
	LocalePath     string  `mapstructure:"locale_path"`
}

// FetchConfig controls pacing, retry and concurrency of the fetch client.
type FetchConfig struct {
	Concurrency    int `mapstructure:"concurrency"`
	RateLimitMs    int `mapstructure:"rate_limit_ms"`
	JitterMinMs    int `mapstructure:"jitter_min_ms"`
	JitterMaxMs    int `mapstructure:"jitter_max_ms"`
	PauseEvery     int `mapstructure:"pause_every"`
	PauseMinMs     int `mapstructure:"pause_min_ms"`
	PauseMaxMs     int `mapstructure:"pause_max_ms"`
	MaxRetries     int `mapstructure:"max_retries"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	MaxBodyBytes   int `mapstructure:"max_body_bytes"`
	// ChallengeKeywords mark bot challenge pages served with a 2xx status.
	ChallengeKeywords []string `mapstructure:"challenge_keywords"`
}

// APIConfig describes the product detail endpoint.
type APIConfig struct {
	Path       string `mapstructure:"path"`
	Language   string `mapstructure:"language"`
	Region     string `mapstructure:"region"`
	CategoryID string `mapstructure:"category_id"`
	PingSKU    string `mapstructure:"ping_sku"`
}

// SitemapConfig controls sitemap discovery.
type SitemapConfig struct {
	IndexURL        string `mapstructure:"index_url"`
	RobotsURL       string `mapstructure:"robots_url"`
	MaxParallel     int    `mapstructure:"max_parallel"`
	DownloadPauseMs int    `mapstructure:"download_pause_ms"`
}

// ImageCacheConfig controls the chunked image cache.
type ImageCacheConfig struct {
	Prefix          string `mapstructure:"prefix"`
	ChunkCapacity   int    `mapstructure:"chunk_capacity"`
	MaxLoadedChunks int    `mapstructure:"max_loaded_chunks"`
}

// CheckpointConfig selects where flow progress is persisted.
type CheckpointConfig struct {
	Backend string `mapstructure:"backend"`
	Prefix  string `mapstructure:"prefix"`
}

// WriterConfig controls batching of upserts.
type WriterConfig struct {
	FlushThreshold int `mapstructure:"flush_threshold"`
}

// PipelineConfig governs orchestration.
type PipelineConfig struct {
	SitemapBatchSize  int    `mapstructure:"sitemap_batch_size"`
	FacetBatchSize    int    `mapstructure:"facet_batch_size"`
	FetchDescriptions bool   `mapstructure:"fetch_descriptions"`
	BackfillPageSize  int    `mapstructure:"backfill_page_size"`
	NotifyTopic       string `mapstructure:"notify_topic"`
}

// FacetConfig describes the faceted category listing.
type FacetConfig struct {
	CategoryURL     string   `mapstructure:"category_url"`
	FilterParam     string   `mapstructure:"filter_param"`
	MaxPages        int      `mapstructure:"max_pages"`
	MinCount        int      `mapstructure:"min_count"`
	MaxCount        int      `mapstructure:"max_count"`
	DefaultCategory string   `mapstructure:"default_category"`
	FallbackNames   []string `mapstructure:"fallback_names"`
}

// HeadlessConfig configures the browser-backed page extractor.
type HeadlessConfig struct {
	Enabled              bool     `mapstructure:"enabled"`
	NavTimeoutSec        int      `mapstructure:"nav_timeout_seconds"`
	UserAgent            string   `mapstructure:"user_agent"`
	RatePerSecond        float64  `mapstructure:"rate_per_second"`
	Burst                int      `mapstructure:"burst"`
	OverlaySelectors     []string `mapstructure:"overlay_selectors"`
	DescriptionSelectors []string `mapstructure:"description_selectors"`
	DescriptionFallback  string   `mapstructure:"description_fallback"`
	FacetExpandSelectors []string `mapstructure:"facet_expand_selectors"`
	FacetLabelSelector   string   `mapstructure:"facet_label_selector"`
	ProductLinkSelector  string   `mapstructure:"product_link_selector"`
}

// StorageConfig selects the blob store backing the image cache and checkpoints.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	Backend       string `mapstructure:"backend"`
	DSN           string `mapstructure:"dsn"`
	ProductsTable string `mapstructure:"products_table"`
	RunsTable     string `mapstructure:"runs_table"`
	MaxConns      int32  `mapstructure:"max_conns"`
}

// RedisConfig configures the optional Redis checkpoint backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PubSubConfig holds metadata for run notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TelemetryConfig controls tracing. Spans are exported to Cloud Trace only when
// ProjectID is set.
type TelemetryConfig struct {
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
	ProjectID      string  `mapstructure:"project_id"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CATALOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// DefaultFallbackFacets are used to top up a short facet enumeration.
var DefaultFallbackFacets = []string{
	"Imatinib Mesilate", "Lenalidomide", "Palbociclib", "Ruxolitinib", "Ramucirumab",
	"crizotinib", "nilotinib", "zoledronic acid", "Acalabrutinib Maleate", "Anastrazole",
	"Goserelin", "Granisetron", "Letrozole", "Oseltamivir", "Pembrolizumab",
	"Ribociclib", "Sorafenib", "abemaciclib", "abiraterone acetate", "canakinumab",
	"enzalutamide", "exemestano", "ibrutinib", "olaparib", "osimertinib",
	"pazopanib", "sunitinib", "trastuzumab",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source.name", "nahdi")
	v.SetDefault("source.store_id", "")
	v.SetDefault("source.country", "SA")
	v.SetDefault("source.currency", "SAR")
	v.SetDefault("source.conversion_rate", 1.0)
	v.SetDefault("source.base_url", "https://www.nahdionline.com")
	v.SetDefault("source.locale_path", "/en-sa/")

	v.SetDefault("fetch.concurrency", 5)
	v.SetDefault("fetch.rate_limit_ms", 1200)
	v.SetDefault("fetch.jitter_min_ms", 200)
	v.SetDefault("fetch.jitter_max_ms", 500)
	v.SetDefault("fetch.pause_every", 15)
	v.SetDefault("fetch.pause_min_ms", 3000)
	v.SetDefault("fetch.pause_max_ms", 7000)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.max_body_bytes", 64<<20)
	v.SetDefault("fetch.challenge_keywords", fetcher.DefaultChallengeKeywords)

	v.SetDefault("api.path", "/api/analytics/product")
	v.SetDefault("api.language", "en")
	v.SetDefault("api.region", "SA")
	v.SetDefault("api.category_id", "2000074")
	v.SetDefault("api.ping_sku", "100541896")

	v.SetDefault("sitemap.index_url", "https://sitemap.nahdionline.com/sitemap_index_en.xml")
	v.SetDefault("sitemap.robots_url", "https://www.nahdionline.com/robots.txt")
	v.SetDefault("sitemap.max_parallel", 3)
	v.SetDefault("sitemap.download_pause_ms", 1000)

	v.SetDefault("image_cache.prefix", "sitemap_images")
	v.SetDefault("image_cache.chunk_capacity", 2000)
	v.SetDefault("image_cache.max_loaded_chunks", 4)

	v.SetDefault("checkpoint.backend", "blob")
	v.SetDefault("checkpoint.prefix", "checkpoints")

	v.SetDefault("writer.flush_threshold", 15)

	v.SetDefault("pipeline.sitemap_batch_size", 30)
	v.SetDefault("pipeline.facet_batch_size", 15)
	v.SetDefault("pipeline.fetch_descriptions", false)
	v.SetDefault("pipeline.backfill_page_size", 15)
	v.SetDefault("pipeline.notify_topic", "catalog-runs")

	v.SetDefault("facets.category_url", "https://www.nahdionline.com/en-sa/rx-treatments/cancer-treatments/plp/2000074")
	v.SetDefault("facets.filter_param", "refinementList%5Bingredient%5D%5B0%5D")
	v.SetDefault("facets.max_pages", 3)
	v.SetDefault("facets.min_count", 25)
	v.SetDefault("facets.max_count", 28)
	v.SetDefault("facets.default_category", "Cancer Treatments")
	v.SetDefault("facets.fallback_names", DefaultFallbackFacets)

	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.nav_timeout_seconds", 30)
	v.SetDefault("headless.user_agent", "")
	v.SetDefault("headless.rate_per_second", 0.5)
	v.SetDefault("headless.burst", 1)
	v.SetDefault("headless.overlay_selectors", []string{
		"button[aria-label='Close']",
		"button[aria-label='close']",
		".modal-close",
		"[data-testid='close-button']",
	})
	v.SetDefault("headless.description_selectors", []string{
		".pdp-about-section p",
		".pdp-about-section div[data-content-type='html']",
		".pdp-about-section",
	})
	v.SetDefault("headless.description_fallback", ".container-base")
	v.SetDefault("headless.facet_expand_selectors", []string{
		"button[data-filter='ingredient']",
		"button.show-all",
	})
	v.SetDefault("headless.facet_label_selector", "[data-attribute='ingredient'] label")
	v.SetDefault("headless.product_link_selector", "a[href*='/pdp/']")

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_dir", "./data")
	v.SetDefault("storage.gcs_bucket", "")

	v.SetDefault("db.backend", "memory")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.products_table", "products")
	v.SetDefault("db.runs_table", "scrape_runs")
	v.SetDefault("db.max_conns", 4)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")

	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)

	v.SetDefault("telemetry.service_name", "catalog-ingest")
	v.SetDefault("telemetry.service_version", "dev")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Source.Name) == "" {
		return fmt.Errorf("source.name is required")
	}
	if c.Source.BaseURL == "" {
		return fmt.Errorf("source.base_url is required")
	}
	if c.Source.ConversionRate <= 0 {
		return fmt.Errorf("source.conversion_rate must be > 0")
	}
	if c.Fetch.Concurrency <= 0 {
		return fmt.Errorf("fetch.concurrency must be > 0")
	}
	if c.Fetch.MaxRetries <= 0 {
		return fmt.Errorf("fetch.max_retries must be > 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.JitterMaxMs < c.Fetch.JitterMinMs || c.Fetch.PauseMaxMs < c.Fetch.PauseMinMs {
		return fmt.Errorf("fetch jitter and pause ranges must have max >= min")
	}
	if c.Sitemap.MaxParallel <= 0 {
		return fmt.Errorf("sitemap.max_parallel must be > 0")
	}
	if c.ImageCache.ChunkCapacity <= 0 {
		return fmt.Errorf("image_cache.chunk_capacity must be > 0")
	}
	if c.Writer.FlushThreshold <= 0 {
		return fmt.Errorf("writer.flush_threshold must be > 0")
	}
	if c.Pipeline.SitemapBatchSize <= 0 || c.Pipeline.FacetBatchSize <= 0 {
		return fmt.Errorf("pipeline batch sizes must be > 0")
	}
	switch c.Storage.Backend {
	case "local", "memory":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.backend is gcs")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	switch c.Checkpoint.Backend {
	case "blob", "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr must be set when checkpoint.backend is redis")
		}
	default:
		return fmt.Errorf("unknown checkpoint.backend %q", c.Checkpoint.Backend)
	}
	switch c.DB.Backend {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when db.backend is postgres")
		}
	default:
		return fmt.Errorf("unknown db.backend %q", c.DB.Backend)
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// RequestTimeout is the hard per-attempt timeout of the fetch client.
func (c FetchConfig) RequestTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// NavTimeout is the per-session browser timeout.
func (c HeadlessConfig) NavTimeout() time.Duration {
	return time.Duration(c.NavTimeoutSec) * time.Second
}
