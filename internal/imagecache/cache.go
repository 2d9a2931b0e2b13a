// Package imagecache persists product images discovered in sitemaps as a set of
// fixed-capacity chunks plus an index mapping each product key to its chunk.
//
// A generation is written by a Builder: chunks first, then the index. The index is
// only ever written after every chunk it references, so a reader that finds an
// index can resolve every key in it. Rebuild deletes the index before any chunk,
// which keeps that property during teardown as well. The index also records the
// SHA-256 digest of every chunk; a chunk that does not match is treated as missing.
package imagecache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-ingest-crawler/internal/catalog"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/hash/sha256"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/metrics"
)

const (
	indexObject = "index.gob"
	chunkDir    = "chunks/"
	contentType = "application/octet-stream"
)

// Config controls chunk sizing and the number of decoded chunks kept in memory.
type Config struct {
	Prefix          string
	ChunkCapacity   int
	MaxLoadedChunks int
}

// Stats describes the persisted generation.
type Stats struct {
	Chunks int   `json:"chunks"`
	Keys   int   `json:"keys"`
	Bytes  int64 `json:"bytes"`
}

type chunk map[string][]string

// indexFile is the persisted index of one generation.
type indexFile struct {
	Keys    map[string]int
	Digests map[int]string
}

// ErrChunkCorrupt reports a chunk whose content does not match its indexed digest.
var ErrChunkCorrupt = errors.New("image chunk digest mismatch")

// Cache reads and rebuilds the persisted image cache.
type Cache struct {
	store  catalog.BlobStore
	cfg    Config
	logger *zap.Logger

	mu          sync.Mutex
	index       map[string]int
	digests     map[int]string
	indexLoaded bool
	chunks      *lru.Cache[int, chunk]
}

// New constructs a Cache over store.
func New(store catalog.BlobStore, cfg Config, logger *zap.Logger) (*Cache, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if cfg.ChunkCapacity <= 0 {
		cfg.ChunkCapacity = 2000
	}
	if cfg.MaxLoadedChunks <= 0 {
		cfg.MaxLoadedChunks = 4
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	chunks, err := lru.New[int, chunk](cfg.MaxLoadedChunks)
	if err != nil {
		return nil, fmt.Errorf("create chunk lru: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		store:  store,
		cfg:    cfg,
		logger: logger,
		chunks: chunks,
	}, nil
}

// Rebuild deletes the current generation and returns a Builder for the next one.
func (c *Cache) Rebuild(ctx context.Context) (*Builder, error) {
	if err := c.Clear(ctx); err != nil {
		return nil, err
	}
	return &Builder{
		cache:   c,
		current: make(chunk),
		index:   make(map[string]int),
		digests: make(map[int]string),
	}, nil
}

// Clear removes the index and every chunk, index first.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.DeleteObject(ctx, c.objectPath(indexObject)); err != nil {
		return fmt.Errorf("delete image index: %w", err)
	}
	chunks, err := c.store.List(ctx, c.objectPath(chunkDir))
	if err != nil {
		return fmt.Errorf("list image chunks: %w", err)
	}
	for _, p := range chunks {
		if err := c.store.DeleteObject(ctx, p); err != nil {
			return fmt.Errorf("delete image chunk %s: %w", p, err)
		}
	}
	c.index, c.digests = nil, nil
	c.indexLoaded = false
	c.chunks.Purge()
	c.logger.Debug("image cache cleared", zap.Int("chunks", len(chunks)))
	return nil
}

// Lookup returns the cached images for key with fallback appended when it is
// non-empty and not already present. Lookup never fails: storage errors degrade
// to the fallback alone.
func (c *Cache) Lookup(ctx context.Context, key, fallback string) []string {
	images, result := c.lookup(ctx, key)
	metrics.ObserveImageLookup(result)

	out := make([]string, 0, len(images)+1)
	out = append(out, images...)
	if fallback != "" && !slices.Contains(out, fallback) {
		out = append(out, fallback)
	}
	return out
}

func (c *Cache) lookup(ctx context.Context, key string) ([]string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.loadIndexLocked(ctx); err != nil {
		c.logger.Warn("image index unavailable", zap.String("sku", key), zap.Error(err))
		return nil, "error"
	}
	n, ok := c.index[key]
	if !ok {
		return nil, "miss"
	}
	ch, ok := c.chunks.Get(n)
	if !ok {
		loaded, err := c.readChunk(ctx, n)
		if err != nil {
			c.logger.Warn("image chunk unavailable",
				zap.String("sku", key),
				zap.Int("chunk", n),
				zap.Error(err),
			)
			return nil, "error"
		}
		c.chunks.Add(n, loaded)
		ch = loaded
	}
	images, ok := ch[key]
	if !ok {
		return nil, "miss"
	}
	return images, "hit"
}

// Stats reports chunk, key and byte counts of the persisted generation.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var stats Stats
	chunks, err := c.store.List(ctx, c.objectPath(chunkDir))
	if err != nil {
		return stats, fmt.Errorf("list image chunks: %w", err)
	}
	stats.Chunks = len(chunks)
	for _, p := range chunks {
		data, err := c.store.GetObject(ctx, p)
		if err != nil {
			return stats, fmt.Errorf("read image chunk %s: %w", p, err)
		}
		stats.Bytes += int64(len(data))
	}
	if err := c.loadIndexLocked(ctx); err != nil {
		return stats, err
	}
	stats.Keys = len(c.index)
	return stats, nil
}

func (c *Cache) loadIndexLocked(ctx context.Context) error {
	if c.indexLoaded {
		return nil
	}
	data, err := c.store.GetObject(ctx, c.objectPath(indexObject))
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			c.index, c.digests = map[string]int{}, nil
			c.indexLoaded = true
			return nil
		}
		return fmt.Errorf("read image index: %w", err)
	}
	var idx indexFile
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&idx); err != nil {
		return fmt.Errorf("decode image index: %w", err)
	}
	if idx.Keys == nil {
		idx.Keys = map[string]int{}
	}
	c.index, c.digests = idx.Keys, idx.Digests
	c.indexLoaded = true
	return nil
}

func (c *Cache) readChunk(ctx context.Context, n int) (chunk, error) {
	data, err := c.store.GetObject(ctx, c.chunkPath(n))
	if err != nil {
		return nil, fmt.Errorf("read chunk %d: %w", n, err)
	}
	if want, ok := c.digests[n]; ok && !sha256.Verify(data, want) {
		return nil, fmt.Errorf("read chunk %d: %w", n, ErrChunkCorrupt)
	}
	var ch chunk
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&ch); err != nil {
		return nil, fmt.Errorf("decode chunk %d: %w", n, err)
	}
	return ch, nil
}

// writeGob encodes v to p and returns the digest of the stored bytes.
func (c *Cache) writeGob(ctx context.Context, p string, v any) (string, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return "", fmt.Errorf("encode %s: %w", p, err)
	}
	digest := sha256.Sum(buf.Bytes())
	if _, err := c.store.PutObject(ctx, p, contentType, &buf); err != nil {
		return "", fmt.Errorf("write %s: %w", p, err)
	}
	return digest, nil
}

// install swaps in a freshly committed index and forgets decoded chunks.
func (c *Cache) install(idx indexFile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index, c.digests = idx.Keys, idx.Digests
	c.indexLoaded = true
	c.chunks.Purge()
}

func (c *Cache) objectPath(name string) string {
	if c.cfg.Prefix == "" {
		return name
	}
	return c.cfg.Prefix + "/" + name
}

func (c *Cache) chunkPath(n int) string {
	return c.objectPath(fmt.Sprintf("%schunk_%d.gob", chunkDir, n))
}
