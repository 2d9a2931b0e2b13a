package imagecache

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Builder accumulates one generation of the cache. It is not safe for
// concurrent use; callers merge discovery results before adding them.
type Builder struct {
	cache     *Cache
	current   chunk
	index     map[string]int
	digests   map[int]string
	chunkNum  int
	written   int
	committed bool
}

// Add records images for key. The first non-empty set seen for a key wins.
// A chunk is persisted as soon as it reaches capacity.
func (b *Builder) Add(ctx context.Context, key string, images []string) error {
	if b.committed {
		return fmt.Errorf("image cache builder already committed")
	}
	if key == "" || len(images) == 0 {
		return nil
	}
	if _, ok := b.index[key]; ok {
		return nil
	}
	b.current[key] = append([]string(nil), images...)
	b.index[key] = b.chunkNum
	if len(b.current) >= b.cache.cfg.ChunkCapacity {
		return b.flushChunk(ctx)
	}
	return nil
}

// Len reports the number of keys added so far.
func (b *Builder) Len() int {
	return len(b.index)
}

// Commit persists the final partial chunk and then the index.
func (b *Builder) Commit(ctx context.Context) error {
	if b.committed {
		return nil
	}
	if len(b.current) > 0 {
		if err := b.flushChunk(ctx); err != nil {
			return err
		}
	}
	idx := indexFile{Keys: b.index, Digests: b.digests}
	if _, err := b.cache.writeGob(ctx, b.cache.objectPath(indexObject), idx); err != nil {
		return fmt.Errorf("write image index: %w", err)
	}
	b.committed = true
	b.cache.install(idx)
	b.cache.logger.Info("image cache committed",
		zap.Int("keys", len(b.index)),
		zap.Int("chunks", b.written),
	)
	return nil
}

func (b *Builder) flushChunk(ctx context.Context) error {
	digest, err := b.cache.writeGob(ctx, b.cache.chunkPath(b.chunkNum), b.current)
	if err != nil {
		return fmt.Errorf("write image chunk %d: %w", b.chunkNum, err)
	}
	b.digests[b.chunkNum] = digest
	b.written++
	b.chunkNum++
	b.current = make(chunk)
	return nil
}
