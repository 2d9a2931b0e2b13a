package pipeline

import "sync"

// ProcessedURLs is the run-scoped set of product URLs already staged by any
// flow. It is safe for concurrent use.
type ProcessedURLs struct {
	mu  sync.RWMutex
	set map[string]struct{}
}

// NewProcessedURLs returns an empty set.
func NewProcessedURLs() *ProcessedURLs {
	return &ProcessedURLs{set: make(map[string]struct{})}
}

// Add records urls.
func (p *ProcessedURLs) Add(urls ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range urls {
		if u != "" {
			p.set[u] = struct{}{}
		}
	}
}

// Has reports whether url was recorded.
func (p *ProcessedURLs) Has(url string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.set[url]
	return ok
}

// Len returns the number of recorded URLs.
func (p *ProcessedURLs) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.set)
}
