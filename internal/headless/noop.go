package headless

import (
	"context"

	"github.com/JakeFAU/catalog-ingest-crawler/internal/catalog"
)

// Noop is the PageExtractor used when headless browsing is disabled. Every
// call returns an empty result.
type Noop struct{}

var _ catalog.PageExtractor = Noop{}

// ExtractDescription returns "".
func (Noop) ExtractDescription(context.Context, string) (string, error) { return "", nil }

// ExtractFacetList returns no facets.
func (Noop) ExtractFacetList(context.Context) ([]catalog.Facet, error) { return nil, nil }

// ExtractProductKeysForFacet returns no products.
func (Noop) ExtractProductKeysForFacet(context.Context, string, int) ([]string, error) {
	return nil, nil
}

// Enabled reports false so callers can tell the extractor lists nothing.
func (Noop) Enabled() bool { return false }

// Close is a no-op.
func (Noop) Close() error { return nil }
