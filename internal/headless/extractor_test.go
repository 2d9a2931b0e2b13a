package headless

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-ingest-crawler/internal/catalog"
)

const (
	testBase     = "https://www.shop.test"
	testCategory = "https://www.shop.test/en-sa/cancer/plp/1"
)

type pageSet struct {
	mu     sync.Mutex
	pages  map[string]string
	errs   map[string]error
	visits []string
	clicks [][]string
}

func (p *pageSet) render(_ context.Context, url string, clicks []string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.visits = append(p.visits, url)
	p.clicks = append(p.clicks, clicks)
	if err, ok := p.errs[url]; ok {
		return "", err
	}
	page, ok := p.pages[url]
	if !ok {
		return "<html><body></body></html>", nil
	}
	return page, nil
}

func testConfig() Config {
	return Config{
		BaseURL:              testBase,
		LocalePath:           "/en-sa/",
		CategoryURL:          testCategory,
		DescriptionSelectors: []string{".about p", ".about"},
		DescriptionFallback:  ".container-base",
		FacetExpandSelectors: []string{"button.ingredients"},
		FacetLabelSelector:   ".facet label",
	}
}

func doc(t *testing.T, body string) *goquery.Document {
	t.Helper()
	d, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	require.NoError(t, err)
	return d
}

func TestParseDescriptionSelectorOrder(t *testing.T) {
	t.Parallel()

	d := doc(t, `<div class="about"><h2>About</h2><p>First line.</p><p> Second <b>bold</b> </p></div>`)
	assert.Equal(t, "First line.\nSecond\nbold", parseDescription(d, []string{".about p", ".about"}, ".container-base"))

	d = doc(t, `<div class="about"><span>Only span</span><script>var x=1</script></div>`)
	assert.Equal(t, "Only span", parseDescription(d, []string{".about p", ".about"}, ""))

	d = doc(t, `<div class="container-base">Fallback text</div>`)
	assert.Equal(t, "Fallback text", parseDescription(d, []string{".about p"}, ".container-base"))

	d = doc(t, `<div>nothing</div>`)
	assert.Equal(t, "", parseDescription(d, []string{".about p"}, ".container-base"))
}

func TestParseFacets(t *testing.T) {
	t.Parallel()

	d := doc(t, `<div class="facet">
		<label>Lenalidomide (12)</label>
		<label>Imatinib   Mesilate</label>
		<label>lenalidomide (3)</label>
		<label> </label>
	</div>`)
	facets := parseFacets(d, ".facet label", testCategory, "refinementList%5Bingredient%5D%5B0%5D")
	require.Len(t, facets, 2)
	assert.Equal(t, catalog.Facet{
		Name:    "Lenalidomide",
		Count:   12,
		Locator: testCategory + "?refinementList%5Bingredient%5D%5B0%5D=Lenalidomide",
	}, facets[0])
	assert.Equal(t, "Imatinib Mesilate", facets[1].Name)
	assert.Equal(t, testCategory+"?refinementList%5Bingredient%5D%5B0%5D=Imatinib%20Mesilate", facets[1].Locator)
}

func TestFacetLocatorAppendsToExistingQuery(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "https://x.test/plp?sort=asc&f=A%26B", FacetLocator("https://x.test/plp?sort=asc", "f", "A&B"))
}

func TestExtractDescription(t *testing.T) {
	t.Parallel()

	pages := &pageSet{pages: map[string]string{
		testBase + "/en-sa/a/pdp/1": `<div class="about"><p>Take daily.</p></div>`,
	}, errs: map[string]error{
		testBase + "/en-sa/b/pdp/2": context.DeadlineExceeded,
	}}
	e := newWithRenderer(testConfig(), pages.render)

	text, err := e.ExtractDescription(context.Background(), testBase+"/en-sa/a/pdp/1")
	require.NoError(t, err)
	assert.Equal(t, "Take daily.", text)

	text, err = e.ExtractDescription(context.Background(), testBase+"/en-sa/b/pdp/2")
	require.NoError(t, err)
	assert.Empty(t, text)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.ExtractDescription(ctx, testBase+"/en-sa/a/pdp/1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExtractFacetListClicksExpanders(t *testing.T) {
	t.Parallel()

	pages := &pageSet{pages: map[string]string{
		testCategory: `<div class="facet"><label>Letrozole (4)</label><label>Olaparib</label></div>`,
	}}
	e := newWithRenderer(testConfig(), pages.render)

	facets, err := e.ExtractFacetList(context.Background())
	require.NoError(t, err)
	require.Len(t, facets, 2)
	assert.Equal(t, "Letrozole", facets[0].Name)
	assert.Equal(t, []string{"button.ingredients"}, pages.clicks[0])
}

func TestExtractProductKeysForFacetPaginates(t *testing.T) {
	t.Parallel()

	locator := FacetLocator(testCategory, "f", "Olaparib")
	pages := &pageSet{pages: map[string]string{
		locator:             `<a href="/en-sa/lynparza/pdp/11">x</a><a href="/lynparza-2/pdp/12">y</a><a href="/help">z</a>`,
		locator + "&page=2": `<a href="https://hlprd.www.shop.test/en-sa/lynparza/pdp/11">dup</a><a href="/en-sa/c/pdp/13">c</a>`,
		locator + "&page=3": `<p>no products</p>`,
		locator + "&page=4": `<a href="/en-sa/never/pdp/99">never</a>`,
	}}
	e := newWithRenderer(testConfig(), pages.render)

	links, err := e.ExtractProductKeysForFacet(context.Background(), locator, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{
		testBase + "/en-sa/lynparza/pdp/11",
		testBase + "/en-sa/lynparza-2/pdp/12",
		testBase + "/en-sa/c/pdp/13",
	}, links)
	assert.Len(t, pages.visits, 3)
}

func TestExtractProductKeysStopsOnRenderFailure(t *testing.T) {
	t.Parallel()

	pages := &pageSet{errs: map[string]error{"https://x.test/l": errors.New("net::ERR_ABORTED")}}
	e := newWithRenderer(testConfig(), pages.render)
	links, err := e.ExtractProductKeysForFacet(context.Background(), "https://x.test/l", 3)
	require.NoError(t, err)
	assert.Empty(t, links)
}

type recordingPacer struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (r *recordingPacer) Wait(_ context.Context, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urls = append(r.urls, url)
	return r.err
}

func TestNavigationsArePaced(t *testing.T) {
	t.Parallel()

	pacer := &recordingPacer{}
	cfg := testConfig()
	cfg.Pacer = pacer
	pages := &pageSet{}
	e := newWithRenderer(cfg, pages.render)

	_, err := e.ExtractDescription(context.Background(), testBase+"/en-sa/a/pdp/1")
	require.NoError(t, err)
	assert.Equal(t, []string{testBase + "/en-sa/a/pdp/1"}, pacer.urls)

	pacer.err = context.DeadlineExceeded
	_, err = e.ExtractDescription(context.Background(), testBase+"/en-sa/b/pdp/2")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, pages.visits, 1, "a page is not rendered when pacing fails")
}

func TestNoop(t *testing.T) {
	t.Parallel()

	var e catalog.PageExtractor = Noop{}
	text, err := e.ExtractDescription(context.Background(), "u")
	require.NoError(t, err)
	assert.Empty(t, text)
	facets, err := e.ExtractFacetList(context.Background())
	require.NoError(t, err)
	assert.Empty(t, facets)
	require.NoError(t, e.Close())
}
