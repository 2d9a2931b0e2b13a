// Package normalize maps product API payloads onto catalog records.
package normalize

import (
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/JakeFAU/catalog-ingest-crawler/internal/catalog"
)

// ErrIncomplete is returned for payloads without a name or a resolvable URL.
var ErrIncomplete = errors.New("incomplete product payload")

const (
	// DefaultCategory labels facet products without an imf_category.
	DefaultCategory = "Cancer Treatments"
	// DefaultSpeciality labels sitemap products without any classification.
	DefaultSpeciality = "Sitemap Product"
)

var (
	slugSeparators = regexp.MustCompile(`[\s/]`)
	slugInvalid    = regexp.MustCompile(`[^a-z0-9_-]`)
	slugDashes     = regexp.MustCompile(`-+`)
)

// Options carries the per-source and per-flow context of a normalization.
type Options struct {
	Source         string
	StoreID        string
	Country        string
	Currency       string
	ConversionRate float64
	BaseURL        string
	LocalePath     string
	Flow           catalog.Flow
	// URL overrides item_link when the caller already knows the product page.
	URL               string
	FacetName         string
	DefaultCategory   string
	DefaultSpeciality string
	Images            []string
	Description       string
	Now               time.Time
}

// Normalize converts p into a ProductRecord whose price history holds the
// single observation made at opts.Now.
func Normalize(p catalog.APIProduct, opts Options) (catalog.ProductRecord, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return catalog.ProductRecord{}, fmt.Errorf("%w: missing item_name", ErrIncomplete)
	}
	link := opts.URL
	if link == "" {
		link = p.Link
	}
	productURL := CanonicalURL(opts.BaseURL, opts.LocalePath, link)
	if productURL == "" {
		return catalog.ProductRecord{}, fmt.Errorf("%w: missing item_link for %q", ErrIncomplete, name)
	}

	rate := opts.ConversionRate
	if rate == 0 {
		rate = 1
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	original := float64(p.Price)
	rec := catalog.ProductRecord{
		Source:         opts.Source,
		URL:            productURL,
		SKU:            ProductKey(productURL),
		StoreID:        opts.StoreID,
		Country:        opts.Country,
		Name:           name,
		NormalizedName: NormalizeName(name),
		Slug:           Slug(name),
		Brand:          html.UnescapeString(p.Brand),
		Description:    opts.Description,
		Images:         images(opts.Images, p.ImageLink),
		Price:          fmt.Sprintf("%.2f", original*rate),
		OriginalPrice:  original,
		Currency:       opts.Currency,
		ConversionRate: rate,
		OutOfStock:     original == 0,
		UpdatedAt:      now,
	}
	if shelf := float64(p.ShelfPrice); shelf > 0 {
		cut := fmt.Sprintf("%.2f", shelf*rate)
		rec.CutPrice = &cut
	}

	switch opts.Flow {
	case catalog.FlowFacet:
		rec.Category = firstNonEmpty(p.IMFCategory, opts.DefaultCategory, DefaultCategory)
		rec.Speciality = compact(firstNonEmpty(opts.DefaultCategory, DefaultCategory), p.QueryCategory.Name, p.IMFClass)
	default:
		rec.Category = strings.Join(compact(p.Category, p.Category2, p.Category3, p.Category4, p.Category5), ", ")
		rec.Speciality = compact(p.IMFClass, p.QueryCategory.Name, p.IMFDepartment)
		if len(rec.Speciality) == 0 {
			rec.Speciality = []string{firstNonEmpty(opts.DefaultSpeciality, DefaultSpeciality)}
		}
	}
	rec.Ingredients = compact(append([]string{opts.FacetName}, p.Ingredients...)...)

	rec.PriceHistory = []catalog.PriceChange{{
		Price:          rec.Price,
		OriginalPrice:  original,
		Currency:       opts.Currency,
		ConversionRate: rate,
		Timestamp:      now,
	}}
	return rec, nil
}

// CanonicalURL resolves link against baseURL, ensures the locale segment and
// strips the staging host marker and duplicate slashes.
func CanonicalURL(baseURL, localePath, link string) string {
	link = strings.TrimSpace(link)
	if link == "" {
		return ""
	}
	base := strings.TrimRight(baseURL, "/")
	if !strings.Contains(link, "://") {
		link = base + "/" + strings.TrimLeft(link, "/")
	}
	link = strings.ReplaceAll(link, "hlprd.", "")
	base = strings.ReplaceAll(base, "hlprd.", "")
	if locale := strings.Trim(localePath, "/"); locale != "" && base != "" {
		segment := "/" + locale + "/"
		if !strings.Contains(link+"/", segment) && strings.HasPrefix(link, base) {
			link = base + segment + strings.TrimLeft(strings.TrimPrefix(link, base), "/")
		}
	}
	scheme, rest, ok := strings.Cut(link, "://")
	if !ok {
		return collapseSlashes(link)
	}
	return scheme + "://" + collapseSlashes(rest)
}

func collapseSlashes(s string) string {
	for strings.Contains(s, "//") {
		s = strings.ReplaceAll(s, "//", "/")
	}
	return s
}

var pdpKey = regexp.MustCompile(`/pdp/(\d+)`)

// ProductKey extracts the numeric SKU from a product detail URL.
func ProductKey(u string) string {
	if m := pdpKey.FindStringSubmatch(u); m != nil {
		return m[1]
	}
	return ""
}

// NormalizeName folds accents, lowercases and collapses whitespace.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(foldAccents(name))), " ")
}

// Slug builds a URL-safe identifier from text.
func Slug(text string) string {
	s := strings.ToLower(strings.TrimSpace(foldAccents(text)))
	s = slugSeparators.ReplaceAllString(s, "-")
	s = slugInvalid.ReplaceAllString(s, "")
	return slugDashes.ReplaceAllString(s, "-")
}

func foldAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

func images(list []string, fallback string) []string {
	out := compact(list...)
	if len(out) == 0 {
		out = compact(fallback)
	}
	if out == nil {
		out = []string{}
	}
	return out
}

// compact trims values and drops empty entries and duplicates, keeping order.
func compact(values ...string) []string {
	var out []string
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
