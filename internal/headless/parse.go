package headless

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/JakeFAU/catalog-ingest-crawler/internal/catalog"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/normalize"
)

var facetCount = regexp.MustCompile(`^(.*?)\s*\((\d+)\)$`)

// FacetLocator builds the filtered listing URL of one facet value.
func FacetLocator(categoryURL, filterParam, name string) string {
	sep := "?"
	if strings.Contains(categoryURL, "?") {
		sep = "&"
	}
	return categoryURL + sep + filterParam + "=" + escapeQuery(name)
}

func escapeQuery(s string) string {
	// QueryEscape encodes spaces as '+', the listing expects %20.
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// parseDescription returns the text of the first selector that yields any,
// then the fallback container.
func parseDescription(doc *goquery.Document, selectors []string, fallback string) string {
	candidates := append(append([]string(nil), selectors...), fallback)
	for _, sel := range candidates {
		if strings.TrimSpace(sel) == "" {
			continue
		}
		var parts []string
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			if text := textLines(s); text != "" {
				parts = append(parts, text)
			}
		})
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
	}
	return ""
}

// parseFacets reads facet labels such as "Lenalidomide (12)".
func parseFacets(doc *goquery.Document, labelSelector, categoryURL, filterParam string) []catalog.Facet {
	var facets []catalog.Facet
	seen := make(map[string]struct{})
	doc.Find(labelSelector).Each(func(_ int, s *goquery.Selection) {
		label := strings.Join(strings.Fields(s.Text()), " ")
		if label == "" {
			return
		}
		facet := catalog.Facet{Name: label}
		if m := facetCount.FindStringSubmatch(label); m != nil {
			facet.Name = m[1]
			facet.Count, _ = strconv.Atoi(m[2])
		}
		key := strings.ToLower(facet.Name)
		if _, ok := seen[key]; ok || facet.Name == "" {
			return
		}
		seen[key] = struct{}{}
		facet.Locator = FacetLocator(categoryURL, filterParam, facet.Name)
		facets = append(facets, facet)
	})
	return facets
}

// parseProductLinks collects canonical product page URLs.
func parseProductLinks(doc *goquery.Document, selector, baseURL, localePath string) []string {
	var links []string
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			return
		}
		if u := normalize.CanonicalURL(baseURL, localePath, href); u != "" {
			links = append(links, u)
		}
	})
	return links
}

func textLines(s *goquery.Selection) string {
	var lines []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			if t := strings.TrimSpace(n.Data); t != "" {
				lines = append(lines, t)
			}
			return
		case html.ElementNode:
			if n.Data == "script" || n.Data == "style" || n.Data == "noscript" {
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range s.Nodes {
		walk(n)
	}
	return strings.Join(lines, "\n")
}

func appendUnique(dst []string, seen map[string]struct{}, values ...string) []string {
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		dst = append(dst, v)
	}
	return dst
}
