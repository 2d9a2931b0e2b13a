package sitemap

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/antchfx/xmlquery"
)

const (
	sitemapNS = "http://www.sitemaps.org/schemas/sitemap/0.9"
	imageNS   = "http://www.google.com/schemas/sitemap-image/1.1"
	pageMapNS = "http://www.google.com/schemas/sitemap-pagemap/1.0"
)

var (
	indexLocPattern = regexp.MustCompile(`<loc[^>]*>\s*(https?://[^<]*sitemap[^<]*\.xml)\s*</loc>`)
	pdpLocPattern   = regexp.MustCompile(`<loc[^>]*>\s*(https?://[^<]*/pdp/\d+[^<]*?)\s*</loc>`)
	pdpKeyPattern   = regexp.MustCompile(`/pdp/(\d+)`)
)

// Entry is one product discovered in a child sitemap.
type Entry struct {
	Key    string
	URL    string
	Images []string
}

// ProductKey extracts the numeric product key from a detail-page URL.
func ProductKey(rawURL string) string {
	m := pdpKeyPattern.FindStringSubmatch(rawURL)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// parseIndex returns the child sitemap URLs listed in an index document. A
// strict namespace-aware streaming parse runs first; when it fails or finds
// nothing, a permissive pattern scan of the raw bytes is used instead.
func parseIndex(body []byte) ([]string, bool, error) {
	urls, err := streamIndex(body)
	if err == nil && len(urls) > 0 {
		return urls, false, nil
	}
	recovered := dedupe(matchAll(indexLocPattern, body))
	if len(recovered) > 0 {
		return recovered, true, nil
	}
	if err != nil {
		return nil, true, fmt.Errorf("parse sitemap index: %w", err)
	}
	return nil, true, nil
}

func streamIndex(body []byte) ([]string, error) {
	sp, err := xmlquery.CreateStreamParser(bytes.NewReader(body), "//sitemap")
	if err != nil {
		return nil, fmt.Errorf("create index stream parser: %w", err)
	}
	var urls []string
	for {
		node, err := sp.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return urls, fmt.Errorf("read index element: %w", err)
		}
		if !inSitemapNS(node) {
			continue
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			if child.Type == xmlquery.ElementNode && child.Data == "loc" && inSitemapNS(child) {
				if loc := strings.TrimSpace(child.InnerText()); loc != "" {
					urls = append(urls, loc)
				}
			}
		}
	}
	return dedupe(urls), nil
}

// parseChild streams <url> elements of a child sitemap. Entries read before a
// syntax error are kept and the remainder of the document is scanned for
// detail-page locations, which are returned without images.
func parseChild(body []byte) ([]Entry, int, error) {
	entries, streamErr := streamChild(body)
	if streamErr == nil {
		return entries, 0, nil
	}
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		seen[e.URL] = struct{}{}
	}
	recovered := 0
	for _, loc := range matchAll(pdpLocPattern, body) {
		if _, ok := seen[loc]; ok {
			continue
		}
		key := ProductKey(loc)
		if key == "" {
			continue
		}
		seen[loc] = struct{}{}
		entries = append(entries, Entry{Key: key, URL: loc})
		recovered++
	}
	return entries, recovered, streamErr
}

func streamChild(body []byte) ([]Entry, error) {
	sp, err := xmlquery.CreateStreamParser(bytes.NewReader(body), "//url")
	if err != nil {
		return nil, fmt.Errorf("create sitemap stream parser: %w", err)
	}
	var entries []Entry
	for {
		node, err := sp.Read()
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return entries, fmt.Errorf("read url element: %w", err)
		}
		if !inSitemapNS(node) {
			continue
		}
		if entry, ok := entryFromNode(node); ok {
			entries = append(entries, entry)
		}
	}
}

func entryFromNode(node *xmlquery.Node) (Entry, bool) {
	var (
		loc    string
		cover  string
		images []string
	)
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		if child.Type != xmlquery.ElementNode {
			continue
		}
		switch {
		case child.Data == "loc" && inSitemapNS(child):
			loc = strings.TrimSpace(child.InnerText())
		case child.Data == "PageMap" && child.NamespaceURI == pageMapNS:
			if cover == "" {
				cover = coverImage(child)
			}
		case child.Data == "image" && child.NamespaceURI == imageNS:
			for img := child.FirstChild; img != nil; img = img.NextSibling {
				if img.Type == xmlquery.ElementNode && img.Data == "loc" && img.NamespaceURI == imageNS {
					if v := strings.TrimSpace(img.InnerText()); v != "" {
						images = append(images, v)
					}
				}
			}
		}
	}
	key := ProductKey(loc)
	if key == "" {
		return Entry{}, false
	}
	all := make([]string, 0, len(images)+1)
	if cover != "" {
		all = append(all, cover)
	}
	all = dedupe(append(all, images...))
	return Entry{Key: key, URL: loc, Images: all}, true
}

// coverImage returns the first PageMap Attribute named "src", searched depth-first.
func coverImage(n *xmlquery.Node) string {
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if child.Type != xmlquery.ElementNode {
			continue
		}
		if child.Data == "Attribute" && child.NamespaceURI == pageMapNS && child.SelectAttr("name") == "src" {
			if v := strings.TrimSpace(child.InnerText()); v != "" {
				return v
			}
		}
		if v := coverImage(child); v != "" {
			return v
		}
	}
	return ""
}

func inSitemapNS(n *xmlquery.Node) bool {
	return n.NamespaceURI == sitemapNS || n.NamespaceURI == ""
}

func matchAll(re *regexp.Regexp, body []byte) []string {
	matches := re.FindAllSubmatch(body, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, strings.TrimSpace(string(m[1])))
	}
	return out
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return values
	}
	seen := make(map[string]struct{}, len(values))
	out := values[:0:0]
	for _, v := range values {
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
