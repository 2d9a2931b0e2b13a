package fetcher

import "net/http"

// Profile selects which family of request headers an identity presents.
type Profile int

const (
	// ProfileJSON mimics an XHR call from the storefront.
	ProfileJSON Profile = iota
	// ProfileXML mimics a crawler fetching sitemaps.
	ProfileXML
	// ProfileHTML mimics a top-level page navigation.
	ProfileHTML
)

// DefaultUserAgents is the rotation pool of desktop browser agents.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:109.0) Gecko/20100101 Firefox/119.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
}

// Accept-Encoding is left to net/http so that gzip bodies are decoded transparently.
var headerSets = map[Profile][]map[string]string{
	ProfileJSON: {
		{
			"Accept":          "application/json, text/plain, */*",
			"Accept-Language": "en-US,en;q=0.9,ar;q=0.8",
			"DNT":             "1",
			"Sec-Fetch-Dest":  "empty",
			"Sec-Fetch-Mode":  "cors",
			"Sec-Fetch-Site":  "same-origin",
			"Cache-Control":   "no-cache",
			"Pragma":          "no-cache",
		},
		{
			"Accept":          "application/json",
			"Accept-Language": "en-GB,en;q=0.8",
			"Sec-Fetch-Dest":  "empty",
			"Sec-Fetch-Mode":  "cors",
			"Sec-Fetch-Site":  "same-origin",
		},
		{
			"Accept":          "*/*",
			"Accept-Language": "en-US,en;q=0.7,ar-SA;q=0.5",
			"Cache-Control":   "no-cache",
		},
	},
	ProfileXML: {
		{
			"Accept":          "application/xml,text/xml,*/*",
			"Accept-Language": "en-US,en;q=0.9",
		},
		{
			"Accept":          "text/xml,application/xml;q=0.9,*/*;q=0.8",
			"Accept-Language": "en-GB,en;q=0.8",
			"Cache-Control":   "no-cache",
		},
	},
	ProfileHTML: {
		{
			"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
			"Accept-Language":           "en-US,en;q=0.9",
			"Upgrade-Insecure-Requests": "1",
			"Sec-Fetch-Dest":            "document",
			"Sec-Fetch-Mode":            "navigate",
		},
		{
			"Accept":          "text/html,*/*;q=0.8",
			"Accept-Language": "en-GB,en;q=0.7",
		},
	},
}

// IdentityPool hands out a randomized user agent and header set per attempt.
type IdentityPool struct {
	agents []string
	pick   jitterSource
}

// NewIdentityPool builds a pool over agents, defaulting to DefaultUserAgents.
func NewIdentityPool(agents []string) *IdentityPool {
	if len(agents) == 0 {
		agents = DefaultUserAgents
	}
	return &IdentityPool{agents: append([]string(nil), agents...), pick: cryptoJitter{}}
}

// Headers returns a fresh header set for profile.
func (p *IdentityPool) Headers(profile Profile) http.Header {
	sets, ok := headerSets[profile]
	if !ok {
		sets = headerSets[ProfileJSON]
	}
	chosen := sets[p.pick.Int63n(int64(len(sets)))]
	h := make(http.Header, len(chosen)+1)
	for k, v := range chosen {
		h.Set(k, v)
	}
	h.Set("User-Agent", p.agents[p.pick.Int63n(int64(len(p.agents)))])
	return h
}
