package fetcher

import (
	"bytes"
	"errors"
	"strings"
)

// ErrChallenge marks a success response that is really a bot challenge page.
var ErrChallenge = errors.New("bot challenge page served")

// challengeScanBytes bounds how much of a body is searched for keywords.
const challengeScanBytes = 32 << 10

// DefaultChallengeKeywords are markers of the common challenge vendors.
var DefaultChallengeKeywords = []string{
	"captcha",
	"cf-chl",
	"challenge-platform",
	"px-captcha",
	"request unsuccessful. incapsula",
	"access denied",
}

// ChallengeDetector recognizes challenge pages returned with a 2xx status.
type ChallengeDetector struct {
	keywords [][]byte
}

// NewChallengeDetector builds a detector; empty keywords are ignored.
func NewChallengeDetector(keywords []string) *ChallengeDetector {
	lower := make([][]byte, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		lower = append(lower, bytes.ToLower([]byte(kw)))
	}
	return &ChallengeDetector{keywords: lower}
}

// Blocked reports whether resp, fetched with profile, is a challenge page. An
// HTML document where JSON was expected always counts; keywords are only
// searched for in HTML documents.
func (d *ChallengeDetector) Blocked(profile Profile, resp Response) bool {
	if d == nil {
		return false
	}
	body := bytes.TrimSpace(resp.Body)
	if len(body) == 0 {
		return false
	}
	if profile == ProfileJSON && body[0] == '<' {
		return true
	}
	if len(body) > challengeScanBytes {
		body = body[:challengeScanBytes]
	}
	lower := bytes.ToLower(body)
	if !bytes.Contains(lower, []byte("<html")) {
		return false
	}
	for _, kw := range d.keywords {
		if bytes.Contains(lower, kw) {
			return true
		}
	}
	return false
}
