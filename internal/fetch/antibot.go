package fetch

import (
	"bytes"
	"strings"

	"github.com/jpns3334444/scraper-sub000/internal/harvest"
)

// defaultBlockSignatures are content markers of challenge and block pages.
// Matching is case-insensitive substring search over the body; markers are
// specific enough that a status code check adds nothing.
var defaultBlockSignatures = []string{
	"cf-chl",
	"cf-browser-verification",
	"_cf_chl_opt",
	"px-captcha",
	"distil_r_captcha",
	"geo.captcha-delivery.com",
	"please verify you are a human",
	"pardon our interruption",
	"access to this page has been denied",
	"一時的にアクセスが制限されています",
	"アクセスが集中しています",
}

// AntiBotDetector scans fetched bodies for block-page signatures.
type AntiBotDetector struct {
	signatures [][]byte
	names      []string
}

// NewAntiBotDetector builds a detector. An empty signature list falls back
// to the built-in set.
func NewAntiBotDetector(signatures []string) *AntiBotDetector {
	if len(signatures) == 0 {
		signatures = defaultBlockSignatures
	}
	d := &AntiBotDetector{
		signatures: make([][]byte, 0, len(signatures)),
		names:      make([]string, 0, len(signatures)),
	}
	for _, sig := range signatures {
		trimmed := strings.TrimSpace(sig)
		if trimmed == "" {
			continue
		}
		d.signatures = append(d.signatures, []byte(strings.ToLower(trimmed)))
		d.names = append(d.names, trimmed)
	}
	return d
}

// Match returns the first matching signature, if any.
func (d *AntiBotDetector) Match(res harvest.FetchResult) (string, bool) {
	if len(res.Body) == 0 {
		return "", false
	}
	lower := bytes.ToLower(res.Body)
	for i, sig := range d.signatures {
		if bytes.Contains(lower, sig) {
			return d.names[i], true
		}
	}
	return "", false
}
