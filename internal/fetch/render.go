package fetch

import (
	"bytes"

	"github.com/jpns3334444/scraper-sub000/internal/harvest"
)

// spaMarkers identify client-side-rendered shells whose listing data only
// exists after JavaScript runs.
var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("window.__nuxt__"),
	[]byte("window.__initial_state__"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
}

// RenderHeuristic decides when a static fetch must be promoted to the
// headless browser.
type RenderHeuristic struct {
	bodyLengthThreshold int
}

// NewRenderHeuristic creates a heuristic. A zero threshold defaults to 2KiB.
func NewRenderHeuristic(threshold int) *RenderHeuristic {
	if threshold <= 0 {
		threshold = 2048
	}
	return &RenderHeuristic{bodyLengthThreshold: threshold}
}

// ShouldPromote reports whether the response looks like an unrendered
// shell. Responses that already came from the headless browser are never
// promoted again.
func (h *RenderHeuristic) ShouldPromote(res harvest.FetchResult) bool {
	if res.UsedHeadless || res.StatusCode != 200 {
		return false
	}
	body := bytes.ToLower(res.Body)
	if len(body) == 0 {
		return true
	}
	if len(body) < h.bodyLengthThreshold && scriptShare(body) >= 25 {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptShare returns the percentage of the body occupied by script tags
// and their content. Malformed or unterminated tags count to the end of
// the document.
func scriptShare(lower []byte) int {
	total := len(lower)
	if total == 0 {
		return 0
	}

	var (
		openTag  = []byte("<script")
		closeTag = []byte("</script>")
	)
	covered := 0
	pos := 0
	for {
		rel := bytes.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel

		tagEnd := bytes.IndexByte(lower[start:], '>')
		if tagEnd == -1 {
			covered += total - start
			break
		}
		contentStart := start + tagEnd + 1

		relEnd := bytes.Index(lower[contentStart:], closeTag)
		var next int
		if relEnd == -1 {
			next = total
		} else {
			next = contentStart + relEnd + len(closeTag)
		}
		covered += next - start
		pos = next
	}
	return covered * 100 / total
}
