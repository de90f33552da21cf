package fetch

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jpns3334444/scraper-sub000/internal/harvest"
)

func TestShouldPromote(t *testing.T) {
	t.Parallel()

	staticPage := `<html><body>` + strings.Repeat("<p>広い間取りと南向きのバルコニー。</p>", 100) + `</body></html>`
	scriptShell := `<html><head><script src="/app.js"></script><script>` +
		strings.Repeat("var x=1;", 50) + `</script></head><body><div>loading</div></body></html>`

	tests := []struct {
		name string
		res  harvest.FetchResult
		want bool
	}{
		{
			name: "already rendered headless",
			res:  harvest.FetchResult{StatusCode: 200, UsedHeadless: true},
			want: false,
		},
		{
			name: "non-200 never promoted",
			res:  harvest.FetchResult{StatusCode: 404},
			want: false,
		},
		{
			name: "empty body",
			res:  harvest.FetchResult{StatusCode: 200},
			want: true,
		},
		{
			name: "short script-heavy shell",
			res:  harvest.FetchResult{StatusCode: 200, Body: []byte(scriptShell)},
			want: true,
		},
		{
			name: "react root marker",
			res:  harvest.FetchResult{StatusCode: 200, Body: []byte(staticPage + `<div id="root"></div>`)},
			want: true,
		},
		{
			name: "nuxt marker uppercase",
			res:  harvest.FetchResult{StatusCode: 200, Body: []byte(staticPage + `<script>window.__NUXT__={}</script>`)},
			want: true,
		},
		{
			name: "static server-rendered page",
			res:  harvest.FetchResult{StatusCode: 200, Body: []byte(staticPage)},
			want: false,
		},
	}

	h := NewRenderHeuristic(0)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, h.ShouldPromote(tc.res))
		})
	}
}

func TestScriptShare(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0, scriptShare([]byte("")))
	require.Equal(t, 0, scriptShare([]byte("<html><body>plain</body></html>")))
	require.Equal(t, 100, scriptShare([]byte("<script>var a=1;</script>")))

	// Unterminated script counts to end of document.
	require.Equal(t, 100, scriptShare([]byte("<script>var a=1;")))

	half := []byte("<script>12345678901</script>" + strings.Repeat("x", 28))
	require.Equal(t, 50, scriptShare(half))
}

func TestNewRenderHeuristicDefaultThreshold(t *testing.T) {
	t.Parallel()

	h := NewRenderHeuristic(-1)
	require.Equal(t, 2048, h.bodyLengthThreshold)
}
