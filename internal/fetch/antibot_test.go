package fetch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jpns3334444/scraper-sub000/internal/harvest"
)

func TestAntiBotDetectorMatchesDefaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "cloudflare challenge",
			body: `<html><script>window._cf_chl_opt={cvId: "3"}</script></html>`,
			want: "_cf_chl_opt",
		},
		{
			name: "perimeterx captcha uppercase",
			body: `<div id="PX-CAPTCHA"></div>`,
			want: "px-captcha",
		},
		{
			name: "human verification text",
			body: `<p>Please verify you are a human before continuing.</p>`,
			want: "please verify you are a human",
		},
		{
			name: "japanese rate limit page",
			body: `<html><body>一時的にアクセスが制限されています。しばらくお待ちください。</body></html>`,
			want: "一時的にアクセスが制限されています",
		},
	}

	d := NewAntiBotDetector(nil)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sig, ok := d.Match(harvest.FetchResult{Body: []byte(tc.body)})
			require.True(t, ok)
			require.Equal(t, tc.want, sig)
		})
	}
}

func TestAntiBotDetectorIgnoresNormalPages(t *testing.T) {
	t.Parallel()

	d := NewAntiBotDetector(nil)
	body := `<html><head><title>中古マンション 3LDK</title></head>
<body><span class="price">5,480万円</span></body></html>`
	_, ok := d.Match(harvest.FetchResult{Body: []byte(body)})
	require.False(t, ok)
}

func TestAntiBotDetectorEmptyBody(t *testing.T) {
	t.Parallel()

	d := NewAntiBotDetector(nil)
	_, ok := d.Match(harvest.FetchResult{})
	require.False(t, ok)
}

func TestAntiBotDetectorCustomSignatures(t *testing.T) {
	t.Parallel()

	d := NewAntiBotDetector([]string{"Custom-Block", "  ", ""})

	sig, ok := d.Match(harvest.FetchResult{Body: []byte("<html>custom-block page</html>")})
	require.True(t, ok)
	require.Equal(t, "Custom-Block", sig)

	// Default signatures are replaced, not extended.
	_, ok = d.Match(harvest.FetchResult{Body: []byte("px-captcha")})
	require.False(t, ok)
}
