package session

import (
	"crypto/rand"
	"math/big"
	"net/http"
)

// Fingerprint is a coherent browser identity: user agent plus the header
// set a real browser of that family would send. A session keeps one
// fingerprint for its whole lifetime so cookies and surface identity stay
// consistent.
type Fingerprint struct {
	Name            string
	UserAgent       string
	Accept          string
	AcceptLanguage  string
	SecChUA         string
	SecChUAMobile   string
	SecChUAPlatform string
}

// Headers returns the request headers implied by the fingerprint. The user
// agent itself is applied at the collector level, not here.
func (f Fingerprint) Headers() http.Header {
	h := make(http.Header)
	if f.Accept != "" {
		h.Set("Accept", f.Accept)
	}
	if f.AcceptLanguage != "" {
		h.Set("Accept-Language", f.AcceptLanguage)
	}
	if f.SecChUA != "" {
		h.Set("Sec-Ch-Ua", f.SecChUA)
		h.Set("Sec-Ch-Ua-Mobile", f.SecChUAMobile)
		h.Set("Sec-Ch-Ua-Platform", f.SecChUAPlatform)
	}
	h.Set("Upgrade-Insecure-Requests", "1")
	return h
}

const defaultAccept = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"

// profiles are the fingerprints sessions rotate through. Kept to current
// desktop browsers; the target serves the same markup to all of them.
var profiles = []Fingerprint{
	{
		Name:            "chrome-win",
		UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		Accept:          defaultAccept,
		AcceptLanguage:  "ja,en-US;q=0.8,en;q=0.6",
		SecChUA:         `"Not/A)Brand";v="8", "Chromium";v="126", "Google Chrome";v="126"`,
		SecChUAMobile:   "?0",
		SecChUAPlatform: `"Windows"`,
	},
	{
		Name:            "chrome-mac",
		UserAgent:       "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		Accept:          defaultAccept,
		AcceptLanguage:  "ja,en-US;q=0.9",
		SecChUA:         `"Not/A)Brand";v="8", "Chromium";v="126", "Google Chrome";v="126"`,
		SecChUAMobile:   "?0",
		SecChUAPlatform: `"macOS"`,
	},
	{
		Name:            "edge-win",
		UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36 Edg/126.0.0.0",
		Accept:          defaultAccept,
		AcceptLanguage:  "ja;q=0.9,en;q=0.7",
		SecChUA:         `"Not/A)Brand";v="8", "Chromium";v="126", "Microsoft Edge";v="126"`,
		SecChUAMobile:   "?0",
		SecChUAPlatform: `"Windows"`,
	},
	{
		Name:           "firefox-win",
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:128.0) Gecko/20100101 Firefox/128.0",
		Accept:         "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		AcceptLanguage: "ja,en-US;q=0.7,en;q=0.3",
	},
}

// RandomFingerprint picks one of the built-in profiles.
func RandomFingerprint() Fingerprint {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(profiles))))
	if err != nil {
		return profiles[0]
	}
	return profiles[n.Int64()]
}
