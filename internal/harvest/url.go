package harvest

import (
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net/url"
	"strings"
)

// NormalizeURL canonicalizes a raw URL for use as backlog input: scheme and
// host are lowercased and the fragment is dropped. Only http and https are
// accepted.
func NormalizeURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errors.New("empty url")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("url missing host")
	}
	u.Scheme = scheme
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	return u.String(), nil
}

// HostOf returns the lowercased hostname of rawURL, or "" if it cannot be
// parsed. Used to key per-host politeness limits.
func HostOf(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// ListingIDFromURL derives a stable listing identifier from a URL: the last
// non-empty path segment with any .html/.htm suffix stripped. URLs without a
// usable path fall back to a short content hash of the whole URL, so the
// mapping stays deterministic.
func ListingIDFromURL(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return hashedID(rawURL)
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := len(segments) - 1; i >= 0; i-- {
		seg := strings.TrimSuffix(segments[i], ".html")
		seg = strings.TrimSuffix(seg, ".htm")
		if seg != "" {
			return seg
		}
	}
	return hashedID(rawURL)
}

func hashedID(s string) string {
	h := fnv.New64a()
	_, _ = io.WriteString(h, s)
	return fmt.Sprintf("u%016x", h.Sum64())
}
