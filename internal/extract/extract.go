// Package extract pulls listing fields out of fetched page bodies. The
// extractor is deliberately generic: structured data first (JSON-LD), then
// microdata, so it survives template changes that would break CSS-path
// scraping.
package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/jpns3334444/scraper-sub000/internal/harvest"
)

// Generic extracts a RawListing from HTML using structured-data sources in
// priority order: JSON-LD price fields, then itemprop microdata. It
// implements harvest.Extractor.
type Generic struct{}

// NewGeneric creates a Generic extractor.
func NewGeneric() *Generic {
	return &Generic{}
}

// Extract parses the body and returns the listing. A page without a usable
// price yields an ExtractError.
func (g *Generic) Extract(body []byte, rawURL string) (harvest.RawListing, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return harvest.RawListing{}, &harvest.ExtractError{URL: rawURL, Err: fmt.Errorf("parse html: %w", err)}
	}

	listing := harvest.RawListing{URL: rawURL}

	if canonical, ok := doc.Find(`link[rel="canonical"]`).Attr("href"); ok && strings.TrimSpace(canonical) != "" {
		listing.URL = strings.TrimSpace(canonical)
	}
	listing.ID = harvest.ListingIDFromURL(listing.URL)

	if title, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok {
		listing.Title = strings.TrimSpace(title)
	}
	if listing.Title == "" {
		listing.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}

	price, err := findPrice(doc)
	if err != nil {
		return harvest.RawListing{}, &harvest.ExtractError{URL: rawURL, Err: err}
	}
	listing.Price = price

	return listing, nil
}

func findPrice(doc *goquery.Document) (int64, error) {
	if price, ok := priceFromJSONLD(doc); ok {
		return price, nil
	}
	if price, ok := priceFromMicrodata(doc); ok {
		return price, nil
	}
	return 0, errors.New("no usable price found")
}

// priceFromJSONLD scans every JSON-LD block for the first positive price
// value. Blocks that fail to decode are skipped; publishers routinely ship
// one broken block next to a valid one.
func priceFromJSONLD(doc *goquery.Document) (int64, bool) {
	var price int64
	var found bool
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var decoded any
		if err := json.Unmarshal([]byte(s.Text()), &decoded); err != nil {
			return true
		}
		if p, ok := searchPrice(decoded, 0); ok {
			price = p
			found = true
			return false
		}
		return true
	})
	return price, found
}

const maxJSONDepth = 8

// searchPrice walks decoded JSON-LD looking for price-like keys.
func searchPrice(node any, depth int) (int64, bool) {
	if depth > maxJSONDepth {
		return 0, false
	}
	switch v := node.(type) {
	case map[string]any:
		for _, key := range []string{"price", "lowPrice"} {
			if raw, ok := v[key]; ok {
				if p, ok := coercePrice(raw); ok {
					return p, true
				}
			}
		}
		for _, key := range []string{"offers", "@graph", "mainEntity"} {
			if child, ok := v[key]; ok {
				if p, ok := searchPrice(child, depth+1); ok {
					return p, true
				}
			}
		}
	case []any:
		for _, item := range v {
			if p, ok := searchPrice(item, depth+1); ok {
				return p, true
			}
		}
	}
	return 0, false
}

func coercePrice(raw any) (int64, bool) {
	switch v := raw.(type) {
	case float64:
		if v <= 0 || v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case string:
		p, err := ParsePrice(v)
		if err != nil {
			return 0, false
		}
		return p, true
	default:
		return 0, false
	}
}

func priceFromMicrodata(doc *goquery.Document) (int64, bool) {
	var price int64
	var found bool
	doc.Find(`[itemprop="price"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		raw, ok := s.Attr("content")
		if !ok || strings.TrimSpace(raw) == "" {
			raw = s.Text()
		}
		p, err := ParsePrice(raw)
		if err != nil {
			return true
		}
		price = p
		found = true
		return false
	})
	return price, found
}

// ParsePrice turns a price string into integer yen. Currency symbols,
// commas and whitespace are stripped; a 万 (10,000) suffix is expanded
// since Japanese portals quote prices in that unit.
func ParsePrice(raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, errors.New("empty price")
	}

	multiplier := int64(1)
	for _, suffix := range []string{"万円", "万"} {
		if strings.HasSuffix(s, suffix) {
			s = strings.TrimSuffix(s, suffix)
			multiplier = 10_000
			break
		}
	}
	s = strings.TrimSuffix(s, "円")

	// Yen has no subunit; drop any decimal tail from JSON-LD prices.
	if idx := strings.IndexRune(s, '.'); idx >= 0 {
		s = s[:idx]
	}

	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ',' || r == ' ' || r == ' ' || r == '¥' || r == '￥' || r == '$':
			// separators and currency marks
		default:
			return 0, fmt.Errorf("unexpected character %q in price %q", r, raw)
		}
	}

	digits := b.String()
	if digits == "" {
		return 0, fmt.Errorf("no digits in price %q", raw)
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", raw, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("non-positive price %q", raw)
	}
	return n * multiplier, nil
}
