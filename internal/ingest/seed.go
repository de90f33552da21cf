package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/jpns3334444/scraper-sub000/internal/harvest"
)

const seedChunkSize = 500

// SeedResult summarizes one seed load.
type SeedResult struct {
	// Rows counts well-formed data rows read from the file.
	Rows int
	// Added counts rows actually inserted; duplicates already in the backlog
	// are not counted.
	Added int
	// Skipped counts rows dropped for a missing or malformed url or price.
	Skipped int
}

// SeedFile loads backlog items from a CSV seed file. The header must contain
// a url column; id, partition, and last_known_price columns are optional and
// matched case-insensitively. Malformed rows are skipped with a warning.
func SeedFile(ctx context.Context, claims harvest.ClaimStore, path string, logger *zap.Logger) (SeedResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return SeedResult{}, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()

	result, err := SeedReader(ctx, claims, f, logger)
	if err != nil {
		return result, fmt.Errorf("seed %s: %w", path, err)
	}
	return result, nil
}

// SeedReader reads CSV seed rows from r and adds them to the backlog in
// chunks, so arbitrarily large seed files stay bounded in memory.
func SeedReader(ctx context.Context, claims harvest.ClaimStore, r io.Reader, logger *zap.Logger) (SeedResult, error) {
	if claims == nil {
		return SeedResult{}, errors.New("claim store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return SeedResult{}, errors.New("seed file is empty")
	}
	if err != nil {
		return SeedResult{}, fmt.Errorf("read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	urlIdx, ok := cols["url"]
	if !ok {
		return SeedResult{}, errors.New("seed header missing url column")
	}

	var (
		result  SeedResult
		pending []harvest.WorkItem
		line    = 1
	)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		added, err := claims.Add(ctx, pending)
		if err != nil {
			return fmt.Errorf("add seed chunk: %w", err)
		}
		result.Added += added
		pending = pending[:0]
		return nil
	}

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return result, fmt.Errorf("read row: %w", err)
		}
		line++

		item, err := seedItem(record, cols, urlIdx)
		if err != nil {
			result.Skipped++
			logger.Warn("skipping seed row", zap.Int("line", line), zap.Error(err))
			continue
		}
		result.Rows++
		pending = append(pending, item)
		if len(pending) >= seedChunkSize {
			if err := flush(); err != nil {
				return result, err
			}
		}
	}
	if err := flush(); err != nil {
		return result, err
	}
	return result, nil
}

func seedItem(record []string, cols map[string]int, urlIdx int) (harvest.WorkItem, error) {
	rawURL := field(record, urlIdx)
	if rawURL == "" {
		return harvest.WorkItem{}, errors.New("missing url")
	}
	item := harvest.WorkItem{URL: rawURL}
	if idx, ok := cols["id"]; ok {
		item.ID = field(record, idx)
	}
	if idx, ok := cols["partition"]; ok {
		item.Partition = field(record, idx)
	}
	if idx, ok := cols["last_known_price"]; ok {
		if raw := field(record, idx); raw != "" {
			price, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return harvest.WorkItem{}, fmt.Errorf("parse last_known_price: %w", err)
			}
			item.LastKnownPrice = price
		}
	}
	normalized, err := normalizeItems([]harvest.WorkItem{item})
	if err != nil {
		return harvest.WorkItem{}, err
	}
	return normalized[0], nil
}

func field(record []string, idx int) string {
	if idx < 0 || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}
