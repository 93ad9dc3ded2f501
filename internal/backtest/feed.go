package backtest

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/stoploss-bot/internal/types"
)

// LoadCSV reads recorded depth snapshots from a file.
// CSV format: timestamp,instrument,bid_price_1,bid_lots_1[,bid_price_2,bid_lots_2...]
// Timestamp format: 2006-01-02 15:04:05 or Unix timestamp
func LoadCSV(path string) ([]types.DepthSnapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	snaps, err := ParseCSV(file)
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	return snaps, nil
}

// ParseCSV parses depth snapshots from a CSV reader. A header row is
// skipped. Rows are kept in file order; a malformed row fails the parse
// with its line number.
func ParseCSV(r io.Reader) ([]types.DepthSnapshot, error) {
	reader := csv.NewReader(bufio.NewReader(r))
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	reader.Comment = '#'

	var snaps []types.DepthSnapshot
	lineNum := 0

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		lineNum++

		// Skip header row
		if lineNum == 1 && isHeader(record) {
			continue
		}

		snap, err := parseRecord(record)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		snaps = append(snaps, snap)
	}

	return snaps, nil
}

// parseRecord parses a single CSV record into a DepthSnapshot.
func parseRecord(record []string) (types.DepthSnapshot, error) {
	var snap types.DepthSnapshot

	if len(record) < 4 || (len(record)-2)%2 != 0 {
		return snap, fmt.Errorf("want timestamp, instrument and price/lots pairs, got %d fields", len(record))
	}

	ts, err := parseTimestamp(record[0])
	if err != nil {
		return snap, fmt.Errorf("parse timestamp: %w", err)
	}
	snap.Timestamp = ts

	snap.Instrument = strings.TrimSpace(record[1])
	if snap.Instrument == "" {
		return snap, fmt.Errorf("empty instrument")
	}

	for i := 2; i+1 < len(record); i += 2 {
		// Trailing empty pairs pad rows with fewer levels.
		if record[i] == "" && record[i+1] == "" {
			continue
		}
		price, err := decimal.NewFromString(record[i])
		if err != nil {
			return snap, fmt.Errorf("parse price %d: %w", i/2, err)
		}
		lots, err := strconv.ParseInt(record[i+1], 10, 64)
		if err != nil {
			return snap, fmt.Errorf("parse lots %d: %w", i/2, err)
		}
		if lots < 0 {
			return snap, fmt.Errorf("negative lots %d at level %d", lots, i/2)
		}
		snap.BidPrices = append(snap.BidPrices, price)
		snap.BidSizes = append(snap.BidSizes, lots)
	}

	return snap, nil
}

// parseTimestamp tries multiple timestamp formats.
func parseTimestamp(s string) (time.Time, error) {
	// Try Unix timestamp first
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}

	formats := []string{
		"2006-01-02 15:04:05.000",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05Z07:00",
		"2006-01-02T15:04:05",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unknown timestamp format: %s", s)
}

// isHeader checks if a record looks like a header row.
func isHeader(record []string) bool {
	if len(record) == 0 {
		return false
	}
	switch strings.ToLower(record[0]) {
	case "timestamp", "time", "datetime", "ts":
		return true
	}
	return false
}
