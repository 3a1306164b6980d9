package store

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/web3-frozen/btc-risk-monitor/internal/risk"
)

var (
	ErrNotFound = errors.New("snapshot not found")
	ErrCorrupt  = errors.New("snapshot corrupt")
)

const (
	latestFile      = "latest.json"
	historyDir      = "history"
	historyJSONFile = "risk_history.json"
	historyCSVFile  = "risk_history.csv"
	bandFile        = "prev_band.txt"
	dateLayout      = "2006-01-02"
)

// Files is the on-disk snapshot store: latest.json, history/<date>.json,
// the aggregate history index and the previous-band marker.
type Files struct {
	dir string
}

func NewFiles(dir string) (*Files, error) {
	if err := os.MkdirAll(filepath.Join(dir, historyDir), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Files{dir: dir}, nil
}

func (f *Files) Dir() string { return f.dir }

// LoadLatest reads latest.json.
func (f *Files) LoadLatest() (*risk.Document, error) {
	return f.load(filepath.Join(f.dir, latestFile))
}

// LoadDay reads the dated snapshot for date (YYYY-MM-DD).
func (f *Files) LoadDay(date string) (*risk.Document, error) {
	if _, err := time.Parse(dateLayout, date); err != nil {
		return nil, fmt.Errorf("%w: bad date %q", ErrNotFound, date)
	}
	return f.load(filepath.Join(f.dir, historyDir, date+".json"))
}

func (f *Files) load(path string) (*risk.Document, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	var doc risk.Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, filepath.Base(path), err)
	}
	// A document without a risk value would otherwise decode as risk 0.
	var present struct {
		Risk *float64 `json:"risk"`
	}
	if err := json.Unmarshal(b, &present); err != nil || present.Risk == nil {
		return nil, fmt.Errorf("%w: %s: missing risk", ErrCorrupt, filepath.Base(path))
	}
	return &doc, nil
}

// Save writes the dated snapshot, then latest.json. A same-day rerun
// replaces that day's file.
func (f *Files) Save(doc *risk.Document) error {
	if _, err := time.Parse(dateLayout, doc.AsOf); err != nil {
		return fmt.Errorf("save snapshot: bad as_of %q", doc.AsOf)
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	b = append(b, '\n')
	if err := writeAtomic(filepath.Join(f.dir, historyDir, doc.AsOf+".json"), b); err != nil {
		return err
	}
	return writeAtomic(filepath.Join(f.dir, latestFile), b)
}

// HistoryEntry is one row of the aggregate history index.
type HistoryEntry struct {
	Date        string    `json:"date"`
	AsOfUTC     string    `json:"as_of_utc"`
	Risk        float64   `json:"risk"`
	Band        risk.Band `json:"band"`
	BTCPriceUSD *float64  `json:"btc_price_usd"`
}

type historyFields struct {
	AsOfUTC     string    `json:"as_of_utc"`
	Risk        *float64  `json:"risk"`
	Band        risk.Band `json:"band"`
	BTCPriceUSD *float64  `json:"btc_price_usd"`
}

// RebuildHistory scans history/ and rewrites the aggregate index, keeping at
// most maxDays of the most recent dates. Unreadable snapshots and snapshots
// without a finite risk in [0,1] are skipped; the number skipped is returned.
func (f *Files) RebuildHistory(maxDays int) ([]HistoryEntry, int, error) {
	paths, err := filepath.Glob(filepath.Join(f.dir, historyDir, "*.json"))
	if err != nil {
		return nil, 0, fmt.Errorf("list history: %w", err)
	}

	entries := make([]HistoryEntry, 0, len(paths))
	skipped := 0
	for _, p := range paths {
		e, ok := readEntry(p)
		if !ok {
			skipped++
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Date < entries[j].Date })
	if maxDays > 0 && len(entries) > maxDays {
		entries = entries[len(entries)-maxDays:]
	}

	js, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, skipped, fmt.Errorf("encode history: %w", err)
	}
	if err := writeAtomic(filepath.Join(f.dir, historyJSONFile), append(js, '\n')); err != nil {
		return nil, skipped, err
	}
	csvBytes, err := encodeHistoryCSV(entries)
	if err != nil {
		return nil, skipped, err
	}
	if err := writeAtomic(filepath.Join(f.dir, historyCSVFile), csvBytes); err != nil {
		return nil, skipped, err
	}
	return entries, skipped, nil
}

func readEntry(path string) (HistoryEntry, bool) {
	date := strings.TrimSuffix(filepath.Base(path), ".json")
	if _, err := time.Parse(dateLayout, date); err != nil {
		return HistoryEntry{}, false
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return HistoryEntry{}, false
	}
	var h historyFields
	if err := json.Unmarshal(b, &h); err != nil {
		return HistoryEntry{}, false
	}
	if h.Risk == nil || !risk.ValidPrevious(*h.Risk) {
		return HistoryEntry{}, false
	}
	band := h.Band
	if band != risk.BandGreen && band != risk.BandYellow && band != risk.BandRed {
		band = risk.BandFor(*h.Risk)
	}
	price := h.BTCPriceUSD
	if price != nil && (math.IsNaN(*price) || math.IsInf(*price, 0)) {
		price = nil
	}
	return HistoryEntry{Date: date, AsOfUTC: h.AsOfUTC, Risk: *h.Risk, Band: band, BTCPriceUSD: price}, true
}

func encodeHistoryCSV(entries []HistoryEntry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"date", "as_of_utc", "risk", "band", "btc_price_usd"})
	for _, e := range entries {
		price := ""
		if e.BTCPriceUSD != nil {
			price = strconv.FormatFloat(*e.BTCPriceUSD, 'f', 2, 64)
		}
		_ = w.Write([]string{e.Date, e.AsOfUTC, strconv.FormatFloat(e.Risk, 'f', -1, 64), string(e.Band), price})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("encode history csv: %w", err)
	}
	return buf.Bytes(), nil
}

// ReadHistory returns the last rebuilt index.
func (f *Files) ReadHistory() ([]HistoryEntry, error) {
	b, err := os.ReadFile(filepath.Join(f.dir, historyJSONFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	var entries []HistoryEntry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, historyJSONFile, err)
	}
	return entries, nil
}

// ReadBand returns the band recorded by the last alert check. ok is false
// when no marker exists or it does not name a band.
func (f *Files) ReadBand() (band risk.Band, ok bool, err error) {
	b, err := os.ReadFile(filepath.Join(f.dir, bandFile))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read band marker: %w", err)
	}
	switch v := risk.Band(strings.ToLower(strings.TrimSpace(string(b)))); v {
	case risk.BandGreen, risk.BandYellow, risk.BandRed:
		return v, true, nil
	}
	return "", false, nil
}

func (f *Files) WriteBand(b risk.Band) error {
	return writeAtomic(filepath.Join(f.dir, bandFile), []byte(string(b)+"\n"))
}

// writeAtomic replaces path with data via a temp file in the same directory.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
