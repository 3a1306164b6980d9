package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/web3-frozen/btc-risk-monitor/internal/risk"
	"github.com/web3-frozen/btc-risk-monitor/internal/store"
)

// Snapshots is the read side of the snapshot store.
type Snapshots interface {
	LoadLatest() (*risk.Document, error)
	LoadDay(date string) (*risk.Document, error)
	ReadHistory() ([]store.HistoryEntry, error)
}

func Health() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}

// Ready reports ready once a snapshot younger than maxAge exists.
func Ready(s Snapshots, maxAge time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		doc, err := s.LoadLatest()
		if err != nil {
			writeRaw(w, http.StatusServiceUnavailable, `{"status":"not ready","reason":"no snapshot"}`)
			return
		}
		at, err := time.Parse(time.RFC3339, doc.AsOfUTC)
		if err != nil || time.Since(at) > maxAge {
			writeRaw(w, http.StatusServiceUnavailable, `{"status":"not ready","reason":"snapshot stale"}`)
			return
		}
		writeRaw(w, http.StatusOK, `{"status":"ready"}`)
	}
}

func Latest(s Snapshots) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		doc, err := s.LoadLatest()
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, doc)
	}
}

// Day serves history/{date}.
func Day(s Snapshots) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := s.LoadDay(chi.URLParam(r, "date"))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, doc)
	}
}

// History serves the aggregate index; ?days=N keeps the most recent N.
func History(s Snapshots) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days := 0
		if v := r.URL.Query().Get("days"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				writeRaw(w, http.StatusBadRequest, `{"error":"days must be a positive integer"}`)
				return
			}
			days = n
		}
		entries, err := s.ReadHistory()
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if days > 0 && len(entries) > days {
			entries = entries[len(entries)-days:]
		}
		writeJSON(w, entries)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeRaw(w, http.StatusNotFound, `{"error":"not found"}`)
		return
	}
	writeRaw(w, http.StatusInternalServerError, `{"error":"snapshot unavailable"}`)
}

// writeRaw writes a pre-encoded JSON body with status.
func writeRaw(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body + "\n"))
}
