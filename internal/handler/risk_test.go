package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/web3-frozen/btc-risk-monitor/internal/risk"
	"github.com/web3-frozen/btc-risk-monitor/internal/store"
)

func newRouter(s Snapshots) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", Health())
	r.Get("/readyz", Ready(s, 36*time.Hour))
	r.Route("/api", func(r chi.Router) {
		r.Get("/latest", Latest(s))
		r.Get("/history", History(s))
		r.Get("/history/{date}", Day(s))
	})
	return r
}

func saveDoc(t *testing.T, f *store.Files, at time.Time, r float64) {
	t.Helper()
	doc := risk.FallbackDocument(risk.Meta{Window: 7, Now: at, Local: time.UTC}, nil)
	doc.Risk = r
	doc.Band = risk.BandFor(r)
	if err := f.Save(doc); err != nil {
		t.Fatalf("Save: %v", err)
	}
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestEmptyStore(t *testing.T) {
	f, err := store.NewFiles(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	h := newRouter(f)

	if rec := get(h, "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}
	if rec := get(h, "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz = %d, want 503", rec.Code)
	}
	if rec := get(h, "/api/latest"); rec.Code != http.StatusNotFound {
		t.Errorf("latest = %d, want 404", rec.Code)
	}
	if rec := get(h, "/api/history"); rec.Code != http.StatusNotFound {
		t.Errorf("history = %d, want 404", rec.Code)
	}
}

func TestSnapshotRoutes(t *testing.T) {
	f, err := store.NewFiles(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	saveDoc(t, f, now.AddDate(0, 0, -2), 0.20)
	saveDoc(t, f, now.AddDate(0, 0, -1), 0.45)
	saveDoc(t, f, now, 0.70)
	if _, _, err := f.RebuildHistory(730); err != nil {
		t.Fatal(err)
	}
	h := newRouter(f)

	if rec := get(h, "/readyz"); rec.Code != http.StatusOK {
		t.Errorf("readyz = %d, want 200", rec.Code)
	}

	rec := get(h, "/api/latest")
	if rec.Code != http.StatusOK {
		t.Fatalf("latest = %d", rec.Code)
	}
	var doc risk.Document
	if err := json.NewDecoder(rec.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.Band != risk.BandRed {
		t.Errorf("latest band = %q, want red", doc.Band)
	}

	rec = get(h, "/api/history?days=2")
	var entries []store.HistoryEntry
	if err := json.NewDecoder(rec.Body).Decode(&entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 2 || entries[1].Risk != 0.70 {
		t.Errorf("history = %+v", entries)
	}

	day := now.AddDate(0, 0, -1).Format("2006-01-02")
	rec = get(h, "/api/history/"+day)
	if rec.Code != http.StatusOK {
		t.Fatalf("day = %d", rec.Code)
	}
	if err := json.NewDecoder(rec.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.AsOf != day {
		t.Errorf("day as_of = %q, want %q", doc.AsOf, day)
	}

	if rec := get(h, "/api/history/1999-01-01"); rec.Code != http.StatusNotFound {
		t.Errorf("missing day = %d, want 404", rec.Code)
	}
	if rec := get(h, "/api/history/not-a-date"); rec.Code != http.StatusNotFound {
		t.Errorf("bad date = %d, want 404", rec.Code)
	}
	if rec := get(h, "/api/history?days=-3"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad days = %d, want 400", rec.Code)
	}
}

func TestReadyStaleAndCorrupt(t *testing.T) {
	dir := t.TempDir()
	f, err := store.NewFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	saveDoc(t, f, time.Now().Add(-48*time.Hour), 0.3)
	h := newRouter(f)
	rec := get(h, "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("stale readyz = %d, want 503", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("stale readyz Content-Type = %q, want application/json", ct)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["reason"] != "snapshot stale" {
		t.Errorf("stale readyz body = %q (%v)", rec.Body.String(), err)
	}

	if err := os.WriteFile(filepath.Join(dir, "latest.json"), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	rec = get(h, "/api/latest")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("corrupt latest = %d, want 500", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("corrupt latest Content-Type = %q, want application/json", ct)
	}
}
