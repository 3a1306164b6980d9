package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/web3-frozen/btc-risk-monitor/internal/risk"
)

// Postgres mirrors snapshots into a database for querying. The file store
// remains the source of truth.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 4
	cfg.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() { s.pool.Close() }

func (s *Postgres) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// --- Snapshots ---

// SaveSnapshot upserts the document for its date.
func (s *Postgres) SaveSnapshot(ctx context.Context, doc *risk.Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	asOfUTC, err := time.Parse(time.RFC3339, doc.AsOfUTC)
	if err != nil {
		return fmt.Errorf("parse as_of_utc: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO risk_snapshots (as_of, as_of_utc, run_id, profile, risk, risk_instant, band, regime, btc_price_usd, fallback, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (as_of) DO UPDATE
			SET as_of_utc = $2, run_id = $3, profile = $4, risk = $5, risk_instant = $6,
			    band = $7, regime = $8, btc_price_usd = $9, fallback = $10, doc = $11, updated_at = now()`,
		doc.AsOf, asOfUTC, doc.RunID, doc.Profile, doc.Risk, doc.RiskInstant,
		string(doc.Band), string(doc.Regime), doc.BTCPriceUSD, doc.Fallback, body)
	return err
}

// LatestSnapshot returns the most recent stored document.
func (s *Postgres) LatestSnapshot(ctx context.Context) (*risk.Document, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM risk_snapshots ORDER BY as_of DESC LIMIT 1`).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var doc risk.Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &doc, nil
}

// ListHistory returns up to limit rows, oldest first.
func (s *Postgres) ListHistory(ctx context.Context, limit int) ([]HistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT as_of, as_of_utc, risk, band, btc_price_usd FROM (
			SELECT as_of, as_of_utc, risk, band, btc_price_usd
			FROM risk_snapshots ORDER BY as_of DESC LIMIT $1
		) t ORDER BY as_of`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var (
			e       HistoryEntry
			asOf    time.Time
			asOfUTC time.Time
			band    string
		)
		if err := rows.Scan(&asOf, &asOfUTC, &e.Risk, &band, &e.BTCPriceUSD); err != nil {
			return nil, err
		}
		e.Date = asOf.Format(dateLayout)
		e.AsOfUTC = asOfUTC.UTC().Format(time.RFC3339)
		e.Band = risk.Band(band)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Band flips ---

// RecordBandFlip logs a delivered band transition.
func (s *Postgres) RecordBandFlip(ctx context.Context, asOf string, from, to risk.Band, r float64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO band_flips (as_of, from_band, to_band, risk)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (as_of, from_band, to_band) DO NOTHING`,
		asOf, string(from), string(to), r)
	return err
}
