package store

import "context"

const migrationSQL = `
CREATE TABLE IF NOT EXISTS risk_snapshots (
    as_of DATE PRIMARY KEY,
    as_of_utc TIMESTAMPTZ NOT NULL,
    run_id TEXT NOT NULL DEFAULT '',
    profile TEXT NOT NULL DEFAULT '',
    risk DOUBLE PRECISION NOT NULL,
    risk_instant DOUBLE PRECISION,
    band TEXT NOT NULL,
    regime TEXT NOT NULL,
    btc_price_usd DOUBLE PRECISION,
    fallback BOOLEAN NOT NULL DEFAULT false,
    doc JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS band_flips (
    id BIGSERIAL PRIMARY KEY,
    as_of DATE NOT NULL,
    from_band TEXT NOT NULL,
    to_band TEXT NOT NULL,
    risk DOUBLE PRECISION NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE(as_of, from_band, to_band)
);

CREATE INDEX IF NOT EXISTS idx_band_flips_created_at ON band_flips (created_at DESC);
`

func (s *Postgres) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, migrationSQL)
	return err
}
