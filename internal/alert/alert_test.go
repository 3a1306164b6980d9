package alert

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/web3-frozen/btc-risk-monitor/internal/risk"
)

type memBands struct {
	band     risk.Band
	has      bool
	readErr  error
	writeErr error
	writes   int
}

func (m *memBands) ReadBand() (risk.Band, bool, error) { return m.band, m.has, m.readErr }

func (m *memBands) WriteBand(b risk.Band) error {
	if m.writeErr != nil {
		return m.writeErr
	}
	m.band, m.has = b, true
	m.writes++
	return nil
}

type memDedup struct {
	seen map[string]bool
	err  error
}

func (m *memDedup) Claim(_ context.Context, key string) (bool, error) {
	if m.err != nil {
		return true, m.err
	}
	if m.seen[key] {
		return false, nil
	}
	m.seen[key] = true
	return true, nil
}

func (m *memDedup) Clear(_ context.Context, key string) { delete(m.seen, key) }

type memNotifier struct {
	name     string
	err      error
	subjects []string
	bodies   []string
}

func (m *memNotifier) Name() string { return m.name }

func (m *memNotifier) Notify(_ context.Context, subject, body string) error {
	if m.err != nil {
		return m.err
	}
	m.subjects = append(m.subjects, subject)
	m.bodies = append(m.bodies, body)
	return nil
}

type memRecorder struct{ flips []string }

func (m *memRecorder) RecordBandFlip(_ context.Context, asOf string, from, to risk.Band, _ float64) error {
	m.flips = append(m.flips, asOf+":"+string(from)+":"+string(to))
	return nil
}

func docWithBand(r float64) *risk.Document {
	now := time.Date(2024, 4, 2, 0, 30, 0, 0, time.UTC)
	doc := risk.FallbackDocument(risk.Meta{Window: 7, Now: now, Local: time.UTC}, nil)
	doc.Risk = r
	doc.Band = risk.BandFor(r)
	doc.Fallback = false
	return doc
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestCheckDefaultsToYellow(t *testing.T) {
	bands := &memBands{}
	n := &memNotifier{name: "email"}
	a := New(bands, nil, nil, []Notifier{n}, quiet())

	res, err := a.Check(context.Background(), docWithBand(0.40))
	require.NoError(t, err)
	assert.Equal(t, risk.BandYellow, res.Previous)
	assert.False(t, res.Flipped)
	assert.Empty(t, n.subjects)
	assert.Equal(t, risk.BandYellow, bands.band)
}

func TestCheckFlipNotifies(t *testing.T) {
	bands := &memBands{band: risk.BandYellow, has: true}
	email := &memNotifier{name: "email"}
	tg := &memNotifier{name: "telegram"}
	rec := &memRecorder{}
	a := New(bands, &memDedup{seen: map[string]bool{}}, rec, []Notifier{email, tg}, quiet())

	res, err := a.Check(context.Background(), docWithBand(0.62))
	require.NoError(t, err)
	assert.True(t, res.Flipped)
	assert.Equal(t, []string{"email", "telegram"}, res.Delivered)
	require.Len(t, email.subjects, 1)
	assert.Equal(t, "[BTC Risk] Band flip: YELLOW → RED", email.subjects[0])
	assert.Contains(t, email.bodies[0], "Risk band changed from yellow to red.")
	assert.Contains(t, email.bodies[0], "Risk: 0.62")
	assert.Equal(t, risk.BandRed, bands.band)
	assert.Equal(t, []string{"2024-04-02:yellow:red"}, rec.flips)
}

func TestCheckDeduplicatesRerun(t *testing.T) {
	dd := &memDedup{seen: map[string]bool{}}
	n := &memNotifier{name: "email"}

	// Two instances see the same transition from the same stale marker.
	for i := 0; i < 2; i++ {
		bands := &memBands{band: risk.BandGreen, has: true}
		a := New(bands, dd, nil, []Notifier{n}, quiet())
		res, err := a.Check(context.Background(), docWithBand(0.30))
		require.NoError(t, err)
		assert.True(t, res.Flipped)
		assert.Equal(t, i == 1, res.Deduplicated)
	}
	assert.Len(t, n.subjects, 1)
}

func TestCheckReleasesClaimWhenNothingDelivered(t *testing.T) {
	dd := &memDedup{seen: map[string]bool{}}
	down := &memNotifier{name: "email", err: errors.New("smtp: connection refused")}

	a := New(&memBands{band: risk.BandYellow, has: true}, dd, nil, []Notifier{down}, quiet())
	res, err := a.Check(context.Background(), docWithBand(0.62))
	require.NoError(t, err)
	assert.Equal(t, []string{"email"}, res.Failed)
	assert.False(t, dd.seen[FlipKey("2024-04-02", risk.BandYellow, risk.BandRed)])

	up := &memNotifier{name: "email"}
	a = New(&memBands{}, dd, nil, []Notifier{up}, quiet())
	res, err = a.CheckFrom(context.Background(), docWithBand(0.62), risk.BandYellow)
	require.NoError(t, err)
	assert.False(t, res.Deduplicated)
	assert.Equal(t, []string{"email"}, res.Delivered)
	assert.True(t, dd.seen[FlipKey("2024-04-02", risk.BandYellow, risk.BandRed)])
}

func TestCheckFromIgnoresMarker(t *testing.T) {
	bands := &memBands{band: risk.BandRed, has: true}
	n := &memNotifier{name: "email"}
	a := New(bands, nil, nil, []Notifier{n}, quiet())

	res, err := a.CheckFrom(context.Background(), docWithBand(0.62), risk.BandGreen)
	require.NoError(t, err)
	assert.True(t, res.Flipped)
	assert.Equal(t, risk.BandGreen, res.Previous)
	require.Len(t, n.subjects, 1)
	assert.Equal(t, "[BTC Risk] Band flip: GREEN → RED", n.subjects[0])
}

func TestFlipPatternMatchesDayKeys(t *testing.T) {
	key := FlipKey("2024-04-02", risk.BandYellow, risk.BandRed)
	ok, err := path.Match(FlipPattern("2024-04-02"), key)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = path.Match(FlipPattern("2024-04-03"), key)
	assert.False(t, ok)
}

func TestCheckDedupErrorStillSends(t *testing.T) {
	bands := &memBands{band: risk.BandGreen, has: true}
	n := &memNotifier{name: "email"}
	a := New(bands, &memDedup{err: errors.New("redis down")}, nil, []Notifier{n}, quiet())

	res, err := a.Check(context.Background(), docWithBand(0.70))
	require.NoError(t, err)
	assert.False(t, res.Deduplicated)
	assert.Len(t, n.subjects, 1)
}

func TestCheckFailedChannelStillWritesMarker(t *testing.T) {
	bands := &memBands{band: risk.BandGreen, has: true}
	bad := &memNotifier{name: "email", err: errors.New("smtp down")}
	rec := &memRecorder{}
	a := New(bands, nil, rec, []Notifier{bad}, quiet())

	res, err := a.Check(context.Background(), docWithBand(0.70))
	require.NoError(t, err)
	assert.Equal(t, []string{"email"}, res.Failed)
	assert.Empty(t, res.Delivered)
	assert.Equal(t, risk.BandRed, bands.band)
	assert.Empty(t, rec.flips)
}

func TestCheckUnreadableMarker(t *testing.T) {
	bands := &memBands{readErr: errors.New("permission denied")}
	a := New(bands, nil, nil, nil, quiet())
	res, err := a.Check(context.Background(), docWithBand(0.10))
	require.NoError(t, err)
	assert.Equal(t, DefaultBand, res.Previous)
	assert.True(t, res.Flipped)
}

func TestCheckWriteError(t *testing.T) {
	bands := &memBands{writeErr: errors.New("disk full")}
	a := New(bands, nil, nil, nil, quiet())
	_, err := a.Check(context.Background(), docWithBand(0.40))
	assert.Error(t, err)
}

func TestBodyListsUnhealthyDrivers(t *testing.T) {
	doc := docWithBand(0.65)
	body := Body(doc, risk.BandYellow)
	assert.Contains(t, body, "etf_flows")
	assert.Equal(t, len(risk.DriverKeys), strings.Count(body, "(down)"))
}
