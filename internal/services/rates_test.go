package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finvault/ledgercore/internal/domain"
	"github.com/finvault/ledgercore/internal/modules/journal"
)

// stubRateSource quotes only the pairs it was given and counts fetches.
type stubRateSource struct {
	rates map[string]float64 // "FROM:TO" -> rate
	calls int
}

func (s *stubRateSource) Rate(_ context.Context, from, to string) (float64, error) {
	s.calls++
	if rate, ok := s.rates[from+":"+to]; ok {
		return rate, nil
	}
	return 0, errors.New("pair not quoted")
}

func TestRateDirectAndSameCurrency(t *testing.T) {
	src := &stubRateSource{rates: map[string]float64{"USD:EUR": 0.9}}
	c := NewConverter(src, "EUR", time.Minute, zerolog.Nop())
	ctx := context.Background()
	day := time.Now()

	rate, err := c.Rate(ctx, "EUR", "EUR", day)
	require.NoError(t, err)
	assert.Equal(t, 1.0, rate)
	assert.Zero(t, src.calls)

	rate, err = c.Rate(ctx, "USD", "EUR", day)
	require.NoError(t, err)
	assert.Equal(t, 0.9, rate)
}

func TestRateInversion(t *testing.T) {
	src := &stubRateSource{rates: map[string]float64{"EUR:USD": 1.25}}
	c := NewConverter(src, "EUR", time.Minute, zerolog.Nop())

	rate, err := c.Rate(context.Background(), "USD", "EUR", time.Now())
	require.NoError(t, err)
	assert.InDelta(t, 0.8, rate, 1e-9)
}

func TestRateTriangulation(t *testing.T) {
	// No GBP:USD quote in either direction; both legs against EUR exist
	src := &stubRateSource{rates: map[string]float64{
		"GBP:EUR": 1.2,
		"EUR:USD": 1.1,
	}}
	c := NewConverter(src, "EUR", time.Minute, zerolog.Nop())

	rate, err := c.Rate(context.Background(), "GBP", "USD", time.Now())
	require.NoError(t, err)
	assert.InDelta(t, 1.32, rate, 1e-9)
}

func TestRateUnavailable(t *testing.T) {
	c := NewConverter(&stubRateSource{}, "EUR", time.Minute, zerolog.Nop())

	_, err := c.Rate(context.Background(), "USD", "JPY", time.Now())
	require.Error(t, err)
	assert.Equal(t, domain.CodeRateUnavailable, domain.ErrorCode(err))
}

func TestRateCacheByDayWithTTL(t *testing.T) {
	src := &stubRateSource{rates: map[string]float64{"USD:EUR": 0.9}}
	c := NewConverter(src, "EUR", 5*time.Minute, zerolog.Nop())
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()
	day := now

	_, err := c.Rate(ctx, "USD", "EUR", day)
	require.NoError(t, err)
	_, err = c.Rate(ctx, "USD", "EUR", day)
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)

	// A different UTC day is a different cache key
	_, err = c.Rate(ctx, "USD", "EUR", day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)

	// TTL expiry refetches the same key
	now = now.Add(6 * time.Minute)
	_, err = c.Rate(ctx, "USD", "EUR", day)
	require.NoError(t, err)
	assert.Equal(t, 3, src.calls)
}

func TestRateCacheEvictsOldestAtCapacity(t *testing.T) {
	src := &stubRateSource{rates: map[string]float64{
		"USD:EUR": 0.9,
		"GBP:EUR": 1.15,
		"CHF:EUR": 1.05,
	}}
	c := NewConverter(src, "EUR", 5*time.Minute, zerolog.Nop())
	c.maxEntries = 2
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()
	day := now

	_, err := c.Rate(ctx, "USD", "EUR", day)
	require.NoError(t, err)
	now = now.Add(time.Second)
	_, err = c.Rate(ctx, "GBP", "EUR", day)
	require.NoError(t, err)
	require.Equal(t, 2, src.calls)

	// Third pair evicts the oldest (USD) and the cache stays at capacity
	now = now.Add(time.Second)
	_, err = c.Rate(ctx, "CHF", "EUR", day)
	require.NoError(t, err)
	assert.Equal(t, 3, src.calls)
	assert.Len(t, c.cache, 2)

	now = now.Add(time.Second)
	_, err = c.Rate(ctx, "USD", "EUR", day)
	require.NoError(t, err)
	assert.Equal(t, 4, src.calls, "evicted pair must refetch")

	// CHF is still inside the window and serves from cache
	_, err = c.Rate(ctx, "CHF", "EUR", day)
	require.NoError(t, err)
	assert.Equal(t, 4, src.calls)
}

func TestConvertCentsRounds(t *testing.T) {
	src := &stubRateSource{rates: map[string]float64{"USD:EUR": 0.9091}}
	c := NewConverter(src, "EUR", time.Minute, zerolog.Nop())

	cents, err := c.ConvertCents(context.Background(), 333, "USD", "EUR", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(303), cents) // 302.73 rounds up

	cents, err = c.ConvertCents(context.Background(), 500, "EUR", "EUR", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(500), cents)
}

func line(code string, debit, credit int64) journal.Line {
	return journal.Line{
		AccountCode: code,
		Debit:       domain.NewMoney(debit),
		Credit:      domain.NewMoney(credit),
	}
}

func TestRedistributeAbsorbsResidue(t *testing.T) {
	c := NewConverter(&stubRateSource{}, "EUR", time.Minute, zerolog.Nop())

	// Debits one cent over: the largest credit line absorbs it
	lines, err := c.Redistribute([]journal.Line{
		line("1000", 5001, 0),
		line("4000", 0, 3000),
		line("4100", 0, 2000),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3001), lines[1].Credit.Cents())
	assert.Equal(t, int64(2000), lines[2].Credit.Cents())

	// Credits over: the largest debit line absorbs it
	lines, err = c.Redistribute([]journal.Line{
		line("1000", 4999, 0),
		line("4000", 0, 5001),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5001), lines[0].Debit.Cents())
}

func TestRedistributeBalancedIsNoop(t *testing.T) {
	c := NewConverter(&stubRateSource{}, "EUR", time.Minute, zerolog.Nop())
	in := []journal.Line{line("1000", 5000, 0), line("4000", 0, 5000)}

	out, err := c.Redistribute(in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestRedistributeRejectsLargeResidue(t *testing.T) {
	c := NewConverter(&stubRateSource{}, "EUR", time.Minute, zerolog.Nop())

	_, err := c.Redistribute([]journal.Line{
		line("1000", 5100, 0),
		line("4000", 0, 5000),
	})
	require.Error(t, err)
	assert.Equal(t, domain.CodeNotBalanced, domain.ErrorCode(err))
}

func TestFallbackRateSource(t *testing.T) {
	primary := &stubRateSource{}
	secondary := &stubRateSource{rates: map[string]float64{"USD:EUR": 0.9}}
	src := NewFallbackRateSource(zerolog.Nop(), primary, secondary)

	rate, err := src.Rate(context.Background(), "USD", "EUR")
	require.NoError(t, err)
	assert.Equal(t, 0.9, rate)
	assert.Equal(t, 1, primary.calls)

	_, err = src.Rate(context.Background(), "USD", "JPY")
	assert.Error(t, err)
}
