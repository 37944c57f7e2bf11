package services

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/finvault/ledgercore/internal/domain"
	"github.com/finvault/ledgercore/internal/modules/journal"
)

// RateSource fetches one from→to exchange rate.
type RateSource interface {
	Rate(ctx context.Context, from, to string) (float64, error)
}

// defaultRateTTL bounds how long a fetched rate is reused.
const defaultRateTTL = 5 * time.Minute

// maxRateCacheEntries caps the cache; the least recently fetched entry is
// evicted when a new pair lands at capacity.
const maxRateCacheEntries = 512

type rateKey struct {
	From string
	To   string
	Day  string // YYYY-MM-DD, UTC
}

type cachedRate struct {
	rate      float64
	fetchedAt time.Time
}

// Converter turns foreign-currency amounts into base-currency cents. Rates are
// cached in memory by (from, to, UTC day) with a TTL; when a pair is not
// quoted directly it falls back to the inverse pair and then to triangulation
// via the base currency.
type Converter struct {
	source RateSource
	base   string
	ttl    time.Duration
	log    zerolog.Logger

	mu         sync.Mutex
	cache      map[rateKey]cachedRate
	maxEntries int
	now        func() time.Time
}

// NewConverter creates a converter with the given base currency. ttl <= 0
// uses the default.
func NewConverter(source RateSource, baseCurrency string, ttl time.Duration, log zerolog.Logger) *Converter {
	if ttl <= 0 {
		ttl = defaultRateTTL
	}
	return &Converter{
		source:     source,
		base:       baseCurrency,
		ttl:        ttl,
		log:        log.With().Str("service", "currency_converter").Logger(),
		cache:      make(map[rateKey]cachedRate),
		maxEntries: maxRateCacheEntries,
		now:        time.Now,
	}
}

// BaseCurrency returns the configured base currency.
func (c *Converter) BaseCurrency() string { return c.base }

// Rate returns the from→to rate for the given day.
func (c *Converter) Rate(ctx context.Context, from, to string, day time.Time) (float64, error) {
	if from == to {
		return 1.0, nil
	}

	key := rateKey{From: from, To: to, Day: day.UTC().Format("2006-01-02")}
	c.mu.Lock()
	if hit, ok := c.cache[key]; ok && c.now().Sub(hit.fetchedAt) < c.ttl {
		c.mu.Unlock()
		return hit.rate, nil
	}
	c.mu.Unlock()

	rate, err := c.resolve(ctx, from, to)
	if err != nil {
		return 0, domain.NewError(domain.CodeRateUnavailable, "no rate for %s/%s: %v", from, to, err)
	}

	c.mu.Lock()
	if _, ok := c.cache[key]; !ok && len(c.cache) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.cache[key] = cachedRate{rate: rate, fetchedAt: c.now()}
	c.mu.Unlock()
	return rate, nil
}

// evictOldestLocked drops the least recently fetched entry. Linear scan; the
// cache holds a few hundred currency pairs at most.
func (c *Converter) evictOldestLocked() {
	var oldest rateKey
	var oldestAt time.Time
	first := true
	for key, hit := range c.cache {
		if first || hit.fetchedAt.Before(oldestAt) {
			oldest, oldestAt, first = key, hit.fetchedAt, false
		}
	}
	if !first {
		delete(c.cache, oldest)
	}
}

// resolve tries the direct pair, then the inverse, then triangulation through
// the base currency.
func (c *Converter) resolve(ctx context.Context, from, to string) (float64, error) {
	rate, directErr := c.source.Rate(ctx, from, to)
	if directErr == nil && rate > 0 {
		return rate, nil
	}

	inverse, err := c.source.Rate(ctx, to, from)
	if err == nil && inverse > 0 {
		c.log.Debug().Str("from", from).Str("to", to).Msg("Using inverted rate")
		return 1 / inverse, nil
	}

	if from != c.base && to != c.base {
		toBase, err1 := c.resolve(ctx, from, c.base)
		fromBase, err2 := c.resolve(ctx, c.base, to)
		if err1 == nil && err2 == nil {
			c.log.Debug().
				Str("from", from).
				Str("to", to).
				Str("via", c.base).
				Msg("Triangulated rate")
			return toBase * fromBase, nil
		}
	}
	return 0, directErr
}

// ConvertCents converts minor units at the day's rate, rounding half away
// from zero.
func (c *Converter) ConvertCents(ctx context.Context, cents int64, from, to string, day time.Time) (int64, error) {
	if from == to {
		return cents, nil
	}
	rate, err := c.Rate(ctx, from, to, day)
	if err != nil {
		return 0, err
	}
	return int64(math.Round(float64(cents) * rate)), nil
}

// maxResidueCentsPerLine bounds the imbalance Redistribute will absorb: one
// cent of rounding per line. Anything larger is a real imbalance.
const maxResidueCentsPerLine = 1

// Redistribute absorbs a post-conversion rounding residue by adjusting the
// largest line on the deficient side. Lines must have balanced before
// conversion; a residue beyond one cent per line is rejected.
func (c *Converter) Redistribute(lines []journal.Line) ([]journal.Line, error) {
	var debits, credits int64
	for _, l := range lines {
		debits += l.Debit.Cents()
		credits += l.Credit.Cents()
	}
	residue := debits - credits
	if residue == 0 {
		return lines, nil
	}
	if abs(residue) > int64(len(lines))*maxResidueCentsPerLine {
		return nil, domain.NewError(domain.CodeNotBalanced,
			"conversion residue of %d cents exceeds rounding tolerance", residue)
	}

	out := make([]journal.Line, len(lines))
	copy(out, lines)

	// residue > 0: debits exceed credits, top up the largest credit line
	idx := -1
	var largest int64
	for i, l := range out {
		side := l.Credit
		if residue < 0 {
			side = l.Debit
		}
		if side.Cents() > largest {
			largest = side.Cents()
			idx = i
		}
	}
	if idx < 0 {
		return nil, domain.NewError(domain.CodeNotBalanced, "no line available to absorb residue")
	}

	if residue > 0 {
		out[idx].Credit = out[idx].Credit.Add(domain.NewMoney(residue))
	} else {
		out[idx].Debit = out[idx].Debit.Add(domain.NewMoney(-residue))
	}
	c.log.Debug().
		Int64("residue_cents", residue).
		Str("account_code", out[idx].AccountCode).
		Msg("Redistributed conversion residue")
	return out, nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// fallbackRateSource chains sources, trying each in order.
type fallbackRateSource struct {
	sources []RateSource
	log     zerolog.Logger
}

// NewFallbackRateSource chains rate sources; each fetch tries them in order
// and returns the first positive rate.
func NewFallbackRateSource(log zerolog.Logger, sources ...RateSource) RateSource {
	return &fallbackRateSource{
		sources: sources,
		log:     log.With().Str("service", "rate_fallback").Logger(),
	}
}

func (f *fallbackRateSource) Rate(ctx context.Context, from, to string) (float64, error) {
	var lastErr error
	for i, s := range f.sources {
		rate, err := s.Rate(ctx, from, to)
		if err == nil && rate > 0 {
			return rate, nil
		}
		if err != nil {
			lastErr = err
			f.log.Warn().Err(err).Int("source", i).
				Str("from", from).Str("to", to).
				Msg("Rate source failed, trying next")
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no source quotes %s/%s", from, to)
	}
	return 0, lastErr
}
