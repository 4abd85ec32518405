package strategy

import (
	"math/rand"
	"sync"
	"time"
)

// RandomSource picks an index in [0, n). *rand.Rand satisfies it.
type RandomSource interface {
	Intn(n int) int
}

// Resolver derives the combined timeframe set and keeps the analysis
// timeframe inside it.
type Resolver struct {
	catalog *Catalog

	mu  sync.Mutex // guards rnd, which need not be goroutine-safe
	rnd RandomSource
}

// NewResolver builds a resolver. A nil rnd uses a time-seeded source.
func NewResolver(catalog *Catalog, rnd RandomSource) *Resolver {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Resolver{catalog: catalog, rnd: rnd}
}

// Catalog exposes the tables the resolver works from.
func (r *Resolver) Catalog() *Catalog {
	return r.catalog
}

// Combined returns orderByDuration(dedupe(tf(trader) ∪ tf(strategy))).
func (r *Resolver) Combined(tt TraderType, ts TradingStrategy) ([]Timeframe, error) {
	a, err := r.catalog.TraderTimeframes(tt)
	if err != nil {
		return nil, err
	}
	b, err := r.catalog.StrategyTimeframes(ts)
	if err != nil {
		return nil, err
	}
	return Combine(a, b), nil
}

// SelectTraderType handles a trader-type change: the timeframe is re-rolled
// uniformly from the trader type's own list, then kept inside the combined set.
func (r *Resolver) SelectTraderType(tt TraderType, ts TradingStrategy) ([]Timeframe, Timeframe, error) {
	combined, err := r.Combined(tt, ts)
	if err != nil {
		return nil, "", err
	}
	own, _ := r.catalog.TraderTimeframes(tt)

	r.mu.Lock()
	pick := own[r.rnd.Intn(len(own))]
	r.mu.Unlock()

	return combined, Reconcile(combined, pick), nil
}

// SelectStrategy handles a strategy change: the current timeframe survives
// when it is still in the combined set.
func (r *Resolver) SelectStrategy(tt TraderType, ts TradingStrategy, current Timeframe) ([]Timeframe, Timeframe, error) {
	combined, err := r.Combined(tt, ts)
	if err != nil {
		return nil, "", err
	}
	return combined, Reconcile(combined, current), nil
}

// Reconcile keeps current if it is a member of combined, otherwise falls back
// to combined[0]. An empty set leaves current untouched.
func Reconcile(combined []Timeframe, current Timeframe) Timeframe {
	if len(combined) == 0 || Contains(combined, current) {
		return current
	}
	return combined[0]
}
