// Package pricefeed supplies advisory reference prices. The oracle is
// consulted only for out-of-band validation warnings; settlement never
// depends on it.
package pricefeed

import (
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"gridsettle/core/errs"
)

// Observation captures a single feeder-submitted rate for a pair.
type Observation struct {
	Rate       *big.Rat
	ObservedAt int64
	Source     string
}

// Clone returns a deep copy of the observation to prevent accidental
// mutations.
func (o Observation) Clone() Observation {
	clone := Observation{ObservedAt: o.ObservedAt, Source: o.Source}
	if o.Rate != nil {
		clone.Rate = new(big.Rat).Set(o.Rate)
	}
	return clone
}

// FeedHealth captures metadata about the observations tracked for one pair.
type FeedHealth struct {
	Pair         string
	LastObserved int64
	Observations int
}

// Oracle aggregates per-feeder observations into a median reference price.
// Stale observations (older than the freshness window) are ignored.
type Oracle struct {
	mu        sync.RWMutex
	freshness int64
	obs       map[string]map[string]Observation
	nowFn     func() int64
}

// NewOracle creates an oracle keeping observations fresh for the given number
// of seconds.
func NewOracle(freshness int64) *Oracle {
	return &Oracle{
		freshness: freshness,
		obs:       make(map[string]map[string]Observation),
		nowFn:     func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the time source, primarily used in tests.
func (o *Oracle) SetNowFunc(now func() int64) {
	if now == nil {
		o.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	o.nowFn = now
}

func (o *Oracle) now() int64 {
	if o == nil || o.nowFn == nil {
		return time.Now().Unix()
	}
	return o.nowFn()
}

func normalizePair(pair string) string {
	return strings.ToUpper(strings.TrimSpace(pair))
}

// Submit records an observation from the named feeder.
func (o *Oracle) Submit(feeder, pair string, rate *big.Rat) error {
	if o == nil {
		return errs.Statef("oracle not configured")
	}
	feeder = strings.TrimSpace(feeder)
	if feeder == "" {
		return errs.Validationf("feeder identifier required")
	}
	normalized := normalizePair(pair)
	if normalized == "" {
		return errs.Validationf("pair identifier required")
	}
	if rate == nil || rate.Sign() <= 0 {
		return errs.Validationf("rate must be positive")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	feeds, ok := o.obs[normalized]
	if !ok {
		feeds = make(map[string]Observation)
		o.obs[normalized] = feeds
	}
	feeds[feeder] = Observation{Rate: new(big.Rat).Set(rate), ObservedAt: o.now(), Source: feeder}
	return nil
}

// Reference returns the median of the fresh observations for the pair, if
// any exist.
func (o *Oracle) Reference(pair string) (*big.Rat, bool) {
	if o == nil {
		return nil, false
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	feeds, ok := o.obs[normalizePair(pair)]
	if !ok || len(feeds) == 0 {
		return nil, false
	}
	cutoff := o.now() - o.freshness
	fresh := make([]*big.Rat, 0, len(feeds))
	for _, obs := range feeds {
		if o.freshness > 0 && obs.ObservedAt < cutoff {
			continue
		}
		fresh = append(fresh, new(big.Rat).Set(obs.Rate))
	}
	if len(fresh) == 0 {
		return nil, false
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].Cmp(fresh[j]) < 0 })
	mid := len(fresh) / 2
	if len(fresh)%2 == 1 {
		return fresh[mid], true
	}
	sum := new(big.Rat).Add(fresh[mid-1], fresh[mid])
	return sum.Quo(sum, big.NewRat(2, 1)), true
}

// Health reports per-pair observation metadata for monitoring.
func (o *Oracle) Health() []FeedHealth {
	if o == nil {
		return nil
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]FeedHealth, 0, len(o.obs))
	for pair, feeds := range o.obs {
		health := FeedHealth{Pair: pair, Observations: len(feeds)}
		for _, obs := range feeds {
			if obs.ObservedAt > health.LastObserved {
				health.LastObserved = obs.ObservedAt
			}
		}
		out = append(out, health)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pair < out[j].Pair })
	return out
}
