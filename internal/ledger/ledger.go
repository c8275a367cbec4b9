// Package ledger tracks live subscription demand per market and stream key.
// Upstream SUBSCRIBE and UNSUBSCRIBE frames are owed only when a key's count
// crosses zero, so adapters consult the ledger before touching the wire.
package ledger

import (
	"sort"
	"sync"
)

// Ledger is a two-level reference counter: market -> stream key -> count.
// One instance belongs to one venue adapter. Counts never go negative;
// removing an absent key is a no-op and leaves no entry behind.
type Ledger struct {
	mu      sync.Mutex
	markets map[string]map[string]int
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{markets: make(map[string]map[string]int)}
}

// Add increments the count for each key under market.
func (l *Ledger) Add(market string, keys []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	streams := l.markets[market]
	if streams == nil {
		streams = make(map[string]int)
		l.markets[market] = streams
	}
	for _, key := range keys {
		streams[key]++
	}
}

// Remove decrements the count for each key under market, clamping at zero.
// Keys that were never added are ignored.
func (l *Ledger) Remove(market string, keys []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	streams := l.markets[market]
	if streams == nil {
		return
	}
	for _, key := range keys {
		if count, ok := streams[key]; ok && count > 0 {
			streams[key] = count - 1
		}
	}
}

// Count reports the current demand for a key, zero if unknown.
func (l *Ledger) Count(market, key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.markets[market][key]
}

// NeedSubscribe filters keys down to those with no current demand, deduped
// and in input order. These require an upstream SUBSCRIBE before their
// counts are bumped.
func (l *Ledger) NeedSubscribe(market string, keys []string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	streams := l.markets[market]
	var need []string
	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		if seen[key] || streams[key] > 0 {
			continue
		}
		seen[key] = true
		need = append(need, key)
	}
	return need
}

// ZeroKeys lists keys under market whose count has dropped to zero, sorted.
// These are subscribed upstream but no longer demanded.
func (l *Ledger) ZeroKeys(market string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var keys []string
	for key, count := range l.markets[market] {
		if count == 0 {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// ActiveKeys lists keys under market with count >= 1, sorted. Reconnection
// re-subscribes exactly these.
func (l *Ledger) ActiveKeys(market string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var keys []string
	for key, count := range l.markets[market] {
		if count >= 1 {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Prune deletes the given keys under market if their count is zero, and
// drops the market once it holds no keys at all.
func (l *Ledger) Prune(market string, keys []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	streams := l.markets[market]
	if streams == nil {
		return
	}
	for _, key := range keys {
		if streams[key] == 0 {
			delete(streams, key)
		}
	}
	if len(streams) == 0 {
		delete(l.markets, market)
	}
}
