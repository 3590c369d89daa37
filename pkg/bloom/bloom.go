// Package bloom implements a distributed bloom filter over Redis bitmaps
// and the negative-cache layer built on top of it for short-circuiting
// repeat 404s from upstream (spec §4.5).
package bloom

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/spaolacci/murmur3"

	"github.com/wisbric/gatekeep/pkg/coordstore"
)

// Filter is a bloom filter backed by a coordstore bitmap. It never
// produces false negatives: Contains returns false only when at least one
// of its k bit positions is unset.
type Filter struct {
	store coordstore.Store
	name  string

	expectedItems   int
	falsePositiveRate float64

	m int64 // number of bits
	k int   // number of hash functions
}

// New creates a bloom filter named name, sized for expectedItems entries
// at the target falsePositiveRate. Both calculations follow spec §4.5:
// m = ceil(-n*ln(p)/ln(2)^2), k = max(1, ceil((m/n)*ln(2))).
func New(store coordstore.Store, name string, expectedItems int, falsePositiveRate float64) *Filter {
	m := calculateM(expectedItems, falsePositiveRate)
	k := calculateK(m, expectedItems)
	return &Filter{
		store:             store,
		name:              name,
		expectedItems:     expectedItems,
		falsePositiveRate: falsePositiveRate,
		m:                 m,
		k:                 k,
	}
}

func calculateM(n int, p float64) int64 {
	if n <= 0 {
		return 1000
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	m := -(float64(n) * math.Log(p)) / (math.Log(2) * math.Log(2))
	return int64(math.Ceil(m))
}

func calculateK(m int64, n int) int {
	if n <= 0 {
		return 3
	}
	k := (float64(m) / float64(n)) * math.Log(2)
	return int(math.Max(1, math.Ceil(k)))
}

// bitPositions returns the k bit positions for item using double hashing
// over two independent MurmurHash3 values: h(i) = (h1 + i*h2) mod m.
func (f *Filter) bitPositions(item string) []int64 {
	h1 := murmur3.Sum32WithSeed([]byte(item), 0)
	h2 := murmur3.Sum32WithSeed([]byte(item), h1)

	positions := make([]int64, f.k)
	for i := 0; i < f.k; i++ {
		pos := (int64(h1) + int64(i)*int64(h2)) % f.m
		if pos < 0 {
			pos += f.m
		}
		positions[i] = pos
	}
	return positions
}

// Add sets item's bits. It returns true if at least one bit was
// previously unset (the item was probably not present before).
func (f *Filter) Add(ctx context.Context, item string) (bool, error) {
	wasNew := false
	for _, pos := range f.bitPositions(item) {
		old, err := f.store.SetBit(ctx, f.name, pos, 1)
		if err != nil {
			return false, fmt.Errorf("bloom: setbit: %w", err)
		}
		if old == 0 {
			wasNew = true
		}
	}
	return wasNew, nil
}

// Contains reports whether item might be in the set. False means
// definitely not; true means probably, subject to the configured false
// positive rate.
func (f *Filter) Contains(ctx context.Context, item string) (bool, error) {
	for _, pos := range f.bitPositions(item) {
		bit, err := f.store.GetBit(ctx, f.name, pos)
		if err != nil {
			return false, fmt.Errorf("bloom: getbit: %w", err)
		}
		if bit == 0 {
			return false, nil
		}
	}
	return true, nil
}

// Clear deletes the underlying bitmap.
func (f *Filter) Clear(ctx context.Context) error {
	return f.store.Delete(ctx, f.name)
}

// BitSize returns m, the number of bits in the filter.
func (f *Filter) BitSize() int64 { return f.m }

// HashCount returns k, the number of hash functions.
func (f *Filter) HashCount() int { return f.k }

// NegativeCacheManager keeps one bloom filter per route, tracking paths
// that returned 404 from upstream so future requests for the same path
// can be short-circuited without a round trip.
type NegativeCacheManager struct {
	store           coordstore.Store
	defaultExpected int
	defaultFPRate   float64

	mu      sync.Mutex
	filters map[string]*Filter
}

// NewNegativeCacheManager creates a manager whose per-route filters, when
// first created, are sized from defaultExpected/defaultFPRate.
func NewNegativeCacheManager(store coordstore.Store, defaultExpected int, defaultFPRate float64) *NegativeCacheManager {
	return &NegativeCacheManager{
		store:           store,
		defaultExpected: defaultExpected,
		defaultFPRate:   defaultFPRate,
		filters:         make(map[string]*Filter),
	}
}

func (m *NegativeCacheManager) filterFor(routeName string) *Filter {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f, ok := m.filters[routeName]; ok {
		return f
	}
	f := New(m.store, "bloom:404:"+routeName, m.defaultExpected, m.defaultFPRate)
	m.filters[routeName] = f
	return f
}

// Record404 marks path as having returned 404 for routeName.
func (m *NegativeCacheManager) Record404(ctx context.Context, routeName, path string) error {
	_, err := m.filterFor(routeName).Add(ctx, path)
	return err
}

// IsLikely404 reports whether path has probably returned 404 for
// routeName before.
func (m *NegativeCacheManager) IsLikely404(ctx context.Context, routeName, path string) (bool, error) {
	return m.filterFor(routeName).Contains(ctx, path)
}

// ClearRoute clears the bloom filter for a single route.
func (m *NegativeCacheManager) ClearRoute(ctx context.Context, routeName string) error {
	return m.filterFor(routeName).Clear(ctx)
}
