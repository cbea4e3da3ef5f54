package workload

import (
	"math"
	"math/rand"
	"sync"
)

// RNG wraps a seeded math/rand source. It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex

	// harmonic caches the Zipf normalization per (n, s).
	harmonic map[zipfKey]float64
}

type zipfKey struct {
	n int
	s float64
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand:     rand.New(rand.NewSource(seed)), //nolint:gosec // reproducible workloads
		seed:     seed,
		harmonic: make(map[zipfKey]float64),
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Byte returns a pseudo-random byte.
func (r *RNG) Byte() byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return byte(r.rand.Intn(256))
}

// Zipf returns a value in [0, n) following a Zipf distribution with
// exponent s. s=1.0 gives standard Zipf, larger values a heavier head.
func (r *RNG) Zipf(n int, s float64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.zipfLocked(n, s)
}

// zipfLocked samples by inverse transform (caller must hold lock).
func (r *RNG) zipfLocked(n int, s float64) int {
	if n <= 1 {
		return 0
	}

	key := zipfKey{n, s}
	hns, ok := r.harmonic[key]
	if !ok {
		for i := 1; i <= n; i++ {
			hns += 1.0 / math.Pow(float64(i), s)
		}
		r.harmonic[key] = hns
	}

	u := r.rand.Float64() * hns
	var cumulative float64
	for k := 1; k <= n; k++ {
		cumulative += 1.0 / math.Pow(float64(k), s)
		if u <= cumulative {
			return k - 1
		}
	}

	return n - 1
}

// Size returns a request size in [1, maxSize]. Small sizes dominate: the
// size class is Zipf distributed over powers of two starting at 16 bytes.
func (r *RNG) Size(maxSize int) int {
	if maxSize <= 1 {
		return 1
	}

	classes := 1
	for c := 16; c < maxSize; c <<= 1 {
		classes++
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	limit := min(16<<r.zipfLocked(classes, 1.2), maxSize)
	return 1 + r.rand.Intn(limit)
}

// Alignment returns a power of two between 8 and 4096, favouring small ones.
func (r *RNG) Alignment() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return 8 << r.zipfLocked(10, 1.0)
}
