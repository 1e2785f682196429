package regmodel

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/go-pretender/pretender/internal/trace"
)

// Markov is the catch-all model: an empirical cumulative distribution
// over every observed read value, sampled uniformly on replay. It always
// fits, which is why Fit tries it last -- every more specific model that
// could have matched already had its chance.
type Markov struct {
	counts     map[uint32]float64
	totalReads float64

	// cumulative holds (threshold, value) pairs in ascending threshold
	// order, rebuilt whenever counts change; Read scans it linearly in
	// that order rather than replaying a Python OrderedDict's insertion
	// order.
	cumulative []markovBucket
	rng        *rand.Rand
}

type markovBucket struct {
	threshold float64
	value     uint32
}

func (m *Markov) sealed() {}

func (m *Markov) String() string {
	return fmt.Sprintf("<Markov: %d distinct values over %d reads>", len(m.counts), int(m.totalReads))
}

// Write is accepted without effect; Markov registers are read-only replay
// models.
func (m *Markov) Write(_ uint32) bool {
	return true
}

// Read samples a value from the trained distribution. A fresh Markov with
// no training data returns 0.
func (m *Markov) Read(_ float64) uint32 {
	if len(m.cumulative) == 0 {
		return 0
	}

	if m.rng == nil {
		m.rng = rand.New(rand.NewSource(1))
	}

	r := m.rng.Float64()

	for _, b := range m.cumulative {
		if r < b.threshold {
			return b.value
		}
	}

	return m.cumulative[len(m.cumulative)-1].value
}

func (m *Markov) Merge(other Model) bool {
	o, ok := other.(*Markov)
	if !ok {
		return false
	}

	if m.counts == nil {
		m.counts = map[uint32]float64{}
	}

	for val, c := range o.counts {
		m.counts[val] += c
	}

	m.totalReads += o.totalReads
	m.rebuild()

	return true
}

func (m *Markov) fit(regLog []trace.Record) bool {
	m.counts = map[uint32]float64{}

	for _, r := range regLog {
		if r.Kind != trace.READ {
			continue
		}

		m.counts[r.Value]++
		m.totalReads++
	}

	m.rebuild()

	return true
}

func (m *Markov) rebuild() {
	if m.totalReads == 0 {
		m.cumulative = nil
		return
	}

	values := make([]uint32, 0, len(m.counts))
	for v := range m.counts {
		values = append(values, v)
	}

	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	m.cumulative = make([]markovBucket, 0, len(values))

	cum := 0.0

	for _, v := range values {
		cum += m.counts[v] / m.totalReads
		m.cumulative = append(m.cumulative, markovBucket{threshold: cum, value: v})
	}
}
