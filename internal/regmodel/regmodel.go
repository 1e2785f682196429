// Package regmodel fits a single MMIO register's observed access log to
// the simplest behavioral model that explains it.
//
// The family of models is a closed, tagged variant rather than an
// open-world interface hierarchy: Model is a small capability set
// (Read/Write/Merge) sealed against implementation outside this package,
// and Fit tries each concrete type in a fixed order of specificity.
package regmodel

import (
	"fmt"

	"github.com/go-pretender/pretender/internal/log"
	"github.com/go-pretender/pretender/internal/trace"
)

// Model is the shared capability set of every register model variant.
// The unexported sealed method keeps the variant set closed to this
// package: callers consume Model through Fit results, never implement it.
type Model interface {
	fmt.Stringer

	// Read returns the next value a replay read of this register should
	// observe, given the current wall-clock time.
	Read(now float64) uint32

	// Write absorbs a write to this register. Most variants are read-only
	// replay models and simply accept the write.
	Write(value uint32) bool

	// Merge folds another model of the same trained type into this one,
	// returning false if the models are incompatible (different concrete
	// type, or same type with irreconcilable data).
	Merge(other Model) bool

	sealed()
}

// Kind names a Model's concrete variant, for logging and serialization
// tagging (internal/modelfile writes this alongside the model's fields).
type Kind string

const (
	KindStorage       Kind = "storage"
	KindPattern       Kind = "pattern"
	KindIncreasing    Kind = "increasing"
	KindMarkov        Kind = "markov"
	KindMarkovPattern Kind = "markovpattern"
	KindStateful      Kind = "stateful"
)

// KindOf returns the tag for a concrete Model, used by the serializer.
func KindOf(m Model) Kind {
	switch m.(type) {
	case *Storage:
		return KindStorage
	case *Pattern:
		return KindPattern
	case *Increasing:
		return KindIncreasing
	case *Markov:
		return KindMarkov
	case *MarkovPattern:
		return KindMarkovPattern
	default:
		return KindStateful
	}
}

// Fit tries each candidate model, in order of specificity, against log (a
// time-ordered access log for one register within one peripheral state),
// and returns the first one that fits. If nothing fits -- an empty log, or
// one with no reads at all -- it returns a Stateful model, signaling the
// enclosing peripheral to fall back to trace-cursor replay.
func Fit(regLog []trace.Record) Model {
	return FitWithLogger(regLog, log.DefaultLogger())
}

// FitWithLogger is Fit with an explicit logger.
func FitWithLogger(regLog []trace.Record, logger *log.Logger) Model {
	if s := new(Storage); s.fit(regLog) {
		return s
	}

	reads := readValues(regLog)

	if p := new(Pattern); p.fit(reads) {
		return p
	}

	if mp := new(MarkovPattern); mp.fit(reads) {
		return mp
	}

	if inc := new(Increasing); inc.fit(regLog) {
		return inc
	}

	if len(reads) > 0 {
		m := new(Markov)
		m.fit(regLog)

		return m
	}

	logger.Debug("regmodel: no model fits, falling back to stateful replay")

	return new(Stateful)
}

func readValues(regLog []trace.Record) []uint32 {
	values := make([]uint32, 0, len(regLog))

	for _, r := range regLog {
		if r.Kind == trace.READ {
			values = append(values, r.Value)
		}
	}

	return values
}

func readRecords(regLog []trace.Record) []trace.Record {
	reads := make([]trace.Record, 0, len(regLog))

	for _, r := range regLog {
		if r.Kind == trace.READ {
			reads = append(reads, r)
		}
	}

	return reads
}

// MergeOrRetrain merges a and b in place if they are mergeable, and
// otherwise falls back to retraining: it tries each candidate type, in
// fit order, and accepts the first for which both sides' raw logs
// independently fit that type, retraining on the concatenation of both
// logs. This mirrors the original's merge-failure recovery path.
func MergeOrRetrain(a, b Model, logA, logB []trace.Record, logger *log.Logger) (Model, bool) {
	if a.Merge(b) {
		return a, true
	}

	logger.Debug("regmodel: in-place merge failed, retraining from concatenated logs",
		log.Any("a", a.String()), log.Any("b", b.String()))

	combined := make([]trace.Record, 0, len(logA)+len(logB))
	combined = append(combined, logA...)
	combined = append(combined, logB...)

	readsA := readValues(logA)
	readsB := readValues(logB)

	if s := new(Storage); fitsBoth(func(l []trace.Record) bool { return new(Storage).fit(l) }, logA, logB) {
		s.fit(combined)
		return s, true
	}

	if fitsBothReads(getPatternFits, readsA, readsB) {
		p := new(Pattern)
		p.fit(readValues(combined))

		return p, true
	}

	if fitsBothReads(func(r []uint32) bool { return new(MarkovPattern).fit(r) }, readsA, readsB) {
		mp := new(MarkovPattern)
		mp.fit(readValues(combined))

		return mp, true
	}

	if fitsBoth(func(l []trace.Record) bool { return new(Increasing).fit(l) }, logA, logB) {
		inc := new(Increasing)
		inc.fit(combined)

		return inc, true
	}

	if len(readsA) > 0 && len(readsB) > 0 {
		m := new(Markov)
		m.fit(combined)

		return m, true
	}

	return nil, false
}

func getPatternFits(reads []uint32) bool {
	return new(Pattern).fit(reads)
}

func fitsBoth(fit func([]trace.Record) bool, logA, logB []trace.Record) bool {
	return fit(logA) && fit(logB)
}

func fitsBothReads(fit func([]uint32) bool, readsA, readsB []uint32) bool {
	return fit(readsA) && fit(readsB)
}
