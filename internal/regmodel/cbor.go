package regmodel

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Encode and Decode give the polymorphic Model family a single
// serialized shape: a Kind tag plus the variant's own CBOR-encoded body.
// internal/modelfile wraps these in its versioned envelope; Markov and
// MarkovPattern keep their meaningful state unexported (see
// [Markov.MarshalCBOR]) so they carry their own MarshalCBOR/UnmarshalCBOR
// rather than relying on default struct-field marshaling, which the
// Storage/Pattern/Increasing/Stateful variants use as-is since their
// state is already exported (and their cursors are deliberately excluded
// by being unexported, since a cursor resets on load regardless).
//
// Grounded on seedhammer-seedhammer's bc/urtypes package, which uses
// `cbor:"N,keyasint"` struct tags and per-type custom marshaling for a
// closed family of wire-tagged variants.
func Encode(m Model) ([]byte, error) {
	body, err := cbor.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("regmodel: encode %s: %w", KindOf(m), err)
	}

	return body, nil
}

// Decode reconstructs a Model of the given kind from a body produced by
// Encode.
func Decode(kind Kind, body []byte) (Model, error) {
	var m Model

	switch kind {
	case KindStorage:
		m = &Storage{}
	case KindPattern:
		m = &Pattern{}
	case KindIncreasing:
		m = &Increasing{}
	case KindMarkov:
		m = &Markov{}
	case KindMarkovPattern:
		m = &MarkovPattern{}
	case KindStateful:
		m = &Stateful{}
	default:
		return nil, fmt.Errorf("regmodel: decode: unknown kind %q", kind)
	}

	if err := cbor.Unmarshal(body, m); err != nil {
		return nil, fmt.Errorf("regmodel: decode %s: %w", kind, err)
	}

	return m, nil
}

// markovDTO is Markov's wire representation. totalReads and counts are
// enough to rebuild the cumulative sampling table on load; the rng seed
// is deliberately not persisted -- replay determinism with a saved model
// comes from the caller reseeding explicitly, not from freezing PRNG
// state, since a Go math/rand source does not itself round-trip through
// CBOR.
type markovDTO struct {
	Counts     map[uint32]float64 `cbor:"0,keyasint"`
	TotalReads float64            `cbor:"1,keyasint"`
}

// MarshalCBOR implements cbor.Marshaler over Markov's unexported state.
func (m *Markov) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(markovDTO{Counts: m.counts, TotalReads: m.totalReads})
}

// UnmarshalCBOR implements cbor.Unmarshaler, rebuilding the cumulative
// sampling table that fit/Merge would otherwise have built incrementally.
func (m *Markov) UnmarshalCBOR(data []byte) error {
	var dto markovDTO
	if err := cbor.Unmarshal(data, &dto); err != nil {
		return fmt.Errorf("regmodel: unmarshal Markov: %w", err)
	}

	m.counts = dto.Counts
	m.totalReads = dto.TotalReads
	m.rebuild()

	return nil
}

// markovPatternDTO is MarkovPattern's wire representation. The in-flight
// replay cursor fields (replayStatic, staticRemaining, patternCurrent,
// patternIndex) are persisted too, unlike a peripheral.State's read
// cursors, since mid-pattern replay position is part of this model's
// observable behavior rather than a training-time bookkeeping artifact.
type markovPatternDTO struct {
	StaticValue     uint32              `cbor:"0,keyasint"`
	StaticRunCounts map[int]int         `cbor:"1,keyasint"`
	TotalStaticRuns int                 `cbor:"2,keyasint"`
	PatternValues   map[string][]uint32 `cbor:"3,keyasint"`
	PatternCounts   map[string]int      `cbor:"4,keyasint"`
	TotalPatterns   int                 `cbor:"5,keyasint"`
	ReplayStatic    bool                `cbor:"6,keyasint"`
	StaticRemaining int                 `cbor:"7,keyasint"`
	PatternCurrent  []uint32            `cbor:"8,keyasint"`
	PatternIndex    int                 `cbor:"9,keyasint"`
}

// MarshalCBOR implements cbor.Marshaler over MarkovPattern's unexported
// state.
func (mp *MarkovPattern) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(markovPatternDTO{
		StaticValue:     mp.StaticValue,
		StaticRunCounts: mp.staticRunCounts,
		TotalStaticRuns: mp.totalStaticRuns,
		PatternValues:   mp.patternValues,
		PatternCounts:   mp.patternCounts,
		TotalPatterns:   mp.totalPatterns,
		ReplayStatic:    mp.replayStatic,
		StaticRemaining: mp.staticRemaining,
		PatternCurrent:  mp.patternCurrent,
		PatternIndex:    mp.patternIndex,
	})
}

// UnmarshalCBOR implements cbor.Unmarshaler, rebuilding the cumulative
// sampling tables from the persisted counts.
func (mp *MarkovPattern) UnmarshalCBOR(data []byte) error {
	var dto markovPatternDTO
	if err := cbor.Unmarshal(data, &dto); err != nil {
		return fmt.Errorf("regmodel: unmarshal MarkovPattern: %w", err)
	}

	mp.StaticValue = dto.StaticValue
	mp.staticRunCounts = dto.StaticRunCounts
	mp.totalStaticRuns = dto.TotalStaticRuns
	mp.patternValues = dto.PatternValues
	mp.patternCounts = dto.PatternCounts
	mp.totalPatterns = dto.TotalPatterns
	mp.replayStatic = dto.ReplayStatic
	mp.staticRemaining = dto.StaticRemaining
	mp.patternCurrent = dto.PatternCurrent
	mp.patternIndex = dto.PatternIndex
	mp.rebuildDistributions()

	return nil
}
