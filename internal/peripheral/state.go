// Package peripheral implements the per-peripheral behavioral state
// machine: a graph of states induced by observed WRITE values, each owning
// a fitted register model per address it has seen, plus the trace-cursor
// fallback for registers no candidate model explains.
//
// Grounded on the reference implementation's PeripheralModel and
// PeripheralModelState (pretender/peripheral_model.py), adapted to this
// package's Model capability set (internal/regmodel) and to Go's explicit
// mutex rather than a GIL for the concurrency guarantees §5 requires.
package peripheral

import (
	"fmt"
	"math/rand"

	"github.com/go-pretender/pretender/internal/log"
	"github.com/go-pretender/pretender/internal/regmodel"
	"github.com/go-pretender/pretender/internal/trace"
)

// StateKey identifies a non-start state by the (address, value) WRITE pair
// that enters it. The sentinel start state has no key of its own -- it
// owns whatever reads happened before the first WRITE -- so StateKey is
// never used to address it; State.IsStart distinguishes it instead.
type StateKey struct {
	Addr  uint32
	Value uint32
}

func (k StateKey) String() string {
	return fmt.Sprintf("write:%#08x:%#08x", k.Addr, k.Value)
}

// State is one node of a peripheral's write-induced state graph: the set
// of addresses it has observed reads for, the model fitted per address
// (both the time-aggregated model and one fitted per read-index within a
// visit), and the per-address read cursor used to select among them.
type State struct {
	Key     StateKey
	IsStart bool

	// FirstEntryTimestamp is the timestamp of the WRITE that first created
	// this state. It seeds the per-address training log for the address
	// this state's own key names, so Storage fitting sees the WRITE that
	// is otherwise implicit in "this is the state entered by writing v".
	FirstEntryTimestamp float64

	// Reads[addr][k] holds every read observed at read-index k within a
	// visit to this state, across every visit over the whole trace --
	// the bucket, not a single visit's value. model_per_address_ordered is
	// fitted independently per bucket; revisiting the state later
	// reproduces the same per-visit order by reading from the current
	// cursor position.
	Reads map[uint32][][]trace.Record

	// ReadCursor is the per-address position within the current visit.
	// Read advances it; Model.Reset zeroes every state's cursor; nothing
	// else resets it during replay (state transitions alone do not).
	ReadCursor map[uint32]int

	ModelPerAddress        map[uint32]regmodel.Model
	ModelPerAddressOrdered map[uint32]map[int]regmodel.Model

	// RawReadValues is the flattened, visit-order read values per address,
	// used only as the Stateful fallback's trace-cursor replay: simpler
	// than the original's separate whole-trace forward/backward search
	// (mmiogroup.py's _read_stateful_forward), since every address this
	// state has ever read already has its own ordered log right here.
	RawReadValues map[uint32][]uint32

	IsCollapsed bool
}

func newState(key StateKey, isStart bool) *State {
	return &State{
		Key:                    key,
		IsStart:                isStart,
		Reads:                  map[uint32][][]trace.Record{},
		ReadCursor:             map[uint32]int{},
		ModelPerAddress:        map[uint32]regmodel.Model{},
		ModelPerAddressOrdered: map[uint32]map[int]regmodel.Model{},
		RawReadValues:          map[uint32][]uint32{},
	}
}

// RestoreState reconstructs a single collapsed state from a persisted
// model file: key/isStart identify it, modelPerAddress is the
// time-aggregated model fitted per address, and rawReadValues is the
// flattened visit-order read log each address's Stateful fallback (if
// any) cycles through. Bucket-level (model_per_address_ordered) data is
// not persisted -- a model file only ever carries the collapsed
// representation, since per-visit read-index granularity is a
// training-time artifact, not part of a register's steady-state replay
// behavior.
func RestoreState(key StateKey, isStart bool, firstEntryTimestamp float64, modelPerAddress map[uint32]regmodel.Model, rawReadValues map[uint32][]uint32) *State {
	s := newState(key, isStart)
	s.FirstEntryTimestamp = firstEntryTimestamp

	if modelPerAddress != nil {
		s.ModelPerAddress = modelPerAddress
	}

	if rawReadValues != nil {
		s.RawReadValues = rawReadValues
	}

	for addr := range s.ModelPerAddress {
		s.ReadCursor[addr] = 0
	}

	s.IsCollapsed = true

	return s
}

func (s *State) String() string {
	if s.IsStart {
		return fmt.Sprintf("<State start (%d addrs)>", len(s.Reads))
	}

	return fmt.Sprintf("<State %s (%d addrs)>", s.Key, len(s.Reads))
}

// resetVisit zeroes every address's read cursor, as if the state were
// freshly entered.
func (s *State) resetVisit() {
	for addr := range s.ReadCursor {
		s.ReadCursor[addr] = 0
	}
}

// observed reports whether this state has ever recorded a read of addr.
func (s *State) observed(addr uint32) bool {
	_, ok := s.ReadCursor[addr]

	return ok
}

// appendRead records one training-time read, bucketed by this visit's
// current read-index for addr, and advances the cursor.
func (s *State) appendRead(addr uint32, rec trace.Record) {
	k := s.ReadCursor[addr]

	buckets := s.Reads[addr]
	for len(buckets) <= k {
		buckets = append(buckets, nil)
	}

	buckets[k] = append(buckets[k], rec)
	s.Reads[addr] = buckets
	s.ReadCursor[addr] = k + 1
}

// entrySeed returns the synthetic WRITE record that primed this state's
// entry for addr, if this state's own key names addr -- the state entered
// by "write 0x40004400 = 0x55" implicitly establishes that 0x40004400 last
// held 0x55 when the state became current, which Storage fitting needs to
// see explicitly.
func (s *State) entrySeed(addr uint32) []trace.Record {
	if s.IsStart || s.Key.Addr != addr {
		return nil
	}

	return []trace.Record{{Kind: trace.WRITE, Addr: addr, Value: s.Key.Value, Timestamp: s.FirstEntryTimestamp}}
}

// trainModels fits a register model for every address this state has seen
// reads for: one aggregate model over every read regardless of visit, and
// one model per read-index bucket so a revisit reproduces the recorded
// per-visit order.
func (s *State) trainModels(logger *log.Logger) {
	for addr, buckets := range s.Reads {
		seed := s.entrySeed(addr)
		ordered := make(map[int]regmodel.Model, len(buckets))

		var combined []trace.Record

		for k, reads := range buckets {
			regLog := append(append([]trace.Record{}, seed...), reads...)
			ordered[k] = regmodel.FitWithLogger(regLog, logger)
			combined = append(combined, reads...)

			for _, r := range reads {
				if r.Kind == trace.READ {
					s.RawReadValues[addr] = append(s.RawReadValues[addr], r.Value)
				}
			}
		}

		s.ModelPerAddressOrdered[addr] = ordered

		aggLog := append(append([]trace.Record{}, seed...), combined...)
		s.ModelPerAddress[addr] = regmodel.FitWithLogger(aggLog, logger)
	}
}

// getModel selects the model that should answer the next Read or Write of
// addr: the collapsed time-aggregated model if this state has been
// collapsed, otherwise the model fitted for the current read-index,
// saturating at the highest index trained if replay runs past what
// training observed.
func (s *State) getModel(addr uint32) (regmodel.Model, bool) {
	if s.IsCollapsed {
		m, ok := s.ModelPerAddress[addr]

		return m, ok
	}

	ordered, ok := s.ModelPerAddressOrdered[addr]
	if !ok {
		return nil, false
	}

	idx := s.ReadCursor[addr]
	if m, ok := ordered[idx]; ok {
		return m, true
	}

	max := -1

	for k := range ordered {
		if k > max {
			max = k
		}
	}

	if max < 0 {
		return nil, false
	}

	return ordered[max], true
}

// statefulRead cycles through the raw, visit-ordered reads captured for
// addr, used when the selected model is Stateful (no candidate fit).
func (s *State) statefulRead(addr uint32) uint32 {
	vals := s.RawReadValues[addr]
	if len(vals) == 0 {
		return 0
	}

	idx := s.ReadCursor[addr] % len(vals)

	return vals[idx]
}

// Read answers a replay read of addr: selects the applicable model (or
// the stateful trace-cursor fallback), advances the read cursor if addr
// has been observed, and returns the value.
func (s *State) Read(addr uint32, now float64) uint32 {
	model, ok := s.getModel(addr)

	var v uint32

	switch {
	case !ok || model == nil:
		v = 0
	default:
		if _, isStateful := model.(*regmodel.Stateful); isStateful {
			v = s.statefulRead(addr)
		} else {
			v = model.Read(now)
		}
	}

	if s.observed(addr) {
		s.ReadCursor[addr]++
	}

	return v
}

// Write forwards a write to the model selected for addr, if any.
func (s *State) Write(addr, value uint32) bool {
	model, ok := s.getModel(addr)
	if !ok || model == nil {
		return false
	}

	return model.Write(value)
}

// collapse switches this state to the time-aggregated model,
// discarding read-index granularity.
func (s *State) collapse() { s.IsCollapsed = true }

// expand reverses collapse.
func (s *State) expand() { s.IsCollapsed = false }

// merge folds another state's fitted models into this one: addresses this
// state has never seen are copied verbatim; shared addresses are merged
// per-model (falling back to [regmodel.MergeOrRetrain] on disagreement).
func (s *State) merge(other *State, logger *log.Logger) {
	for addr, otherBuckets := range other.Reads {
		if !s.observed(addr) {
			s.Reads[addr] = otherBuckets
			s.ModelPerAddress[addr] = other.ModelPerAddress[addr]
			s.ModelPerAddressOrdered[addr] = other.ModelPerAddressOrdered[addr]
			s.RawReadValues[addr] = other.RawReadValues[addr]
			s.ReadCursor[addr] = 0

			logger.Debug("peripheral: no local data for address, copying merged state verbatim",
				log.Any("addr", addr))

			continue
		}

		s.mergeAddress(addr, otherBuckets, other, logger)
	}
}

func (s *State) mergeAddress(addr uint32, otherBuckets [][]trace.Record, other *State, logger *log.Logger) {
	seed := s.entrySeed(addr)
	otherSeed := other.entrySeed(addr)

	ownOrdered := s.ModelPerAddressOrdered[addr]
	otherOrdered := other.ModelPerAddressOrdered[addr]
	ownBuckets := s.Reads[addr]

	for k, otherModel := range otherOrdered {
		ownModel, have := ownOrdered[k]
		if !have {
			ownOrdered[k] = otherModel
			continue
		}

		var ownReads, otherReads []trace.Record
		if k < len(ownBuckets) {
			ownReads = ownBuckets[k]
		}

		if k < len(otherBuckets) {
			otherReads = otherBuckets[k]
		}

		ownLog := append(append([]trace.Record{}, seed...), ownReads...)
		otherLog := append(append([]trace.Record{}, otherSeed...), otherReads...)

		if merged, ok := regmodel.MergeOrRetrain(ownModel, otherModel, ownLog, otherLog, logger); ok {
			ownOrdered[k] = merged
		} else {
			logger.Warn("peripheral: ordered model merge and retrain both failed, keeping local model",
				log.Any("addr", addr), log.Any("index", k))
		}
	}

	ownAggLog := append(append([]trace.Record{}, seed...), flattenAll(ownBuckets)...)
	otherAggLog := append(append([]trace.Record{}, otherSeed...), flattenAll(otherBuckets)...)

	if merged, ok := regmodel.MergeOrRetrain(s.ModelPerAddress[addr], other.ModelPerAddress[addr], ownAggLog, otherAggLog, logger); ok {
		s.ModelPerAddress[addr] = merged
	} else {
		logger.Warn("peripheral: aggregate model merge and retrain both failed, keeping local model", log.Any("addr", addr))
	}

	s.Reads[addr] = appendBuckets(ownBuckets, otherBuckets)
	s.RawReadValues[addr] = append(s.RawReadValues[addr], other.RawReadValues[addr]...)
}

func flattenAll(buckets [][]trace.Record) []trace.Record {
	var out []trace.Record

	for _, b := range buckets {
		out = append(out, b...)
	}

	return out
}

func appendBuckets(dst, src [][]trace.Record) [][]trace.Record {
	for i, b := range src {
		for len(dst) <= i {
			dst = append(dst, nil)
		}

		dst[i] = append(dst[i], b...)
	}

	return dst
}

// pickRandom returns an arbitrary state from states, used when a write
// hits a known address with a never-before-seen value.
func pickRandom(states map[uint32]*State, rng *rand.Rand) *State {
	keys := make([]uint32, 0, len(states))
	for k := range states {
		keys = append(keys, k)
	}

	if len(keys) == 0 {
		return nil
	}

	return states[keys[rng.Intn(len(keys))]]
}
