package peripheral

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/go-pretender/pretender/internal/inference"
	"github.com/go-pretender/pretender/internal/interrupter"
	"github.com/go-pretender/pretender/internal/log"
	"github.com/go-pretender/pretender/internal/trace"
)

// Enterer is the narrow capability an owned Interrupter needs back into
// its peripheral: advance the state cursor for an interrupt firing. It is
// deliberately smaller than *Model -- per the design notes on cyclic
// references, the Interrupter depends on this capability, not on the
// peripheral's full surface, and the peripheral is the one holding the
// Interrupter, never the reverse.
type Enterer interface {
	Enter(irqNum uint32)
}

// Model is one peripheral's behavioral state machine: the address set it
// owns, the graph of states a WRITE can transition into, and -- if
// inference attributed an interrupt to this peripheral's cluster -- the
// Interrupter that fires it. Grounded on the reference implementation's
// PeripheralModel.
type Model struct {
	Addresses []uint32

	Start   *State
	Current *State
	States  map[StateKey]*State

	// IRQ metadata, set by SetIRQ when inference attributes an interrupt
	// to this peripheral's cluster. IRQNum is nil when this peripheral has
	// no associated interrupt.
	IRQNum  *uint32
	Trigger inference.Trigger
	Timings []float64
	Oneshot bool

	// Interrupter is built lazily by SendInterruptsTo, mirroring the
	// original's build_interrupter backward-compatibility path for model
	// files saved before interrupters existed.
	Interrupter InterrupterHandle

	addressSet map[uint32]struct{}
	byAddr     map[uint32]map[uint32]*State

	mu     sync.Mutex
	rng    *rand.Rand
	logger *log.Logger
}

// InterrupterHandle is the capability Model needs from its owned
// Interrupter: a gate to raise or lower on trigger writes, and a shutdown
// call for teardown. internal/interrupter.Interrupter implements it;
// tests can substitute a fake.
type InterrupterHandle interface {
	Enable()
	Disable()
	Shutdown()
}

// New creates an untrained Model over addresses.
func New(addresses []uint32) *Model {
	return NewWithLogger(addresses, log.DefaultLogger())
}

// NewWithLogger is New with an explicit logger.
func NewWithLogger(addresses []uint32, logger *log.Logger) *Model {
	start := newState(StateKey{}, true)

	addrSet := make(map[uint32]struct{}, len(addresses))
	for _, a := range addresses {
		addrSet[a] = struct{}{}
	}

	m := &Model{
		Addresses:  addresses,
		Start:      start,
		Current:    start,
		States:     map[StateKey]*State{},
		addressSet: addrSet,
		byAddr:     map[uint32]map[uint32]*State{},
		rng:        rand.New(rand.NewSource(1)), //nolint:gosec
		logger:     logger,
	}

	return m
}

// Restore reconstructs a trained Model from a persisted model file's
// states, rather than from a Train call over a raw trace. start and
// states must already be collapsed (see [RestoreState]); irqNum is nil
// for a peripheral with no associated interrupt.
func Restore(addresses []uint32, start *State, states map[StateKey]*State, irqNum *uint32, trig inference.Trigger, timings []float64, oneshot bool) *Model {
	return RestoreWithLogger(addresses, start, states, irqNum, trig, timings, oneshot, log.DefaultLogger())
}

// RestoreWithLogger is Restore with an explicit logger.
func RestoreWithLogger(addresses []uint32, start *State, states map[StateKey]*State, irqNum *uint32, trig inference.Trigger, timings []float64, oneshot bool, logger *log.Logger) *Model {
	m := NewWithLogger(addresses, logger)
	m.Start = start
	m.Current = start
	m.States = states

	for _, s := range states {
		m.indexState(s)
	}

	if irqNum != nil {
		m.SetIRQ(*irqNum, trig, timings, oneshot)
	}

	return m
}

func (m *Model) String() string {
	return fmt.Sprintf("<Model addrs=%v states=%d current=%s>", m.Addresses, len(m.States), m.Current)
}

// SetIRQ attaches the interrupt metadata inference discovered for this
// peripheral's cluster. It must be called before SendInterruptsTo.
func (m *Model) SetIRQ(irqNum uint32, trig inference.Trigger, timings []float64, oneshot bool) {
	m.IRQNum = &irqNum
	m.Trigger = trig
	m.Timings = timings
	m.Oneshot = oneshot
}

// starter is the subset of *interrupter.Interrupter's surface
// SendInterruptsTo needs. It exists so InterrupterHandle -- the field
// type other code sees -- stays narrow to Enable/Disable/Shutdown, while
// SendInterruptsTo can still reach Start on the concrete type it built.
type starter interface {
	Start(ctx context.Context, host interrupter.Host)
}

// SendInterruptsTo binds this peripheral's Interrupter to host and starts
// its firing loop, building the Interrupter lazily first if this model
// has IRQ metadata but no Interrupter yet -- the backward-compatibility
// path for model files saved before interrupters existed, or loaded
// fresh after training. A peripheral with no IRQ metadata is a no-op.
func (m *Model) SendInterruptsTo(ctx context.Context, host interrupter.Host) {
	m.mu.Lock()

	if m.IRQNum == nil {
		m.mu.Unlock()
		return
	}

	if m.Interrupter == nil {
		m.Interrupter = interrupter.NewWithLogger(m, *m.IRQNum, m.Trigger, m.Timings, m.Oneshot, m.logger)
	}

	handle := m.Interrupter
	m.mu.Unlock()

	if s, ok := handle.(starter); ok {
		s.Start(ctx, host)
	}
}

// Train builds the state graph and fits every register model from a
// trace, then returns to the start state with every read cursor zeroed.
// Only READ and WRITE records whose address belongs to this peripheral
// are consumed; everything else is ignored, since clustering has already
// partitioned the trace by peripheral.
func (m *Model) Train(records []trace.Record) {
	cur := m.Start
	cur.resetVisit()

	for _, r := range records {
		switch r.Kind {
		case trace.WRITE:
			if _, ok := m.addressSet[r.Addr]; !ok {
				continue
			}

			cur = m.transitionForTrain(r)
		case trace.READ:
			if _, ok := m.addressSet[r.Addr]; !ok {
				continue
			}

			cur.appendRead(r.Addr, r)
		}
	}

	m.Start.trainModels(m.logger)

	for _, s := range m.States {
		s.trainModels(m.logger)
	}

	m.Reset()
}

func (m *Model) transitionForTrain(r trace.Record) *State {
	key := StateKey{Addr: r.Addr, Value: r.Value}

	next, existed := m.States[key]
	if !existed {
		next = newState(key, false)
		next.FirstEntryTimestamp = r.Timestamp
		m.States[key] = next
		m.indexState(next)
	}

	next.resetVisit()

	return next
}

func (m *Model) indexState(s *State) {
	byValue, ok := m.byAddr[s.Key.Addr]
	if !ok {
		byValue = map[uint32]*State{}
		m.byAddr[s.Key.Addr] = byValue
	}

	byValue[s.Key.Value] = s
}

// Read answers a replay read of addr from the current state. If the
// current state never observed addr, the miss is logged at debug level and
// the current state still answers (0 when it has no model for addr); no
// other state is searched for a model to borrow.
func (m *Model) Read(addr uint32, now float64) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.Current.observed(addr) {
		m.logger.Debug("peripheral: read of address unseen in current state", log.Any("addr", addr))
	}

	return m.Current.Read(addr, now)
}

// Write absorbs a replay write: transitions the current state per the
// observed (addr, value) WRITE graph, forwards the raw write to the
// resulting state's model, and updates the Interrupter's trigger gate.
// It returns false when no training WRITE targeted addr (including an
// address that was only ever read), so the caller (the MMIO gateway) can
// fall back to plain storage.
func (m *Model) Write(addr, value uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ok := m.transition(addr, value)
	if ok {
		m.Current.Write(addr, value)
	}

	m.updateTrigger(addr, value)

	return ok
}

func (m *Model) transition(addr, value uint32) bool {
	byValue, known := m.byAddr[addr]
	if !known {
		return false
	}

	if target, hit := byValue[value]; hit {
		m.Current = target
		return true
	}

	m.logger.Info("peripheral: write with unseen value for known address, picking arbitrary known state",
		log.Any("addr", addr), log.Any("value", value))

	target := pickRandom(byValue, m.rng)
	if target == nil {
		return false
	}

	m.Current = target

	return true
}

func (m *Model) updateTrigger(addr, value uint32) {
	if m.Interrupter == nil || m.IRQNum == nil {
		return
	}

	if addr != m.Trigger.Addr {
		return
	}

	if value&m.Trigger.Mask == m.Trigger.Mask {
		m.Interrupter.Enable()
	} else {
		m.Interrupter.Disable()
	}
}

// Enter advances this peripheral's notion of interrupt activity. It
// satisfies Enterer for the owned Interrupter's callback; the reference
// implementation's equivalent is commented out pending an "interrupt"
// operation on the state graph, which this system does not otherwise
// model since ENTER/EXIT pairs are handled wholesale by the inference
// package, not by peripheral replay.
func (m *Model) Enter(irqNum uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Info("peripheral: interrupt entered", log.Any("irq", irqNum))
}

// Reset returns the peripheral to its start state and zeroes every
// state's read cursors. It does not tear down the Interrupter.
func (m *Model) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Current = m.Start
	m.Start.resetVisit()

	for _, s := range m.States {
		s.resetVisit()
	}
}

// Shutdown tears down the owned Interrupter, if any. It must be called
// before the peripheral is discarded so the Interrupter's goroutine does
// not leak.
func (m *Model) Shutdown() {
	m.mu.Lock()
	interrupter := m.Interrupter
	m.mu.Unlock()

	if interrupter != nil {
		interrupter.Shutdown()
	}
}

// Collapse switches every state to its time-aggregated model, discarding
// read-index granularity -- the representation a model file persists,
// since read-index granularity is a training-time artifact.
func (m *Model) Collapse() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Start.collapse()

	for _, s := range m.States {
		s.collapse()
	}
}

// Expand reverses Collapse.
func (m *Model) Expand() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Start.expand()

	for _, s := range m.States {
		s.expand()
	}
}

// Merge unions other into m, provided other's address set is a subset of
// m's. Shared states merge their per-address models; states m has never
// seen are copied verbatim. Interrupt metadata is kept from whichever
// side already has it.
func (m *Model) Merge(other *Model) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range other.Addresses {
		if _, ok := m.addressSet[a]; !ok {
			return false
		}
	}

	if m.IRQNum == nil {
		m.IRQNum = other.IRQNum
		m.Trigger = other.Trigger
		m.Timings = other.Timings
		m.Oneshot = other.Oneshot
	}

	m.Start.merge(other.Start, m.logger)

	for key, os := range other.States {
		if s, ok := m.States[key]; ok {
			s.merge(os, m.logger)
			continue
		}

		m.States[key] = os
		m.indexState(os)
	}

	return true
}
