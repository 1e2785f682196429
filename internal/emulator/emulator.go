// Package emulator defines the narrow interfaces this system consumes
// from and exposes to its external collaborator: the CPU, memory bus, and
// interrupt controller of the emulator itself (§1's "invoked only through
// narrow interfaces"). None of that collaborator's instruction set,
// assembler, or board-power-cycling glue lives here.
//
// It also provides Stub, a minimal control-register-gated interrupt
// controller grounded on the teacher's vm.LC3 RUNNING state (the
// MCR/PSR-flag check in internal/vm/vm.go) and interrupt descriptor table
// (internal/vm/intr.go), so the replay CLI subcommand can
// exercise the peripheral engine end-to-end without a real emulator
// attached.
package emulator

import (
	"sync"
	"sync/atomic"

	"github.com/go-pretender/pretender/internal/gateway"
)

// MMIO is the surface of the emulator's memory bus this system drives:
// every CPU load/store to an address in the MMIO region is routed here.
// gateway.Gateway implements it.
type MMIO interface {
	Read(addr, size uint32) uint32
	Write(addr, size, value uint32) bool
}

// Bus wires a gateway.Gateway onto a fixed MMIO address window, the
// counterpart of the teacher's MMIO controller (internal/vm/io.go)
// dispatching by address range rather than by exact address.
type Bus struct {
	base, size uint32
	mmio       MMIO
}

// NewBus creates a Bus serving [base, base+size) from mmio.
func NewBus(base, size uint32, mmio MMIO) *Bus {
	return &Bus{base: base, size: size, mmio: mmio}
}

// Owns reports whether addr falls within this bus's window.
func (b *Bus) Owns(addr uint32) bool {
	return addr >= b.base && addr < b.base+b.size
}

// Read and Write delegate to the wrapped MMIO surface.
func (b *Bus) Read(addr, size uint32) uint32        { return b.mmio.Read(addr, size) }
func (b *Bus) Write(addr, size, value uint32) bool   { return b.mmio.Write(addr, size, value) }

// Stub is a minimal interrupt controller and run-state host satisfying
// interrupter.Host, for driving the replay engine without a real
// emulator. It tracks a RUNNING flag the same way the teacher's MCR
// control register does (bit set = running) and a vector table entry per
// IRQ recording whether its automatic EXIT accounting was suppressed.
type Stub struct {
	running atomic.Bool

	mu        sync.Mutex
	injected  map[uint32]int
	ignoreRet map[uint32]bool
}

// NewStub creates a Stub that starts in the RUNNING state, mirroring the
// teacher's cpu.New default of setting the MCR run flag immediately.
func NewStub() *Stub {
	s := &Stub{injected: map[uint32]int{}, ignoreRet: map[uint32]bool{}}
	s.running.Store(true)

	return s
}

// InjectInterrupt records one firing of irqNum. A real emulator would
// instead raise the interrupt line for its controller to pick up on the
// next instruction boundary.
func (s *Stub) InjectInterrupt(irqNum uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.injected[irqNum]++
}

// IgnoreInterruptReturn records that irqNum's automatic EXIT accounting
// is suppressed -- the Interrupter calls this once per IRQ before its
// first fire, since this system's own replay path, not the interrupt
// controller, is what advances the peripheral's ENTER/EXIT cursor.
func (s *Stub) IgnoreInterruptReturn(irqNum uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ignoreRet[irqNum] = true
}

// Running reports the current RUNNING/stopped state.
func (s *Stub) Running() bool {
	return s.running.Load()
}

// Stop clears the RUNNING flag, the stub analog of clearing the MCR run
// bit to halt the CPU.
func (s *Stub) Stop() {
	s.running.Store(false)
}

// Start sets the RUNNING flag.
func (s *Stub) Start() {
	s.running.Store(true)
}

// InjectedCount returns how many times irqNum has been injected, for
// tests.
func (s *Stub) InjectedCount(irqNum uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.injected[irqNum]
}

var _ MMIO = (*gateway.Gateway)(nil)
