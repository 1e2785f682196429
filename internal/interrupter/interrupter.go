// Package interrupter implements the cooperating per-IRQ task (C6) that
// fires interrupts into the emulator's interrupt controller at recorded
// inter-fire intervals while its trigger gate is enabled.
//
// Grounded on the reference implementation's Interrupter
// (pretender/interrupts.py), a Thread gated by an Event and stopped by a
// shutdown Event; this package uses a goroutine gated by a sync.Cond and
// stopped by a context.CancelFunc, following the teacher's
// WithDisplayDriver-style "constructor returns a context and cancel
// function" idiom (internal/vm/disp.go) instead of the original's thread
// Events.
package interrupter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-pretender/pretender/internal/inference"
	"github.com/go-pretender/pretender/internal/log"
)

// Enterer is the narrow, weak handle an Interrupter holds back into its
// owning peripheral: just enough to advance its replay cursor on firing,
// never the peripheral's full read/write surface. This is the supervision
// relation described in the design notes -- the peripheral owns the
// Interrupter outright; the Interrupter only calls back through this.
type Enterer interface {
	Enter(irqNum uint32)
}

// Host is the slice of the emulator's interrupt protocol an Interrupter
// needs: inject an interrupt, suppress the controller's automatic EXIT
// accounting for it, and report whether the CPU is actually running.
type Host interface {
	InjectInterrupt(irqNum uint32)
	IgnoreInterruptReturn(irqNum uint32)
	Running() bool
}

// Interrupter fires irqNum into its bound Host at the recorded
// inter-fire timings while its gate is enabled, notifying the owning
// peripheral on every fire so it can advance its own replay state.
type Interrupter struct {
	peripheral Enterer
	irqNum     uint32
	trigger    inference.Trigger
	timings    []float64
	oneshot    bool
	logger     *log.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	enabled bool
	started bool
	host    Host
	cancel  context.CancelFunc
}

// New creates an Interrupter for irqNum, armed by writes matching trigger
// and firing at timings (which must be non-empty) once started.
func New(peripheral Enterer, irqNum uint32, trigger inference.Trigger, timings []float64, oneshot bool) *Interrupter {
	return NewWithLogger(peripheral, irqNum, trigger, timings, oneshot, log.DefaultLogger())
}

// NewWithLogger is New with an explicit logger.
func NewWithLogger(peripheral Enterer, irqNum uint32, trigger inference.Trigger, timings []float64, oneshot bool, logger *log.Logger) *Interrupter {
	i := &Interrupter{
		peripheral: peripheral,
		irqNum:     irqNum,
		trigger:    trigger,
		timings:    timings,
		oneshot:    oneshot,
		logger:     logger,
	}
	i.cond = sync.NewCond(&i.mu)

	return i
}

func (i *Interrupter) String() string {
	return fmt.Sprintf("<Interrupter irq=%d trigger=%#08x/%#08x oneshot=%v>", i.irqNum, i.trigger.Addr, i.trigger.Mask, i.oneshot)
}

// Trigger returns the (address, bitmask) pair that arms this interrupt,
// for the owning peripheral to compare writes against.
func (i *Interrupter) Trigger() inference.Trigger { return i.trigger }

// Enable raises the gate, waking the firing loop if it is waiting.
// Called by the owning peripheral after a WRITE whose value has every
// trigger bit set.
func (i *Interrupter) Enable() {
	i.mu.Lock()
	i.enabled = true
	i.cond.Broadcast()
	i.mu.Unlock()
}

// Disable lowers the gate. Called after a WRITE to the trigger address
// that clears a trigger bit.
func (i *Interrupter) Disable() {
	i.mu.Lock()
	i.enabled = false
	i.mu.Unlock()
}

// Started reports whether Start has been called. Idempotent starts are
// required by send_interrupts_to's "start at most once" semantics.
func (i *Interrupter) Started() bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.started
}

// Start binds host and launches the firing loop under ctx. It is a no-op
// if already started.
func (i *Interrupter) Start(ctx context.Context, host Host) {
	i.mu.Lock()

	if i.started {
		i.mu.Unlock()
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	i.started = true
	i.host = host
	i.cancel = cancel
	i.mu.Unlock()

	go i.watchCancel(runCtx)
	go i.run(runCtx)
}

// Shutdown stops the firing loop within one loop iteration plus the
// current sleep, per §5's cancellation guarantee. Shutdown does not
// un-start the Interrupter; it is not restartable.
func (i *Interrupter) Shutdown() {
	i.mu.Lock()
	cancel := i.cancel
	i.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// watchCancel wakes the condition variable once ctx is cancelled so the
// firing loop's wait does not block shutdown forever.
func (i *Interrupter) watchCancel(ctx context.Context) {
	<-ctx.Done()

	i.mu.Lock()
	i.cond.Broadcast()
	i.mu.Unlock()
}

func (i *Interrupter) run(ctx context.Context) {
	idx := 0
	ignoredReturns := false

	for {
		if !i.waitArmed(ctx) {
			return
		}

		interval := i.timings[idx%len(i.timings)]

		if !sleepContext(ctx, timeDuration(interval)) {
			return
		}

		i.mu.Lock()
		stillEnabled := i.enabled
		i.mu.Unlock()

		if !stillEnabled {
			continue
		}

		if !i.host.Running() {
			i.logger.Debug("interrupter: host not running, deferring fire", log.Any("irq", i.irqNum))
			continue
		}

		if !ignoredReturns {
			i.host.IgnoreInterruptReturn(i.irqNum)
			ignoredReturns = true
		}

		i.logger.Info("interrupter: firing", log.Any("irq", i.irqNum), log.Any("interval", interval))
		i.host.InjectInterrupt(i.irqNum)
		i.peripheral.Enter(i.irqNum)

		idx++

		if i.oneshot {
			i.mu.Lock()
			i.enabled = false
			i.mu.Unlock()

			i.logger.Info("interrupter: one-shot IRQ fired, gate cleared", log.Any("irq", i.irqNum))
		}
	}
}

// waitArmed blocks until the gate is enabled or ctx is cancelled.
func (i *Interrupter) waitArmed(ctx context.Context) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	for !i.enabled {
		if ctx.Err() != nil {
			return false
		}

		i.cond.Wait()
	}

	return ctx.Err() == nil
}

// sleepContext sleeps for d or returns false early if ctx is cancelled.
func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func timeDuration(seconds float64) time.Duration {
	if seconds < 0 {
		seconds = 0
	}

	return time.Duration(seconds * float64(time.Second))
}
