package interrupter

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-pretender/pretender/internal/inference"
	"github.com/go-pretender/pretender/internal/log"
)

func discardLogger() *log.Logger {
	return log.NewFormattedLogger(io.Discard)
}

type fakeEnterer struct {
	mu      sync.Mutex
	entered []uint32
}

func (f *fakeEnterer) Enter(irqNum uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.entered = append(f.entered, irqNum)
}

func (f *fakeEnterer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.entered)
}

type fakeHost struct {
	mu        sync.Mutex
	injected  []uint32
	ignored   []uint32
	running   bool
}

func (f *fakeHost) InjectInterrupt(irqNum uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.injected = append(f.injected, irqNum)
}

func (f *fakeHost) IgnoreInterruptReturn(irqNum uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ignored = append(f.ignored, irqNum)
}

func (f *fakeHost) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.running
}

func (f *fakeHost) injectedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.injected)
}

// TestInterrupterFiresAfterEnable is the spec's scenario 5: once enabled,
// the Interrupter fires on the recorded interval.
func TestInterrupterFiresAfterEnable(t *testing.T) {
	per := &fakeEnterer{}
	host := &fakeHost{running: true}

	i := NewWithLogger(per, 7, inference.Trigger{Addr: 0x1000, Mask: 0x1}, []float64{0.01}, false, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	i.Start(ctx, host)
	i.Enable()

	deadline := time.Now().Add(2 * time.Second)
	for per.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if per.count() == 0 {
		t.Fatalf("Enter: want: at least one call, got: none")
	}

	if host.injectedCount() == 0 {
		t.Errorf("InjectInterrupt: want: at least one call, got: none")
	}
}

// TestInterrupterOneshotFiresOnce is the spec's scenario 6: a one-shot
// Interrupter clears its own gate after a single firing and does not
// refire until re-enabled.
func TestInterrupterOneshotFiresOnce(t *testing.T) {
	per := &fakeEnterer{}
	host := &fakeHost{running: true}

	i := NewWithLogger(per, 3, inference.Trigger{Addr: 0x2000, Mask: 0x1}, []float64{0.005}, true, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	i.Start(ctx, host)
	i.Enable()

	deadline := time.Now().Add(2 * time.Second)
	for per.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if per.count() != 1 {
		t.Fatalf("entered count right after first fire: want: 1, got: %d", per.count())
	}

	// Give the loop a chance to misbehave and fire again if the one-shot
	// gate-clear were broken.
	time.Sleep(50 * time.Millisecond)

	if got := per.count(); got != 1 {
		t.Errorf("entered count after settling: want: 1 (gate cleared), got: %d", got)
	}
}

// TestInterrupterShutdownStopsLoop verifies Shutdown returns promptly while
// the loop is armed and sleeping on a 10 s interval.
func TestInterrupterShutdownStopsLoop(t *testing.T) {
	per := &fakeEnterer{}
	host := &fakeHost{running: true}

	i := NewWithLogger(per, 9, inference.Trigger{Addr: 0x3000, Mask: 0x1}, []float64{10}, false, discardLogger())

	i.Start(context.Background(), host)
	i.Enable()

	done := make(chan struct{})

	go func() {
		i.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Shutdown: want: to return promptly, got: timeout")
	}
}

// TestInterrupterDeferFiresWhenHostNotRunning verifies a disabled host
// does not suppress the gate, it merely postpones firing.
func TestInterrupterDeferFiresWhenHostNotRunning(t *testing.T) {
	per := &fakeEnterer{}
	host := &fakeHost{running: false}

	i := NewWithLogger(per, 1, inference.Trigger{Addr: 0x4000, Mask: 0x1}, []float64{0.005}, false, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	i.Start(ctx, host)
	i.Enable()

	time.Sleep(50 * time.Millisecond)

	if per.count() != 0 {
		t.Fatalf("entered count while host stopped: want: 0, got: %d", per.count())
	}

	host.mu.Lock()
	host.running = true
	host.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for per.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if per.count() == 0 {
		t.Errorf("entered count after host resumed running: want: >0, got: 0")
	}
}
