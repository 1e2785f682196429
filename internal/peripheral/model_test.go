package peripheral

import (
	"context"
	"testing"

	"github.com/go-pretender/pretender/internal/inference"
	"github.com/go-pretender/pretender/internal/trace"
)

func TestTrainStorageRoundTrip(t *testing.T) {
	m := New([]uint32{0x40004400})

	m.Train([]trace.Record{
		{Kind: trace.WRITE, Addr: 0x40004400, Value: 0x55, Timestamp: 0},
		{Kind: trace.READ, Addr: 0x40004400, Value: 0x55, Timestamp: 0.001},
		{Kind: trace.WRITE, Addr: 0x40004400, Value: 0xAA, Timestamp: 0.002},
		{Kind: trace.READ, Addr: 0x40004400, Value: 0xAA, Timestamp: 0.003},
	})

	if !m.Write(0x40004400, 0x77) {
		t.Fatal("Write: want true for trained address")
	}

	if got := m.Read(0x40004400, 0); got != 0x77 {
		t.Errorf("Read after write(0x77): want 0x77, got %#x", got)
	}
}

func TestTrainPatternRegister(t *testing.T) {
	m := New([]uint32{0x40001000})

	var records []trace.Record

	vals := []uint32{1, 2, 3, 1, 2, 3, 1, 2, 3}
	for i, v := range vals {
		records = append(records, trace.Record{Kind: trace.READ, Addr: 0x40001000, Value: v, Timestamp: float64(i) * 0.01})
	}

	m.Train(records)

	want := []uint32{1, 2, 3, 1, 2}
	for i, w := range want {
		if got := m.Read(0x40001000, 0); got != w {
			t.Errorf("Read[%d]: want %d, got %d", i, w, got)
		}
	}
}

func TestWriteUnknownAddressReturnsFalse(t *testing.T) {
	m := New([]uint32{0x40004400})
	m.Train([]trace.Record{
		{Kind: trace.WRITE, Addr: 0x40004400, Value: 1, Timestamp: 0},
	})

	if m.Write(0x50000000, 1) {
		t.Error("Write: want false for never-trained address")
	}
}

func TestResetReturnsToStartState(t *testing.T) {
	m := New([]uint32{0x40004400})
	m.Train([]trace.Record{
		{Kind: trace.WRITE, Addr: 0x40004400, Value: 0x55, Timestamp: 0},
		{Kind: trace.READ, Addr: 0x40004400, Value: 0x55, Timestamp: 0.001},
	})

	m.Write(0x40004400, 0x55)

	if m.Current == m.Start {
		t.Fatal("precondition: expected a state transition away from start")
	}

	m.Reset()

	if m.Current != m.Start {
		t.Error("Reset: want Current == Start")
	}
}

func TestMergeRejectsSupersetAddresses(t *testing.T) {
	a := New([]uint32{0x40004400})
	b := New([]uint32{0x40004400, 0x40004404})

	if a.Merge(b) {
		t.Error("Merge: want false when other has addresses a does not own")
	}
}

func TestMergeAcceptsSubsetAddresses(t *testing.T) {
	a := New([]uint32{0x40004400, 0x40004404})
	a.Train([]trace.Record{
		{Kind: trace.WRITE, Addr: 0x40004400, Value: 1, Timestamp: 0},
		{Kind: trace.READ, Addr: 0x40004400, Value: 1, Timestamp: 0.001},
	})

	b := New([]uint32{0x40004400})
	b.Train([]trace.Record{
		{Kind: trace.WRITE, Addr: 0x40004400, Value: 1, Timestamp: 0},
		{Kind: trace.READ, Addr: 0x40004400, Value: 9, Timestamp: 0.001},
		{Kind: trace.READ, Addr: 0x40004400, Value: 9, Timestamp: 0.002},
	})

	if !a.Merge(b) {
		t.Fatal("Merge: want true")
	}
}

func TestSendInterruptsToSkipsPeripheralsWithoutIRQ(t *testing.T) {
	m := New([]uint32{0x40004400})
	m.Train(nil)

	// No IRQ metadata set; SendInterruptsTo must be a no-op and must not
	// panic for lack of a host.
	m.SendInterruptsTo(nil, nil) //nolint:staticcheck

	if m.Interrupter != nil {
		t.Error("Interrupter: want nil when peripheral has no IRQ metadata")
	}
}

type fakeHost struct{}

func (fakeHost) InjectInterrupt(uint32)       {}
func (fakeHost) IgnoreInterruptReturn(uint32) {}
func (fakeHost) Running() bool                { return true }

func TestSetIRQAttachesMetadata(t *testing.T) {
	m := New([]uint32{0x40020010})
	m.Train([]trace.Record{
		{Kind: trace.WRITE, Addr: 0x40020010, Value: 1, Timestamp: 0},
	})

	m.SetIRQ(28, inference.Trigger{Addr: 0x40020010, Mask: 1}, []float64{0.1, 0.1}, false)

	if m.IRQNum == nil || *m.IRQNum != 28 {
		t.Fatalf("IRQNum: want 28, got %v", m.IRQNum)
	}

	m.SendInterruptsTo(context.Background(), fakeHost{})
	defer m.Shutdown()

	if m.Interrupter == nil {
		t.Fatal("Interrupter: want non-nil once SendInterruptsTo has run")
	}
}

func TestCollapseExpandRoundTrip(t *testing.T) {
	m := New([]uint32{0x40001000})
	m.Train([]trace.Record{
		{Kind: trace.READ, Addr: 0x40001000, Value: 1, Timestamp: 0},
		{Kind: trace.READ, Addr: 0x40001000, Value: 2, Timestamp: 0.001},
	})

	m.Collapse()

	if !m.Start.IsCollapsed {
		t.Error("Collapse: want start state collapsed")
	}

	m.Expand()

	if m.Start.IsCollapsed {
		t.Error("Expand: want start state expanded")
	}
}
