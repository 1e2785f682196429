package emulator

import "testing"

type fakeMMIO struct {
	lastAddr uint32
	acceptWr bool
}

func (f *fakeMMIO) Read(addr, size uint32) uint32 {
	f.lastAddr = addr
	return 0x42
}

func (f *fakeMMIO) Write(addr, size, value uint32) bool {
	f.lastAddr = addr
	return f.acceptWr
}

func TestBusOwns(t *testing.T) {
	b := NewBus(0x40000000, 0x1000, &fakeMMIO{})

	if !b.Owns(0x40000000) {
		t.Error("Owns: want true at base")
	}

	if b.Owns(0x40001000) {
		t.Error("Owns: want false at base+size")
	}

	if b.Owns(0x3fffffff) {
		t.Error("Owns: want false below base")
	}
}

func TestBusDelegates(t *testing.T) {
	f := &fakeMMIO{acceptWr: true}
	b := NewBus(0x40000000, 0x1000, f)

	if got := b.Read(0x40000004, 4); got != 0x42 {
		t.Errorf("Read: want 0x42, got %#x", got)
	}

	if f.lastAddr != 0x40000004 {
		t.Errorf("Read: want delegated addr 0x40000004, got %#x", f.lastAddr)
	}

	if ok := b.Write(0x40000008, 4, 0xff); !ok {
		t.Error("Write: want true")
	}
}

func TestStubRunningDefaultsTrue(t *testing.T) {
	s := NewStub()

	if !s.Running() {
		t.Error("Running: want true immediately after NewStub")
	}

	s.Stop()

	if s.Running() {
		t.Error("Running: want false after Stop")
	}

	s.Start()

	if !s.Running() {
		t.Error("Running: want true after Start")
	}
}

func TestStubInjectCounts(t *testing.T) {
	s := NewStub()

	s.InjectInterrupt(28)
	s.InjectInterrupt(28)
	s.InjectInterrupt(30)

	if got := s.InjectedCount(28); got != 2 {
		t.Errorf("InjectedCount(28): want 2, got %d", got)
	}

	if got := s.InjectedCount(30); got != 1 {
		t.Errorf("InjectedCount(30): want 1, got %d", got)
	}

	if got := s.InjectedCount(99); got != 0 {
		t.Errorf("InjectedCount(99): want 0, got %d", got)
	}
}

func TestStubIgnoreInterruptReturnIdempotent(t *testing.T) {
	s := NewStub()

	s.IgnoreInterruptReturn(28)
	s.IgnoreInterruptReturn(28)

	if !s.ignoreRet[28] {
		t.Error("ignoreRet[28]: want true")
	}
}
