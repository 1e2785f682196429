package gateway

import (
	"io"
	"testing"

	"github.com/go-pretender/pretender/internal/log"
	"github.com/go-pretender/pretender/internal/peripheral"
	"github.com/go-pretender/pretender/internal/trace"
)

func discardLogger() *log.Logger {
	return log.NewFormattedLogger(io.Discard)
}

// TestReadFallsBackToLazyStorage is the spec's uncovered-address case:
// an address outside every cluster gets a Storage(0) model on first
// touch and behaves like ordinary storage afterward.
func TestReadFallsBackToLazyStorage(t *testing.T) {
	g := NewWithLogger(nil, discardLogger())

	if got := g.Read(0x50000000, 4); got != 0 {
		t.Fatalf("Read of uncovered address before any write: want: 0, got: %#x", got)
	}

	if !g.Write(0x50000000, 4, 0x42) {
		t.Fatalf("Write to uncovered address: want: true, got: false")
	}

	if got := g.Read(0x50000000, 4); got != 0x42 {
		t.Errorf("Read after Write(0x42): want: 0x42, got: %#x", got)
	}
}

// TestReadRoutesToPeripheralModel is the spec's scenario 1 replayed
// through the gateway rather than directly against the model.
func TestReadRoutesToPeripheralModel(t *testing.T) {
	records := []trace.Record{
		{Kind: trace.WRITE, Addr: 0x40004400, Value: 0x55, Timestamp: 0},
		{Kind: trace.READ, Addr: 0x40004400, Value: 0x55, Timestamp: 0.01},
		{Kind: trace.WRITE, Addr: 0x40004400, Value: 0xAA, Timestamp: 0.02},
		{Kind: trace.READ, Addr: 0x40004400, Value: 0xAA, Timestamp: 0.03},
	}

	m := peripheral.NewWithLogger([]uint32{0x40004400}, discardLogger())
	m.Train(records)

	g := NewWithLogger([]*peripheral.Model{m}, discardLogger())

	if !g.Write(0x40004400, 4, 0x77) {
		t.Fatalf("Write: want: true, got: false")
	}

	if got := g.Read(0x40004400, 4); got != 0x77 {
		t.Errorf("Read after Write(0x77): want: 0x77, got: %#x", got)
	}
}

type panickyPort struct{}

func (panickyPort) Read(addr uint32) uint32          { panic("boom") }
func (panickyPort) Write(addr uint32, value uint32) bool { panic("boom") }

// TestReadWriteNeverPanicOnModelFailure is the spec's §7 runtime model
// exception guarantee: a panicking model must never escape to the
// caller, on either a read or a write.
func TestReadWriteNeverPanicOnModelFailure(t *testing.T) {
	g := NewWithLogger(nil, discardLogger())
	g.RegisterSerialPort(0x40004000, 4, panickyPort{})

	if got := g.Read(0x40004000, 4); got != 0 {
		t.Errorf("Read from panicking port: want: 0 (coerced), got: %#x", got)
	}

	if ok := g.Write(0x40004000, 4, 1); !ok {
		t.Errorf("Write to panicking port: want: true (coerced), got: false")
	}
}

type fakeSerial struct {
	lastWritten uint32
}

func (f *fakeSerial) Read(addr uint32) uint32 { return 0xCC }

func (f *fakeSerial) Write(addr uint32, value uint32) bool {
	f.lastWritten = value
	return true
}

// TestSerialPortOverridesPeripheralModel verifies a registered serial
// port address is dispatched to the adapter rather than any peripheral
// model or lazy storage that would otherwise claim it.
func TestSerialPortOverridesPeripheralModel(t *testing.T) {
	port := &fakeSerial{}

	g := NewWithLogger(nil, discardLogger())
	g.RegisterSerialPort(0x40004400, 8, port)

	if got := g.Read(0x40004400, 4); got != 0xCC {
		t.Fatalf("Read via serial port: want: 0xCC, got: %#x", got)
	}

	g.Write(0x40004404, 4, 0x99)

	if port.lastWritten != 0x99 {
		t.Errorf("serial port Write: want: last written 0x99, got: %#x", port.lastWritten)
	}
}
