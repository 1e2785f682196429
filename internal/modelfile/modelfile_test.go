package modelfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"github.com/go-pretender/pretender/internal/trace"
	"github.com/go-pretender/pretender/internal/train"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	records := []trace.Record{
		{Kind: trace.WRITE, Addr: 0x40004400, Value: 0x55, Timestamp: 0},
		{Kind: trace.READ, Addr: 0x40004400, Value: 0x55, Timestamp: 0.001},
		{Kind: trace.WRITE, Addr: 0x40004400, Value: 0xAA, Timestamp: 0.002},
		{Kind: trace.READ, Addr: 0x40004400, Value: 0xAA, Timestamp: 0.003},
		{Kind: trace.WRITE, Addr: 0x40020010, Value: 0x01, Timestamp: 0},
		{Kind: trace.ENTER, Addr: 28, Timestamp: 0.1},
		{Kind: trace.READ, Addr: 0x40020010, Value: 0x01, Timestamp: 0.1001},
		{Kind: trace.EXIT, Addr: 28, Timestamp: 0.101},
		{Kind: trace.ENTER, Addr: 28, Timestamp: 0.2},
		{Kind: trace.READ, Addr: 0x40020010, Value: 0x01, Timestamp: 0.2001},
		{Kind: trace.EXIT, Addr: 28, Timestamp: 0.201},
		{Kind: trace.WRITE, Addr: 0x40020010, Value: 0x00, Timestamp: 0.3},
	}

	result, err := train.Train(records)
	if err != nil {
		t.Fatalf("train.Train: %v", err)
	}

	path := filepath.Join(t.TempDir(), "model.cbor")

	if err := Save(path, result.Models); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(loaded) != len(result.Models) {
		t.Fatalf("Load: want %d peripherals, got %d", len(result.Models), len(loaded))
	}

	var found bool

	for _, m := range loaded {
		if m.IRQNum != nil && *m.IRQNum == 28 {
			found = true

			if m.Trigger.Addr != 0x40020010 || m.Trigger.Mask != 0x01 {
				t.Errorf("Trigger: want (0x40020010, 0x01), got (%#x, %#x)", m.Trigger.Addr, m.Trigger.Mask)
			}

			if len(m.Timings) != 2 {
				t.Errorf("Timings: want 2 entries, got %d", len(m.Timings))
			}
		}
	}

	if !found {
		t.Error("Load: want a peripheral carrying IRQ 28")
	}

	for _, m := range loaded {
		if m.Write(0x40004400, 0x77) {
			if got := m.Read(0x40004400, 0); got != 0x77 {
				t.Errorf("Read after write(0x77): want 0x77, got %#x", got)
			}

			break
		}
	}
}

func TestLoadRejectsCorruptedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.cbor")

	if err := os.WriteFile(path, []byte("not a model file"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("Load: want error for corrupted file, got nil")
	}
}

func TestLoadRejectsUnsupportedVersion(t *testing.T) {
	env := envelope{Magic: Magic, Version: Version + 1}

	body, err := cbor.Marshal(env)
	if err != nil {
		t.Fatalf("cbor.Marshal: %v", err)
	}

	path := filepath.Join(t.TempDir(), "futuristic.cbor")

	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err = Load(path)
	if err == nil {
		t.Fatal("Load: want error for unsupported version, got nil")
	}

	var verErr *ErrUnsupportedVersion
	if !errors.As(err, &verErr) {
		t.Errorf("Load: want *ErrUnsupportedVersion, got %T: %v", err, err)
	}
}
