package serial

import (
	"bufio"
	"bytes"
	"testing"
)

type fakePort struct {
	writes []byte
	reads  *bytes.Buffer
}

func (f *fakePort) Read(p []byte) (int, error)  { return f.reads.Read(p) }
func (f *fakePort) Write(p []byte) (int, error) { f.writes = append(f.writes, p...); return len(p), nil }
func (f *fakePort) Close() error                { return nil }

func newTestPassthrough(reads string) (*Passthrough, *fakePort) {
	fp := &fakePort{reads: bytes.NewBufferString(reads)}

	return &Passthrough{port: fp, rx: bufio.NewReader(fp)}, fp
}

func TestPassthroughStatusAlwaysReady(t *testing.T) {
	p, _ := newTestPassthrough("")

	if got := p.Status(); got != statusTxReady|statusRxReady {
		t.Errorf("Status: want both ready bits set, got %#x", got)
	}
}

func TestPassthroughWriteForwardsLowByte(t *testing.T) {
	p, fp := newTestPassthrough("")

	if ok := p.Write(0, 0x41); !ok {
		t.Fatal("Write: want true")
	}

	if len(fp.writes) != 1 || fp.writes[0] != 0x41 {
		t.Errorf("Write: want forwarded byte 0x41, got %v", fp.writes)
	}
}

func TestPassthroughReadDrainsBufferedBytes(t *testing.T) {
	p, _ := newTestPassthrough("AB")

	if got := p.Read(0); got != 'A' {
		t.Errorf("Read: want 'A', got %c", got)
	}

	if got := p.Read(0); got != 'B' {
		t.Errorf("Read: want 'B', got %c", got)
	}

	if got := p.Read(0); got != 0 {
		t.Errorf("Read: want 0 once exhausted, got %d", got)
	}
}
