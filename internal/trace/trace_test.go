package trace

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/go-pretender/pretender/internal/log"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	want := []Record{
		{Kind: WRITE, Seq: 0, Addr: 0x40004400, Value: 0x01, PC: 0x08000120, Size: 4, Timestamp: 0.001},
		{Kind: READ, Seq: 1, Addr: 0x40004404, Value: 0x00, PC: 0x08000124, Size: 4, Timestamp: 0.002},
		{Kind: ENTER, Seq: 2, Addr: 37, Value: 0, PC: 0, Size: 0, Timestamp: 0.0031},
		{Kind: EXIT, Seq: 3, Addr: 37, Value: 0, PC: 0, Size: 0, Timestamp: 0.0042},
	}

	var buf bytes.Buffer

	w := NewWriter(&buf)
	for _, r := range want {
		if err := w.Append(r); err != nil {
			t.Fatalf("Append(%v): unexpected error: %v", r, err)
		}
	}

	r := NewReader(&buf)

	got, err := r.All()
	if err != nil {
		t.Fatalf("All(): unexpected error: %v", err)
	}

	if len(got) != len(want) {
		t.Fatalf("All(): want: %d records, got: %d", len(want), len(got))
	}

	for i := range want {
		if got[i] != want[i] {
			t.Errorf("record %d: want: %+v, got: %+v", i, want[i], got[i])
		}
	}
}

func TestReaderSkipsMalformedRows(t *testing.T) {
	in := "WRITE\t0\t100\t1\t0\t4\t0.1\n" +
		"this is not a trace row\n" +
		"BOGUSKIND\t1\t100\t1\t0\t4\t0.2\n" +
		"READ\t2\t100\t1\t0\t4\t0.3\n"

	r := NewReaderWithLogger(strings.NewReader(in), log.NewFormattedLogger(io.Discard))

	got, err := r.All()
	if err != nil {
		t.Fatalf("All(): unexpected error: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("All(): want: 2 well-formed records, got: %d", len(got))
	}

	if got[0].Kind != WRITE || got[1].Kind != READ {
		t.Errorf("All(): want: [WRITE READ], got: [%s %s]", got[0].Kind, got[1].Kind)
	}
}

func TestReaderEOF(t *testing.T) {
	r := NewReader(strings.NewReader(""))

	_, err := r.Next()
	if !errors.Is(err, io.EOF) {
		t.Errorf("Next() on empty input: want: io.EOF, got: %v", err)
	}
}

func TestRecorderAssignsSequence(t *testing.T) {
	var buf bytes.Buffer

	rec := NewRecorder(&buf)

	for i := 0; i < 3; i++ {
		if err := rec.Record(WRITE, 0x1000, uint32(i), 0, 4, float64(i)); err != nil {
			t.Fatalf("Record: unexpected error: %v", err)
		}
	}

	if err := rec.Close(); err != nil {
		t.Fatalf("Close: unexpected error: %v", err)
	}

	got, err := NewReader(&buf).All()
	if err != nil {
		t.Fatalf("All(): unexpected error: %v", err)
	}

	for i, r := range got {
		if r.Seq != uint64(i) {
			t.Errorf("record %d: want: seq %d, got: %d", i, i, r.Seq)
		}
	}
}

func TestKindString(t *testing.T) {
	cases := []struct {
		k    Kind
		want string
	}{
		{READ, "READ"},
		{WRITE, "WRITE"},
		{ENTER, "ENTER"},
		{EXIT, "EXIT"},
	}

	for _, c := range cases {
		if got := c.k.String(); got != c.want {
			t.Errorf("Kind(%d).String(): want: %s, got: %s", c.k, c.want, got)
		}
	}
}

func TestParseKindUnknown(t *testing.T) {
	if _, err := ParseKind("NOPE"); err == nil {
		t.Errorf("ParseKind(%q): want: error, got: nil", "NOPE")
	}
}
