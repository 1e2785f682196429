// Package trace implements the append-only access log that a recording
// front-end writes and that the clustering, inference, and training stages
// read back.
//
// Each row is one memory-mapped I/O access or interrupt event: a tab
// separated record of (kind, sequence, address, value, program counter,
// size, timestamp). The format is deliberately simple text so that a
// partial or malformed file is still mostly readable and so that a stray
// row does not prevent training from using the rest of the trace.
package trace

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/go-pretender/pretender/internal/log"
)

// Kind is the type of an access record.
type Kind uint8

const (
	READ Kind = iota
	WRITE
	ENTER
	EXIT
)

func (k Kind) String() string {
	switch k {
	case READ:
		return "READ"
	case WRITE:
		return "WRITE"
	case ENTER:
		return "ENTER"
	case EXIT:
		return "EXIT"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// ParseKind parses the textual representation written by [Writer].
func ParseKind(s string) (Kind, error) {
	switch s {
	case "READ":
		return READ, nil
	case "WRITE":
		return WRITE, nil
	case "ENTER":
		return ENTER, nil
	case "EXIT":
		return EXIT, nil
	default:
		return 0, fmt.Errorf("trace: unknown kind: %q", s)
	}
}

// Record is the atomic unit of the trace: one MMIO access or one interrupt
// entry/exit.
//
// For READ and WRITE, Addr is the 32-bit MMIO address and Value is the
// datum read or written. For ENTER and EXIT, Addr carries the interrupt
// number and Value, PC, and Size are unused (zero).
type Record struct {
	Kind      Kind
	Seq       uint64
	Addr      uint32
	Value     uint32
	PC        uint32
	Size      uint8
	Timestamp float64
}

func (r Record) String() string {
	return fmt.Sprintf("%s#%d(addr=%#08x val=%#08x pc=%#08x sz=%d t=%f)",
		r.Kind, r.Seq, r.Addr, r.Value, r.PC, r.Size, r.Timestamp)
}

const (
	fieldSep = '\t'
	quote    = '|'
)

// Recorder owns the monotonic sequence counter and the underlying writer
// for one recording session. It is passed explicitly to whatever observes
// live accesses (the recording front-end, out of scope here) rather than
// relying on process-global state.
type Recorder struct {
	w   *Writer
	seq atomic.Uint64
}

// NewRecorder creates a Recorder writing rows to w.
func NewRecorder(w io.Writer) *Recorder {
	return &Recorder{w: NewWriter(w)}
}

// Record assigns the next sequence number and appends a row.
func (r *Recorder) Record(kind Kind, addr, value, pc uint32, size uint8, timestamp float64) error {
	seq := r.seq.Add(1) - 1

	return r.w.Append(Record{
		Kind:      kind,
		Seq:       seq,
		Addr:      addr,
		Value:     value,
		PC:        pc,
		Size:      size,
		Timestamp: timestamp,
	})
}

// Close flushes and closes the underlying writer, if it implements
// io.Closer.
func (r *Recorder) Close() error {
	return r.w.Close()
}

// Writer appends rows to a trace log. It flushes on every Append so a
// crash mid-recording loses at most the in-flight row, and guarantees a
// final flush on Close.
type Writer struct {
	out *bufio.Writer
	c   io.Closer
}

// NewWriter wraps w for appending trace rows.
func NewWriter(w io.Writer) *Writer {
	c, _ := w.(io.Closer)

	return &Writer{out: bufio.NewWriter(w), c: c}
}

// Append writes one record and flushes.
func (w *Writer) Append(r Record) error {
	fmt.Fprintf(w.out, "%s\t%d\t%s\t%s\t%s\t%d\t%s\n",
		r.Kind, r.Seq, field(r.Addr), field(r.Value), field(r.PC), r.Size, strconv.FormatFloat(r.Timestamp, 'f', -1, 64))

	return w.out.Flush()
}

// Close flushes any buffered data and closes the underlying writer if
// possible.
func (w *Writer) Close() error {
	if err := w.out.Flush(); err != nil {
		return err
	}

	if w.c != nil {
		return w.c.Close()
	}

	return nil
}

// field renders an unsigned numeric field in decimal, quoting it only if
// it would otherwise be ambiguous (never, in practice, for numeric
// fields -- the quote character is supported for forward compatibility
// with non-numeric fields per the wire format).
func field(v uint32) string {
	s := strconv.FormatUint(uint64(v), 10)
	if strings.ContainsRune(s, fieldSep) || strings.ContainsRune(s, quote) {
		return string(quote) + s + string(quote)
	}

	return s
}

// ErrMalformed indicates a row could not be parsed. Readers skip malformed
// rows rather than fail the whole trace; ErrMalformed is returned only by
// helpers that parse a single row outside of a Reader.
var ErrMalformed = errors.New("trace: malformed row")

// Reader reads rows from a trace log in insertion order. Malformed rows
// are skipped and logged at warn level rather than treated as fatal,
// since a recording front-end teeing live hardware access is not expected
// to produce a perfectly formed file under all failure conditions.
type Reader struct {
	scan *bufio.Scanner
	log  *log.Logger
	line int
}

// NewReader creates a Reader over r using the package's default logger.
func NewReader(r io.Reader) *Reader {
	return NewReaderWithLogger(r, log.DefaultLogger())
}

// NewReaderWithLogger creates a Reader over r, logging skipped rows to l.
func NewReaderWithLogger(r io.Reader, l *log.Logger) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	return &Reader{scan: scanner, log: l}
}

// Next returns the next well-formed record, skipping and warning about any
// malformed rows in between. It returns io.EOF when the trace is
// exhausted.
func (r *Reader) Next() (Record, error) {
	for r.scan.Scan() {
		r.line++

		rec, err := parseRow(r.scan.Text())
		if err != nil {
			r.log.Warn("trace: skipping malformed row", log.String("error", err.Error()))
			continue
		}

		return rec, nil
	}

	if err := r.scan.Err(); err != nil {
		return Record{}, err
	}

	return Record{}, io.EOF
}

// All reads every well-formed record into a slice. It is a convenience for
// the training path, which needs random access to the whole trace.
func (r *Reader) All() ([]Record, error) {
	var recs []Record

	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return recs, nil
		} else if err != nil {
			return recs, err
		}

		recs = append(recs, rec)
	}
}

func parseRow(line string) (Record, error) {
	fields := strings.Split(line, string(fieldSep))
	if len(fields) != 7 {
		return Record{}, fmt.Errorf("%w: want 7 fields, got %d: %q", ErrMalformed, len(fields), line)
	}

	kind, err := ParseKind(unquote(fields[0]))
	if err != nil {
		return Record{}, fmt.Errorf("%w: %s", ErrMalformed, err)
	}

	seq, err := strconv.ParseUint(unquote(fields[1]), 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("%w: seq: %s", ErrMalformed, err)
	}

	addr, err := strconv.ParseUint(unquote(fields[2]), 10, 32)
	if err != nil {
		return Record{}, fmt.Errorf("%w: addr: %s", ErrMalformed, err)
	}

	val, err := strconv.ParseUint(unquote(fields[3]), 10, 32)
	if err != nil {
		return Record{}, fmt.Errorf("%w: value: %s", ErrMalformed, err)
	}

	pc, err := strconv.ParseUint(unquote(fields[4]), 10, 32)
	if err != nil {
		return Record{}, fmt.Errorf("%w: pc: %s", ErrMalformed, err)
	}

	size, err := strconv.ParseUint(unquote(fields[5]), 10, 8)
	if err != nil {
		return Record{}, fmt.Errorf("%w: size: %s", ErrMalformed, err)
	}

	ts, err := strconv.ParseFloat(unquote(fields[6]), 64)
	if err != nil {
		return Record{}, fmt.Errorf("%w: timestamp: %s", ErrMalformed, err)
	}

	return Record{
		Kind:      kind,
		Seq:       seq,
		Addr:      uint32(addr),
		Value:     uint32(val),
		PC:        uint32(pc),
		Size:      uint8(size),
		Timestamp: ts,
	}, nil
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == quote && s[len(s)-1] == quote {
		return s[1 : len(s)-1]
	}

	return s
}
