package inference

import (
	"io"
	"math"
	"testing"

	"github.com/go-pretender/pretender/internal/cluster"
	"github.com/go-pretender/pretender/internal/log"
	"github.com/go-pretender/pretender/internal/trace"
)

func approxEqual(a, b, tolerance float64) bool {
	return math.Abs(a-b) <= tolerance
}

func silentLogger() *log.Logger {
	return log.NewFormattedLogger(io.Discard)
}

// TestInferTriggerAndTiming is the spec's scenario 5: an interrupt whose
// arming write and inter-fire timing are both recoverable from a trace
// that reads its own status register once per invocation (so that the
// cluster-voting step has something to vote on).
func TestInferTriggerAndTiming(t *testing.T) {
	const addr = 0x40020010

	records := []trace.Record{
		{Kind: trace.WRITE, Seq: 0, Addr: addr, Value: 0x01, Timestamp: 0},
		{Kind: trace.ENTER, Seq: 1, Addr: 28, Timestamp: 0.1},
		{Kind: trace.READ, Seq: 2, Addr: addr, Value: 0x01, Timestamp: 0.1001},
		{Kind: trace.EXIT, Seq: 3, Addr: 28, Timestamp: 0.101},
		{Kind: trace.ENTER, Seq: 4, Addr: 28, Timestamp: 0.2},
		{Kind: trace.READ, Seq: 5, Addr: addr, Value: 0x01, Timestamp: 0.2001},
		{Kind: trace.EXIT, Seq: 6, Addr: 28, Timestamp: 0.201},
		{Kind: trace.WRITE, Seq: 7, Addr: addr, Value: 0x00, Timestamp: 0.3},
	}

	clusters := cluster.Cluster([]uint32{addr})

	assoc, err := InferWithLogger(records, clusters, silentLogger())
	if err != nil {
		t.Fatalf("InferWithLogger: unexpected error: %v", err)
	}

	a, ok := assoc[28]
	if !ok {
		t.Fatalf("IRQ 28: want: resolved association, got: none (%v)", assoc)
	}

	wantCluster, _ := cluster.Of(clusters, addr)
	if a.Cluster != wantCluster {
		t.Errorf("Cluster: want: %v, got: %v", wantCluster, a.Cluster)
	}

	if a.Trigger.Addr != addr || a.Trigger.Mask != 0x01 {
		t.Errorf("Trigger: want: (%#x, 0x01), got: (%#x, %#x)", addr, a.Trigger.Addr, a.Trigger.Mask)
	}

	if a.Oneshot {
		t.Errorf("Oneshot: want: false, got: true")
	}

	if len(a.Timings) != 2 {
		t.Fatalf("Timings: want: 2 intervals, got: %d (%v)", len(a.Timings), a.Timings)
	}

	for _, timing := range a.Timings {
		if !approxEqual(timing, 0.1, 0.01) {
			t.Errorf("Timings: want: ~0.1, got: %v", timing)
		}
	}
}

// TestInferOneShotDetection is the spec's scenario 6: a hardware-cleared
// enable bit observed via a READ that disagrees with the last WRITE.
func TestInferOneShotDetection(t *testing.T) {
	const addr = 0x40020010

	records := []trace.Record{
		{Kind: trace.WRITE, Seq: 0, Addr: addr, Value: 0x01, Timestamp: 0},
		{Kind: trace.ENTER, Seq: 1, Addr: 28, Timestamp: 0.1},
		{Kind: trace.READ, Seq: 2, Addr: addr, Value: 0x01, Timestamp: 0.1001},
		{Kind: trace.EXIT, Seq: 3, Addr: 28, Timestamp: 0.101},
		{Kind: trace.READ, Seq: 4, Addr: addr, Value: 0x00, Timestamp: 0.15},
		{Kind: trace.WRITE, Seq: 5, Addr: addr, Value: 0x01, Timestamp: 0.19},
		{Kind: trace.ENTER, Seq: 6, Addr: 28, Timestamp: 0.2},
		{Kind: trace.READ, Seq: 7, Addr: addr, Value: 0x01, Timestamp: 0.2001},
		{Kind: trace.EXIT, Seq: 8, Addr: 28, Timestamp: 0.201},
	}

	clusters := cluster.Cluster([]uint32{addr})

	assoc, err := InferWithLogger(records, clusters, silentLogger())
	if err != nil {
		t.Fatalf("InferWithLogger: unexpected error: %v", err)
	}

	a, ok := assoc[28]
	if !ok {
		t.Fatalf("IRQ 28: want: resolved association, got: none")
	}

	if !a.Oneshot {
		t.Errorf("Oneshot: want: true, got: false")
	}
}

// TestInferUnresolvedIRQIsOmittedNotPanicked covers the invariant that an
// IRQ with no in-cluster MMIO accesses during any of its invocations is
// dropped from the result rather than causing a failure.
func TestInferUnresolvedIRQIsOmittedNotPanicked(t *testing.T) {
	records := []trace.Record{
		{Kind: trace.ENTER, Seq: 0, Addr: 99, Timestamp: 0},
		{Kind: trace.EXIT, Seq: 1, Addr: 99, Timestamp: 0.01},
	}

	assoc, err := InferWithLogger(records, map[cluster.ID][]uint32{}, silentLogger())
	if err != nil {
		t.Fatalf("InferWithLogger: unexpected error: %v", err)
	}

	if _, ok := assoc[99]; ok {
		t.Errorf("IRQ 99: want: omitted, got: present in %v", assoc)
	}
}

func TestInferUnmatchedExitIsSkipped(t *testing.T) {
	records := []trace.Record{
		{Kind: trace.EXIT, Seq: 0, Addr: 5, Timestamp: 0},
	}

	if _, err := InferWithLogger(records, map[cluster.ID][]uint32{}, silentLogger()); err != nil {
		t.Fatalf("InferWithLogger: unexpected error: %v", err)
	}
}
