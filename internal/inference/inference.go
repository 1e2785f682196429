// Package inference attributes interrupts to peripheral clusters and
// discovers the register write that arms each one, its inter-fire timing,
// and whether it is a one-shot.
//
// The pipeline runs in four passes over a trace, grounded directly on the
// reference implementation's slicing/voting/trigger/timing stages: slice
// ISR invocations from ENTER/EXIT pairs, vote each invocation's accesses
// into a cluster and then vote invocation-winners into a per-IRQ winner,
// walk backward from the first ENTER to the arming WRITE and refine its
// bitmask by OR-ing every enabling value observed, then walk forward from
// the first trigger-matching WRITE collecting inter-ENTER intervals.
package inference

import (
	"errors"
	"fmt"

	"github.com/go-pretender/pretender/internal/cluster"
	"github.com/go-pretender/pretender/internal/log"
	"github.com/go-pretender/pretender/internal/trace"
)

// Trigger is the (address, bitmask) pair whose write arms an interrupt.
type Trigger struct {
	Addr uint32
	Mask uint32
}

// Association is everything inferred about one IRQ.
type Association struct {
	IRQ       uint32
	Cluster   cluster.ID
	Trigger   Trigger
	Timings   []float64
	Oneshot   bool
	Imprecise bool
}

// ErrTriggerBug indicates a refined trigger mask was derived from observed
// enabling writes but no matching write can be found when walking forward
// for timing extraction. Per the inference design, this is the one failure
// mode treated as a bug rather than an unresolved IRQ, since the refined
// mask by construction came from a write that was actually observed.
var ErrTriggerBug = errors.New("inference: trigger-finding bug: no write matches refined trigger")

type invocation struct {
	irq      uint32
	enterIdx int
	enterTS  float64
	exitIdx  int
	exitTS   float64
}

// Infer runs the four-step pipeline over records using clusters computed
// by the cluster package. It returns a map keyed by IRQ number; IRQs that
// cannot be resolved (no votes, no trigger found) are omitted and logged,
// per the best-effort failure semantics of each stage.
func Infer(records []trace.Record, clusters map[cluster.ID][]uint32) (map[uint32]Association, error) {
	return InferWithLogger(records, clusters, log.DefaultLogger())
}

// InferWithLogger is Infer with an explicit logger, for callers (tests,
// the training CLI) that want to control or silence diagnostic output.
func InferWithLogger(records []trace.Record, clusters map[cluster.ID][]uint32, logger *log.Logger) (map[uint32]Association, error) {
	invocations := sliceInvocations(records, logger)

	irqCluster := associateClusters(records, invocations, clusters)

	unresolved := map[uint32]bool{}

	for _, inv := range invocations {
		if _, ok := irqCluster[inv.irq]; !ok && !unresolved[inv.irq] {
			unresolved[inv.irq] = true
			logger.Info("inference: no cluster votes, omitting IRQ", log.Any("irq", inv.irq))
		}
	}

	result := make(map[uint32]Association, len(irqCluster))

	for irq, cid := range irqCluster {
		irqInvocations := invocationsFor(invocations, irq)

		trig, oneshot, imprecise, ok := findTrigger(records, clusters, cid, irqInvocations, logger)
		if !ok {
			logger.Info("inference: no trigger found, omitting IRQ", log.Any("irq", irq))
			continue
		}

		timings, err := findTimings(records, irqInvocations, trig)
		if err != nil {
			return nil, fmt.Errorf("irq %d: %w", irq, err)
		}

		result[irq] = Association{
			IRQ:       irq,
			Cluster:   cid,
			Trigger:   trig,
			Timings:   timings,
			Oneshot:   oneshot,
			Imprecise: imprecise,
		}
	}

	return result, nil
}

// sliceInvocations pairs ENTER records with the EXIT that closes them.
// Pairing is LIFO over open ENTERs matching the EXIT's IRQ number, which
// naturally handles interleaved nested ENTERs even though nesting is not
// a semantics this system relies on.
func sliceInvocations(records []trace.Record, logger *log.Logger) []invocation {
	type open struct {
		irq uint32
		idx int
		ts  float64
	}

	var stack []open

	var invocations []invocation

	for i, r := range records {
		switch r.Kind {
		case trace.ENTER:
			stack = append(stack, open{irq: r.Addr, idx: i, ts: r.Timestamp})
		case trace.EXIT:
			matched := -1

			for j := len(stack) - 1; j >= 0; j-- {
				if stack[j].irq == r.Addr {
					matched = j
					break
				}
			}

			if matched < 0 {
				logger.Info("inference: unmatched EXIT, skipping", log.Any("irq", r.Addr), log.Any("seq", r.Seq))
				continue
			}

			entry := stack[matched]
			stack = append(stack[:matched], stack[matched+1:]...)

			invocations = append(invocations, invocation{
				irq:      entry.irq,
				enterIdx: entry.idx,
				enterTS:  entry.ts,
				exitIdx:  i,
				exitTS:   r.Timestamp,
			})
		}
	}

	for _, o := range stack {
		logger.Info("inference: unmatched ENTER, skipping", log.Any("irq", o.irq), log.Any("idx", o.idx))
	}

	return invocations
}

func invocationsFor(invocations []invocation, irq uint32) []invocation {
	var out []invocation

	for _, inv := range invocations {
		if inv.irq == irq {
			out = append(out, inv)
		}
	}

	return out
}

// associateClusters implements the two-tier voting scheme: each
// invocation's accesses vote for a cluster, then each invocation's winner
// votes again at the per-IRQ level.
func associateClusters(records []trace.Record, invocations []invocation, clusters map[cluster.ID][]uint32) map[uint32]cluster.ID {
	irqVotes := map[uint32]map[cluster.ID]int{}
	irqVoteOrder := map[uint32][]cluster.ID{}

	for _, inv := range invocations {
		votes := map[cluster.ID]int{}

		var order []cluster.ID

		for i := inv.enterIdx + 1; i < inv.exitIdx; i++ {
			r := records[i]
			if r.Kind != trace.READ && r.Kind != trace.WRITE {
				continue
			}

			cid, ok := cluster.Of(clusters, r.Addr)
			if !ok {
				continue
			}

			if _, seen := votes[cid]; !seen {
				order = append(order, cid)
			}

			votes[cid]++
		}

		winner, ok := pickWinner(votes, order)
		if !ok {
			continue
		}

		if irqVotes[inv.irq] == nil {
			irqVotes[inv.irq] = map[cluster.ID]int{}
		}

		if _, seen := irqVotes[inv.irq][winner]; !seen {
			irqVoteOrder[inv.irq] = append(irqVoteOrder[inv.irq], winner)
		}

		irqVotes[inv.irq][winner]++
	}

	result := map[uint32]cluster.ID{}

	for irq, votes := range irqVotes {
		winner, ok := pickWinner(votes, irqVoteOrder[irq])
		if !ok {
			continue
		}

		result[irq] = winner
	}

	return result
}

// pickWinner returns the key with the most votes, breaking ties by the
// order keys were first seen (order's order).
func pickWinner(votes map[cluster.ID]int, order []cluster.ID) (cluster.ID, bool) {
	best := -1

	var winner cluster.ID

	for _, cid := range order {
		if votes[cid] > best {
			best = votes[cid]
			winner = cid
		}
	}

	return winner, best > 0
}

// findTrigger finds the provisional (addr, value) by walking backward from
// the first ENTER to the nearest preceding WRITE in the cluster, then
// refines the mask by OR-ing every write value observed before each
// subsequent ENTER, and detects one-shot behavior from reads that
// disagree with the most recent write.
func findTrigger(records []trace.Record, clusters map[cluster.ID][]uint32, cid cluster.ID, invocations []invocation, logger *log.Logger) (trig Trigger, oneshot bool, imprecise bool, ok bool) {
	if len(invocations) == 0 {
		return Trigger{}, false, false, false
	}

	members := cluster.Members(clusters, cid)

	firstEnter := invocations[0].enterIdx

	var provAddr uint32

	found := false

	for i := firstEnter - 1; i >= 0; i-- {
		r := records[i]
		if r.Kind == trace.WRITE {
			if _, inCluster := members[r.Addr]; inCluster {
				provAddr = r.Addr
				found = true
				break
			}
		}
	}

	if !found {
		return Trigger{}, false, false, false
	}

	enterIdx := make(map[int]bool, len(invocations))
	for _, inv := range invocations {
		enterIdx[inv.enterIdx] = true
	}

	var curVal uint32

	var lastWrite uint32

	haveWrite := false

	seenBeforeEnter := map[uint32]bool{}

	var mask uint32

	var allObservedOR uint32

	for i, r := range records {
		switch r.Kind {
		case trace.WRITE:
			if r.Addr == provAddr {
				curVal = r.Value
				lastWrite = r.Value
				haveWrite = true
				allObservedOR |= r.Value
			}
		case trace.READ:
			if r.Addr == provAddr && haveWrite && r.Value != lastWrite {
				oneshot = true
			}
		case trace.ENTER:
			if enterIdx[i] && haveWrite && !seenBeforeEnter[curVal] {
				mask |= curVal
				seenBeforeEnter[curVal] = true
			}
		}
	}

	if mask == 0 {
		return Trigger{}, false, false, false
	}

	imprecise = mask == allObservedOR
	if imprecise {
		logger.Warn("inference: trigger mask equals all observed bits, likely imprecise",
			log.Any("addr", provAddr), log.Any("mask", mask))
	}

	return Trigger{Addr: provAddr, Mask: mask}, oneshot, imprecise, true
}

// findTimings walks forward from the first write matching trig, collecting
// ENTER−previous_time intervals and respecting writes that disable or
// re-enable the trigger address.
func findTimings(records []trace.Record, invocations []invocation, trig Trigger) ([]float64, error) {
	firstMatch := -1

	for i, r := range records {
		if r.Kind == trace.WRITE && r.Addr == trig.Addr && (r.Value&trig.Mask) == trig.Mask {
			firstMatch = i
			break
		}
	}

	if firstMatch < 0 {
		return nil, ErrTriggerBug
	}

	enterAt := map[int]*invocation{}
	for i := range invocations {
		enterAt[invocations[i].enterIdx] = &invocations[i]
	}

	var timings []float64

	previousTime := records[firstMatch].Timestamp
	enabled := true

	for i := firstMatch + 1; i < len(records); i++ {
		r := records[i]

		switch r.Kind {
		case trace.WRITE:
			if r.Addr != trig.Addr {
				continue
			}

			if (r.Value & trig.Mask) == trig.Mask {
				enabled = true
				previousTime = r.Timestamp
			} else {
				enabled = false
			}
		case trace.ENTER:
			inv, isInvocationStart := enterAt[i]
			if !isInvocationStart || !enabled {
				continue
			}

			timings = append(timings, inv.enterTS-previousTime)
			previousTime = inv.exitTS
		}
	}

	return timings, nil
}
