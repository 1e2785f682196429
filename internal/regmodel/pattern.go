package regmodel

import "fmt"

// Pattern replays a fixed repeating sequence of read values, detected as a
// period strictly shorter than half the observed reads (or a single
// value, if every read is identical). Grounded on the original's
// PatternModel.get_pattern.
type Pattern struct {
	Values []uint32
	index  int
}

func (p *Pattern) sealed() {}

func (p *Pattern) String() string {
	return fmt.Sprintf("<Pattern %v>", p.Values)
}

// Read returns the next value in the pattern, cycling.
func (p *Pattern) Read(_ float64) uint32 {
	if len(p.Values) == 0 {
		return 0
	}

	v := p.Values[p.index%len(p.Values)]
	p.index++

	return v
}

// Write is accepted but does not affect the replayed pattern.
func (p *Pattern) Write(_ uint32) bool {
	return true
}

// Merge fails if the two trained patterns differ.
func (p *Pattern) Merge(other Model) bool {
	o, ok := other.(*Pattern)
	if !ok {
		return false
	}

	if len(p.Values) != len(o.Values) {
		return false
	}

	for i := range p.Values {
		if p.Values[i] != o.Values[i] {
			return false
		}
	}

	return true
}

func (p *Pattern) fit(reads []uint32) bool {
	pattern := getPattern(reads)
	if pattern == nil {
		return false
	}

	p.Values = pattern

	return true
}

// getPattern extracts a repeating run, preferring the shortest period
// strictly less than half the stream's length that explains the whole
// stream. A uniform stream collapses to length 1; if no such period is
// found, reads are not a pattern -- in particular a monotonically
// changing sequence with no repeat is correctly refused here rather than
// being accepted as "its own one-shot pattern", which would starve every
// less-specific model of a chance to fit.
func getPattern(reads []uint32) []uint32 {
	if len(reads) == 0 {
		return nil
	}

	allSame := true

	for _, v := range reads {
		if v != reads[0] {
			allSame = false
			break
		}
	}

	if allSame {
		return []uint32{reads[0]}
	}

	maxLen := len(reads) / 2

	for seqLen := 2; seqLen < maxLen; seqLen++ {
		if !equalSlices(reads[0:seqLen], reads[seqLen:2*seqLen]) {
			continue
		}

		isPattern := true

		lastComplete := len(reads) - len(reads)%seqLen

		for y := 2 * seqLen; y < lastComplete; y += seqLen {
			if !equalSlices(reads[0:seqLen], reads[y:y+seqLen]) {
				isPattern = false
				break
			}
		}

		if isPattern {
			remainderLen := len(reads) % seqLen
			if remainderLen > 0 {
				remainder := reads[len(reads)-remainderLen:]
				for i := range remainder {
					if remainder[i] != reads[i] {
						isPattern = false
						break
					}
				}
			}
		}

		if isPattern {
			out := make([]uint32, seqLen)
			copy(out, reads[0:seqLen])

			return out
		}
	}

	return nil
}

func equalSlices(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}
