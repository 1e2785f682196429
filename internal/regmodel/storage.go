package regmodel

import (
	"fmt"

	"github.com/go-pretender/pretender/internal/trace"
)

// Storage is the simplest register model: reads return the value of the
// last write. Grounded on the original's SimpleStorageModel, which is
// tried first in the fit order since most control/status registers in
// practice behave this way.
type Storage struct {
	Value         uint32
	InitTimestamp float64
}

func (s *Storage) sealed() {}

func (s *Storage) String() string {
	return fmt.Sprintf("<Storage: val=%#08x>", s.Value)
}

// Read returns the stored value.
func (s *Storage) Read(_ float64) uint32 {
	return s.Value
}

// Write overwrites the stored value.
func (s *Storage) Write(value uint32) bool {
	s.Value = value

	return true
}

// Merge zeroes the value on disagreement between the two trained values,
// preferring the earlier-trained side's timestamp as a tiebreak signal
// per the original implementation, but since a genuine disagreement means
// neither recording's value can be trusted for replay, the result is
// always reset to zero.
func (s *Storage) Merge(other Model) bool {
	o, ok := other.(*Storage)
	if !ok {
		return false
	}

	if s.Value != o.Value {
		if s.InitTimestamp > o.InitTimestamp {
			s.InitTimestamp = o.InitTimestamp
		}

		s.Value = 0
	}

	return true
}

// fit trains the model if log looks like a storage register: either
// exactly one read then one write, or every read matches the value of the
// most recent preceding write.
func (s *Storage) fit(regLog []trace.Record) bool {
	if len(regLog) == 2 && regLog[0].Kind == trace.READ && regLog[1].Kind == trace.WRITE {
		s.Value = regLog[0].Value
		s.InitTimestamp = regLog[0].Timestamp

		return true
	}

	var lastWrite uint32

	wasWritten := false
	isStorage := false

	for _, r := range regLog {
		switch r.Kind {
		case trace.READ:
			if wasWritten && lastWrite != r.Value {
				return false
			}

			if wasWritten {
				isStorage = true
			}
		case trace.WRITE:
			lastWrite = r.Value
			wasWritten = true
		}
	}

	if !isStorage {
		return false
	}

	s.Value = lastWrite
	s.InitTimestamp = regLog[0].Timestamp

	return true
}
