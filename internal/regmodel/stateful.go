package regmodel

// Stateful marks a register for which no candidate model fit the observed
// reads. It carries no data of its own: the enclosing peripheral state
// machine answers reads for it instead (see internal/peripheral's
// State.statefulRead, which cycles through the state's own recorded read
// values for the address), per §9's "Stateful replay" design.
type Stateful struct{}

func (s *Stateful) sealed() {}

func (s *Stateful) String() string {
	return "<Stateful: trace-cursor replay>"
}

// Read always returns 0; the peripheral intercepts reads to a Stateful
// register before calling this and substitutes a recorded read value.
func (s *Stateful) Read(_ float64) uint32 {
	return 0
}

// Write is accepted without effect.
func (s *Stateful) Write(_ uint32) bool {
	return true
}

// Merge succeeds only when other is also Stateful: two Stateful markers
// carry no state to reconcile.
func (s *Stateful) Merge(other Model) bool {
	_, ok := other.(*Stateful)

	return ok
}
