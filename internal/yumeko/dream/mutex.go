package dream

import "sync/atomic"

// State is the activity gate's current value.
type State int32

const (
	// StateFree means no dream is in flight; the host's planning path may act.
	StateFree State = iota
	// StateDreaming means a dream generation+emission is in flight somewhere
	// in the process. Planning passes skip while this holds.
	StateDreaming
)

// String returns the state name for logs and status output.
func (s State) String() string {
	if s == StateDreaming {
		return "dreaming"
	}
	return "free"
}

// Mutex is the process-wide FREE/DREAMING gate. At most one dream attempt
// holds it at any instant; every component that needs the gate receives the
// same *Mutex rather than reaching for a package global.
//
// The zero value is ready to use and starts FREE.
type Mutex struct {
	state atomic.Int32
}

// NewMutex returns a Mutex in the FREE state.
func NewMutex() *Mutex {
	return &Mutex{}
}

// TryAcquire attempts the FREE→DREAMING transition. It never blocks: it
// returns true when this caller took the gate, false when another holder
// already has it.
func (m *Mutex) TryAcquire() bool {
	return m.state.CompareAndSwap(int32(StateFree), int32(StateDreaming))
}

// Release returns the gate to FREE unconditionally. Callers run it on every
// exit path of a dream attempt, so a failed dream never strands the gate in
// DREAMING.
func (m *Mutex) Release() {
	m.state.Store(int32(StateFree))
}

// IsFree reports whether no dream is currently in flight.
func (m *Mutex) IsFree() bool {
	return m.State() == StateFree
}

// State returns the current gate state.
func (m *Mutex) State() State {
	return State(m.state.Load())
}
