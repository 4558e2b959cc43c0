// Package sessionstate implements the session lifecycle state machine as a
// set of pure functions over an immutable state record. Two orthogonal
// axes are tracked: Activity (user-observable status) and Query (internal
// query lifecycle), plus a monotonic generation fence.
package sessionstate

// Activity is the user-observable status of a Session.
type Activity int

const (
	ActivityIdle Activity = iota
	ActivityWorking
	ActivityWaiting
)

func (a Activity) String() string {
	switch a {
	case ActivityWorking:
		return "working"
	case ActivityWaiting:
		return "waiting"
	default:
		return "idle"
	}
}

// Query is the internal lifecycle of one provider call.
type Query int

const (
	QueryIdle Query = iota
	QueryPreparing
	QueryRunning
	QueryAborting
	QueryCompleting
)

func (q Query) String() string {
	switch q {
	case QueryPreparing:
		return "preparing"
	case QueryRunning:
		return "running"
	case QueryAborting:
		return "aborting"
	case QueryCompleting:
		return "completing"
	default:
		return "idle"
	}
}

// State is the full Session runtime state record. All transitions below
// are pure: same input record and function always return the same output
// record, with no hidden state.
type State struct {
	Activity         Activity
	Query            Query
	StopRequested    bool
	InterruptPending bool
	IsInterrupting   bool
	Generation       uint64
}

// New returns the zero-value State: idle activity, idle query, generation 0.
func New() State {
	return State{}
}

// IsQueryRunning reports whether a query is in any non-idle phase.
func (s State) IsQueryRunning() bool { return s.Query != QueryIdle }

// IsQueryProcessing reports whether a query is in preparing, running, or
// completing (i.e. excludes idle and aborting).
func (s State) IsQueryProcessing() bool {
	return s.Query == QueryPreparing || s.Query == QueryRunning || s.Query == QueryCompleting
}

// StartProcessing transitions query -> preparing.
func StartProcessing(s State) State {
	s.Query = QueryPreparing
	s.Activity = ActivityWorking
	return s
}

// StartQuery transitions query -> running and clears stopRequested.
func StartQuery(s State) State {
	s.Query = QueryRunning
	s.StopRequested = false
	s.Activity = ActivityWorking
	return s
}

// CompleteQuery transitions query -> completing.
func CompleteQuery(s State) State {
	s.Query = QueryCompleting
	return s
}

// FinalizeQuery transitions query -> idle.
func FinalizeQuery(s State) State {
	s.Query = QueryIdle
	s.Activity = ActivityIdle
	return s
}

// StopProcessing transitions query -> idle; used on early abort from
// preparing, before a provider call was ever started.
func StopProcessing(s State) State {
	s.Query = QueryIdle
	s.Activity = ActivityIdle
	return s
}

// RequestStopDuringRunning sets stopRequested and moves query -> aborting.
func RequestStopDuringRunning(s State) State {
	s.StopRequested = true
	s.Query = QueryAborting
	return s
}

// RequestStopDuringPreparing sets stopRequested; query stays preparing.
func RequestStopDuringPreparing(s State) State {
	s.StopRequested = true
	return s
}

// ClearStopRequested clears stopRequested.
func ClearStopRequested(s State) State {
	s.StopRequested = false
	return s
}

// MarkInterruptFlag sets interruptPending.
func MarkInterruptFlag(s State) State {
	s.InterruptPending = true
	return s
}

// ConsumeInterruptFlag reports whether interruptPending was set and, if so,
// returns a State with both interruptPending and stopRequested cleared.
func ConsumeInterruptFlag(s State) (wasInterrupted bool, next State) {
	if !s.InterruptPending {
		return false, s
	}
	s.InterruptPending = false
	s.StopRequested = false
	return true, s
}

// BeginInterrupt is idempotent: if isInterrupting is already true, it
// reports started=false and leaves state unchanged; otherwise it sets
// isInterrupting and reports started=true.
func BeginInterrupt(s State) (started bool, next State) {
	if s.IsInterrupting {
		return false, s
	}
	s.IsInterrupting = true
	return true, s
}

// EndInterrupt clears isInterrupting.
func EndInterrupt(s State) State {
	s.IsInterrupting = false
	return s
}

// IncrementGeneration increments the monotonic generation fence. Used by
// kill to invalidate any in-flight query's late events.
func IncrementGeneration(s State) State {
	s.Generation++
	return s
}

// Reset returns a fresh State that preserves the generation counter
// (generation is monotonically non-decreasing for the lifetime of the
// owning Session) while clearing every other field. Used when a Session is
// killed and will be reused for a new conversation.
func Reset(s State) State {
	return State{Generation: s.Generation}
}
