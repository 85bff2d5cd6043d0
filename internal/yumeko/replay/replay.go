// Package replay re-injects messages that arrived while the agent was
// offline. Once per room, shortly after startup, the engine fetches a
// bounded slice of recent history, drops everything the agent has already
// seen, and hands the remainder to the host's normal intake path as one
// marker-bracketed batch — so downstream code treats caught-up history
// exactly like live traffic, minus the flood.
package replay

import "time"

// Offline markers bracketing an admitted batch in the message history. They
// are stored as ordinary messages so later readers can tell caught-up
// history from live conversation.
const (
	MarkerBegin = "----- offline messages below -----"
	MarkerEnd   = "----- offline messages above, sync complete -----"
)

// InboundEvent is one historical message fetched from the platform. Events
// are immutable once fetched.
type InboundEvent struct {
	// ID is the platform-assigned event ID. May be empty; deduplication
	// falls back to a content fingerprint then.
	ID     string
	Sender string
	Body   string
	Time   time.Time
}

// Batch is the admitted subsequence of one room's backlog: chronological,
// deduplicated, passed downstream as one logical unit.
type Batch struct {
	// ID labels the batch; every message row it produces carries it.
	ID     string
	Group  string
	Events []InboundEvent

	// Markers selects whether intake brackets the batch with the offline
	// markers.
	Markers bool
}
