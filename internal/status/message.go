package status

// Message lifecycle statuses. Transitions only move forward through the
// delivery pipeline; Failed is terminal until an explicit revive.
const (
	Pending   = "pending"
	Sent      = "sent"
	Delivered = "delivered"
	Read      = "read"
	Failed    = "failed"
)

// rank orders the delivery pipeline. Failed sits outside the pipeline.
var rank = map[string]int{
	Pending:   0,
	Sent:      1,
	Delivered: 2,
	Read:      3,
}

// Valid reports whether s is a known message status.
func Valid(s string) bool {
	if s == Failed {
		return true
	}
	_, ok := rank[s]
	return ok
}

// CanTransition reports whether a message may move from one status to
// another. Pipeline statuses only move forward. Any pipeline status may
// fail; Failed may only be revived to Pending (manual retry).
func CanTransition(from, to string) bool {
	if from == to {
		return false
	}
	if from == Failed {
		return to == Pending
	}
	if to == Failed {
		return true
	}
	rf, okf := rank[from]
	rt, okt := rank[to]
	if !okf || !okt {
		return false
	}
	return rt > rf
}
