package replicate

import "time"

// HealKind tells a data heal from an entry heal.
type HealKind int

const (
	// HealData repairs the content of a regular file
	HealData HealKind = iota
	// HealEntry repairs the entries of a directory
	HealEntry
)

func (k HealKind) String() string {
	if k == HealEntry {
		return "entry"
	}
	return "data"
}

// Outcome is the result class of one heal session.
type Outcome int

const (
	// OutcomeClean means the replicas were already consistent
	OutcomeClean Outcome = iota
	// OutcomeHealed means at least one replica was repaired
	OutcomeHealed
	// OutcomeSplitBrain means no replica could be trusted
	OutcomeSplitBrain
	// OutcomeFailed means the session aborted on an error
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeClean:
		return "clean"
	case OutcomeHealed:
		return "healed"
	case OutcomeSplitBrain:
		return "split-brain"
	default:
		return "failed"
	}
}

// HealMetrics receives self-heal observations.
//
// Implementations must be safe for concurrent use.
type HealMetrics interface {
	// SessionStarted is called when a heal session starts
	SessionStarted(kind HealKind)

	// SessionFinished is called once per session with its outcome
	SessionFinished(kind HealKind, outcome Outcome, duration time.Duration)

	// BytesCopied is called for every chunk written by data heal
	BytesCopied(n int)
}

type noopMetrics struct{}

func (noopMetrics) SessionStarted(HealKind) {}
func (noopMetrics) SessionFinished(HealKind, Outcome, time.Duration) {}
func (noopMetrics) BytesCopied(int) {}
