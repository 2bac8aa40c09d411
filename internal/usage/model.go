package usage

import "time"

const (
	PeriodStatusActive    = "active"
	PeriodStatusCompleted = "completed"
)

// Period is one account's token budget for one billing month. At most one
// active period exists per account; expired periods are marked completed and
// superseded in place.
type Period struct {
	ID          string
	AccountID   string
	TokensUsed  int64
	TokensLimit int64
	PeriodStart time.Time
	PeriodEnd   time.Time
	Status      string
}

// Snapshot is the usage view returned to callers and the read API.
type Snapshot struct {
	Allowed     bool      `json:"allowed"`
	TokensUsed  int64     `json:"tokensUsed"`
	TokensLimit int64     `json:"tokensLimit"`
	Reserved    int64     `json:"reserved"`
	Percentage  float64   `json:"percentage"`
	PeriodEnd   time.Time `json:"periodEnd"`
}

func snapshotOf(p Period, reserved, estimate int64) Snapshot {
	snap := Snapshot{
		TokensUsed:  p.TokensUsed,
		TokensLimit: p.TokensLimit,
		Reserved:    reserved,
		PeriodEnd:   p.PeriodEnd,
	}
	if p.TokensLimit > 0 {
		snap.Percentage = float64(p.TokensUsed+reserved) / float64(p.TokensLimit) * 100.0
	}
	snap.Allowed = p.TokensLimit-p.TokensUsed-reserved >= estimate
	return snap
}
