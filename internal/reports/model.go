package reports

import (
	"encoding/json"
	"time"
)

// Status is the closed set of report lifecycle states. It is shared by the
// pipeline, the clarification resume path, and the read API so the three
// cannot drift apart.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusClarifying Status = "clarifying"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
	StatusExpired    Status = "expired"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusClarifying, StatusComplete, StatusError, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusError, StatusExpired:
		return true
	}
	return false
}

// InFlight reports whether a report in this state holds its token reservation.
func (s Status) InFlight() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusClarifying:
		return true
	}
	return false
}

// Clarification is one question-answer exchange that paused the pipeline.
// Optional fields are serialized present-with-null, never omitted.
type Clarification struct {
	ID         string     `json:"id"`
	Question   string     `json:"question"`
	Context    *string    `json:"context"`
	Options    []string   `json:"options"`
	Answer     *string    `json:"answer"`
	AskedAt    time.Time  `json:"askedAt"`
	AnsweredAt *time.Time `json:"answeredAt"`
}

// Answered reports whether the clarification has an answer.
func (c Clarification) Answered() bool {
	return c.Answer != nil
}

// Attachment is metadata for one stored submission attachment.
type Attachment struct {
	Name             string  `json:"name"`
	MimeType         string  `json:"mimeType"`
	SizeBytes        int64   `json:"sizeBytes"`
	StorageKey       string  `json:"storageKey"`
	ExtractedTextKey *string `json:"extractedTextKey"`
}

// Report is one user-submitted analysis request and its persisted lifecycle
// record. It is the single source of truth the read API serves; all
// cross-step pipeline state flows through this row and its checkpoints,
// never through process memory.
type Report struct {
	ID                     string
	AccountID              string
	Status                 Status
	CurrentStep            *string
	Title                  *string
	DesignChallenge        string
	Attachments            []Attachment
	Clarifications         []Clarification
	ReportData             map[string]any
	ErrorMessage           *string
	TokensReserved         int64
	ClarificationExpiresAt *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// LastUnanswered returns the index of the trailing unanswered clarification.
func (r Report) LastUnanswered() (int, bool) {
	if len(r.Clarifications) == 0 {
		return 0, false
	}
	last := len(r.Clarifications) - 1
	if r.Clarifications[last].Answered() {
		return 0, false
	}
	return last, true
}

// AnsweredRounds counts completed clarification exchanges.
func (r Report) AnsweredRounds() int {
	n := 0
	for _, c := range r.Clarifications {
		if c.Answered() {
			n++
		}
	}
	return n
}

// StepCheckpoint is the durable record of one completed pipeline step. A
// checkpoint existing means the step ran exactly once; re-delivery of a
// pipeline message skips checkpointed steps.
type StepCheckpoint struct {
	ReportID     string
	Step         string
	Output       json.RawMessage
	InputTokens  int64
	OutputTokens int64
	CompletedAt  time.Time
}
