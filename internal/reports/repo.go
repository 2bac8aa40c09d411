package reports

import (
	"context"
	"time"
)

// Repo defines persistence operations for reports and their step checkpoints.
// Every status transition is a guarded update: the WHERE clause names the
// states the transition is legal from, so concurrent writers lose cleanly
// instead of corrupting the lifecycle.
type Repo interface {
	Create(ctx context.Context, report Report) error
	GetByID(ctx context.Context, reportID string) (Report, error)
	ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]Report, error)

	// SetProcessing moves a pending or processing report onto the given step.
	SetProcessing(ctx context.Context, reportID, step string) error

	// Suspend appends an unanswered clarification and parks the report in
	// clarifying with the given answer deadline. Legal only from
	// pending/processing.
	Suspend(ctx context.Context, reportID string, c Clarification, expiresAt time.Time) error

	// AnswerClarification records the answer on the trailing unanswered entry
	// and moves the report back to processing. It succeeds at most once per
	// suspension: a second call returns ErrInvalidState.
	AnswerClarification(ctx context.Context, reportID, answer string, answeredAt time.Time) error

	// Complete stores the final report data. Legal only from pending/processing.
	Complete(ctx context.Context, reportID string, title *string, reportData map[string]any) error

	// Fail marks the report terminally errored with a user-facing message.
	Fail(ctx context.Context, reportID, message string) error

	// ExpireStale moves clarifying reports whose deadline passed to expired
	// and returns them.
	ExpireStale(ctx context.Context, cutoff time.Time, message string) ([]Report, error)

	// SaveCheckpoint persists a completed step's output. Saving the same
	// (report, step) twice is a no-op, which is what makes step execution
	// exactly-once under message re-delivery.
	SaveCheckpoint(ctx context.Context, cp StepCheckpoint) error
	Checkpoints(ctx context.Context, reportID string) (map[string]StepCheckpoint, error)

	// ReservedTokens sums tokens_reserved over the account's in-flight
	// reports. Terminal reports drop out of the sum, which is how
	// reservations are released.
	ReservedTokens(ctx context.Context, accountID string) (int64, error)
}
