package usage

import "context"

// ReservationSource reports the tokens currently reserved by an account's
// in-flight reports. Reservations live on the report rows themselves, so
// releasing one is just the report reaching a terminal state.
type ReservationSource interface {
	ReservedTokens(ctx context.Context, accountID string) (int64, error)
}

type store interface {
	// TryReserve atomically checks the budget and, on a grant, runs onGrant
	// while still holding the account's period lock. onGrant records the
	// reservation by creating the report row; its failure voids the grant.
	TryReserve(ctx context.Context, accountID string, estimate int64, onGrant func(context.Context) error) (Snapshot, error)
	Check(ctx context.Context, accountID string, estimate int64) (Snapshot, error)
	Record(ctx context.Context, accountID, usageType string, inputTokens, outputTokens int64) error
	Reset(ctx context.Context, accountID string) (Snapshot, error)
}

// Service manages usage data via an underlying store.
type Service struct {
	store store
}

// NewService constructs a Service with an in-memory store.
func NewService(reservations ReservationSource, tokensLimit int64) *Service {
	return &Service{store: newMemoryStore(reservations, tokensLimit)}
}

// NewPostgresService constructs a Service backed by Postgres.
func NewPostgresService(pgStore store) *Service {
	return &Service{store: pgStore}
}

// TryReserve admits a new report if the account's remaining budget covers the
// estimate, serialized per-account against concurrent submissions.
func (s *Service) TryReserve(ctx context.Context, accountID string, estimate int64, onGrant func(context.Context) error) (Snapshot, error) {
	return s.store.TryReserve(ctx, accountID, estimate, onGrant)
}

// Check returns the current usage snapshot without reserving anything.
func (s *Service) Check(ctx context.Context, accountID string, estimate int64) (Snapshot, error) {
	return s.store.Check(ctx, accountID, estimate)
}

// Record adds actual token consumption to the active period. Usage is a soft
// limit: recording may push the period past its limit; only admission of new
// reports is blocked.
func (s *Service) Record(ctx context.Context, accountID, usageType string, inputTokens, outputTokens int64) error {
	return s.store.Record(ctx, accountID, usageType, inputTokens, outputTokens)
}

// Reset zeroes the active period. Dev-only surface.
func (s *Service) Reset(ctx context.Context, accountID string) (Snapshot, error) {
	return s.store.Reset(ctx, accountID)
}
