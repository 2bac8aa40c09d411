package usage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryStore struct {
	mu           sync.Mutex
	periods      map[string]*Period
	reservations ReservationSource
	defaultLimit int64
}

func newMemoryStore(reservations ReservationSource, defaultLimit int64) *memoryStore {
	return &memoryStore{
		periods:      make(map[string]*Period),
		reservations: reservations,
		defaultLimit: defaultLimit,
	}
}

func (s *memoryStore) TryReserve(ctx context.Context, accountID string, estimate int64, onGrant func(context.Context) error) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	period := s.ensureLocked(accountID)
	reserved, err := s.reservedLocked(ctx, accountID)
	if err != nil {
		return Snapshot{}, err
	}

	snap := snapshotOf(*period, reserved, estimate)
	if period.TokensLimit-period.TokensUsed < estimate {
		return snap, ErrInsufficientTokens
	}
	if period.TokensLimit-period.TokensUsed-reserved < estimate {
		return snap, ErrReportsInFlight
	}

	if onGrant != nil {
		if err := onGrant(ctx); err != nil {
			return Snapshot{}, err
		}
	}
	snap.Reserved += estimate
	return snap, nil
}

func (s *memoryStore) Check(ctx context.Context, accountID string, estimate int64) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	period := s.ensureLocked(accountID)
	reserved, err := s.reservedLocked(ctx, accountID)
	if err != nil {
		return Snapshot{}, err
	}
	return snapshotOf(*period, reserved, estimate), nil
}

func (s *memoryStore) Record(ctx context.Context, accountID, usageType string, inputTokens, outputTokens int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if inputTokens <= 0 && outputTokens <= 0 {
		return nil
	}
	_ = usageType
	s.mu.Lock()
	defer s.mu.Unlock()
	period := s.ensureLocked(accountID)
	period.TokensUsed += inputTokens + outputTokens
	return nil
}

func (s *memoryStore) Reset(ctx context.Context, accountID string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	period := s.ensureLocked(accountID)
	period.TokensUsed = 0
	return snapshotOf(*period, 0, 0), nil
}

func (s *memoryStore) ensureLocked(accountID string) *Period {
	period, ok := s.periods[accountID]
	now := time.Now().UTC()
	if ok && now.Before(period.PeriodEnd) {
		return period
	}
	limit := s.defaultLimit
	if ok {
		period.Status = PeriodStatusCompleted
		limit = period.TokensLimit
	}
	fresh := &Period{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		TokensLimit: limit,
		PeriodStart: now,
		PeriodEnd:   now.AddDate(0, 1, 0),
		Status:      PeriodStatusActive,
	}
	s.periods[accountID] = fresh
	return fresh
}

func (s *memoryStore) reservedLocked(ctx context.Context, accountID string) (int64, error) {
	if s.reservations == nil {
		return 0, nil
	}
	return s.reservations.ReservedTokens(ctx, accountID)
}
