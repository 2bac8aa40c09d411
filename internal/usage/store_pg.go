package usage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

type pgStore struct {
	DB           *sql.DB
	DefaultLimit int64
}

// NewPGStore constructs a Postgres-backed usage store. defaultLimit is the
// tokens_limit assigned to lazily created periods.
func NewPGStore(db *sql.DB, defaultLimit int64) *pgStore {
	return &pgStore{DB: db, DefaultLimit: defaultLimit}
}

// TryReserve locks the account's active period, computes availability against
// used + reserved, and runs onGrant under the lock. The reserved sum is read
// from committed report rows, so the lock only needs to serialize admission
// checks for one account, not all writes.
func (s *pgStore) TryReserve(ctx context.Context, accountID string, estimate int64, onGrant func(context.Context) error) (Snapshot, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Snapshot{}, err
	}
	defer tx.Rollback()

	period, err := s.lockAndEnsure(ctx, tx, accountID)
	if err != nil {
		return Snapshot{}, err
	}
	reserved, err := s.reservedSum(ctx, tx, accountID)
	if err != nil {
		return Snapshot{}, err
	}

	snap := snapshotOf(period, reserved, estimate)
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
	if err := tx.Commit(); err != nil {
		return Snapshot{}, err
	}
	snap.Reserved += estimate
	return snap, nil
}

// Check returns the usage snapshot without granting anything.
func (s *pgStore) Check(ctx context.Context, accountID string, estimate int64) (Snapshot, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Snapshot{}, err
	}
	defer tx.Rollback()

	period, err := s.lockAndEnsure(ctx, tx, accountID)
	if err != nil {
		return Snapshot{}, err
	}
	reserved, err := s.reservedSum(ctx, tx, accountID)
	if err != nil {
		return Snapshot{}, err
	}
	if err := tx.Commit(); err != nil {
		return Snapshot{}, err
	}
	return snapshotOf(period, reserved, estimate), nil
}

// Record adds actual consumption to the active period.
func (s *pgStore) Record(ctx context.Context, accountID, usageType string, inputTokens, outputTokens int64) error {
	if inputTokens <= 0 && outputTokens <= 0 {
		return nil
	}
	_ = usageType // retained for the RPC surface; periods meter totals only
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	period, err := s.lockAndEnsure(ctx, tx, accountID)
	if err != nil {
		return err
	}
	total := period.TokensUsed + inputTokens + outputTokens
	if _, err := tx.ExecContext(ctx,
		`UPDATE usage_periods SET tokens_used = $1 WHERE id = $2::uuid`,
		total, period.ID); err != nil {
		return err
	}
	return tx.Commit()
}

// Reset zeroes the active period.
func (s *pgStore) Reset(ctx context.Context, accountID string) (Snapshot, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Snapshot{}, err
	}
	defer tx.Rollback()

	period, err := s.lockAndEnsure(ctx, tx, accountID)
	if err != nil {
		return Snapshot{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE usage_periods SET tokens_used = 0 WHERE id = $1::uuid`,
		period.ID); err != nil {
		return Snapshot{}, err
	}
	if err := tx.Commit(); err != nil {
		return Snapshot{}, err
	}
	period.TokensUsed = 0
	return snapshotOf(period, 0, 0), nil
}

// lockAndEnsure returns the account's active period with its row locked,
// creating it lazily and rolling an expired one over to a fresh month.
func (s *pgStore) lockAndEnsure(ctx context.Context, tx *sql.Tx, accountID string) (Period, error) {
	var p Period
	row := tx.QueryRowContext(ctx, `
SELECT id, account_id, tokens_used, tokens_limit, period_start, period_end, status
FROM usage_periods
WHERE account_id = $1 AND status = 'active'
FOR UPDATE`, accountID)
	err := row.Scan(&p.ID, &p.AccountID, &p.TokensUsed, &p.TokensLimit, &p.PeriodStart, &p.PeriodEnd, &p.Status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s.insertPeriod(ctx, tx, accountID, s.DefaultLimit)
		}
		return Period{}, err
	}

	now := time.Now().UTC()
	if now.Before(p.PeriodEnd) {
		return p, nil
	}

	// Month rollover: supersede the exhausted period with a fresh one.
	if _, err := tx.ExecContext(ctx,
		`UPDATE usage_periods SET status = 'completed' WHERE id = $1::uuid`,
		p.ID); err != nil {
		return Period{}, err
	}
	return s.insertPeriod(ctx, tx, accountID, p.TokensLimit)
}

func (s *pgStore) insertPeriod(ctx context.Context, tx *sql.Tx, accountID string, limit int64) (Period, error) {
	now := time.Now().UTC()
	p := Period{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		TokensUsed:  0,
		TokensLimit: limit,
		PeriodStart: now,
		PeriodEnd:   now.AddDate(0, 1, 0),
		Status:      PeriodStatusActive,
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO usage_periods (id, account_id, tokens_used, tokens_limit, period_start, period_end, status)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.AccountID, p.TokensUsed, p.TokensLimit, p.PeriodStart, p.PeriodEnd, p.Status); err != nil {
		return Period{}, err
	}
	return p, nil
}

func (s *pgStore) reservedSum(ctx context.Context, tx *sql.Tx, accountID string) (int64, error) {
	var reserved int64
	err := tx.QueryRowContext(ctx, `
SELECT COALESCE(SUM(tokens_reserved), 0)
FROM reports
WHERE account_id = $1 AND status IN ('pending', 'processing', 'clarifying')`, accountID).Scan(&reserved)
	if err != nil {
		return 0, err
	}
	return reserved, nil
}
