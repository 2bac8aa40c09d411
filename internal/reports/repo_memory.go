package reports

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo stores reports in memory and is safe for concurrent use.
type MemoryRepo struct {
	mu          sync.RWMutex
	byID        map[string]Report
	checkpoints map[string]map[string]StepCheckpoint
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		byID:        make(map[string]Report),
		checkpoints: make(map[string]map[string]StepCheckpoint),
	}
}

// Create stores the report.
func (r *MemoryRepo) Create(ctx context.Context, report Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now().UTC()
	}
	if report.UpdatedAt.IsZero() {
		report.UpdatedAt = report.CreatedAt
	}
	r.byID[report.ID] = report
	return nil
}

// GetByID returns a report by its ID.
func (r *MemoryRepo) GetByID(ctx context.Context, reportID string) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	report, ok := r.byID[reportID]
	if !ok {
		return Report{}, ErrNotFound
	}
	return report, nil
}

// ListByAccount returns an account's reports newest-first with limit/offset.
func (r *MemoryRepo) ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	r.mu.RLock()
	var out []Report
	for _, report := range r.byID {
		if report.AccountID == accountID {
			out = append(out, report)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if offset >= len(out) {
		return []Report{}, nil
	}
	end := len(out)
	if offset+limit < end {
		end = offset + limit
	}
	return out[offset:end], nil
}

// SetProcessing moves a pending or processing report onto the given step.
func (r *MemoryRepo) SetProcessing(ctx context.Context, reportID, step string) error {
	return r.mutate(ctx, reportID, func(report *Report) error {
		if report.Status != StatusPending && report.Status != StatusProcessing {
			return ErrInvalidState
		}
		report.Status = StatusProcessing
		report.CurrentStep = &step
		return nil
	})
}

// Suspend appends an unanswered clarification and parks the report in clarifying.
func (r *MemoryRepo) Suspend(ctx context.Context, reportID string, c Clarification, expiresAt time.Time) error {
	return r.mutate(ctx, reportID, func(report *Report) error {
		if report.Status != StatusPending && report.Status != StatusProcessing {
			return ErrInvalidState
		}
		report.Status = StatusClarifying
		report.Clarifications = append(report.Clarifications, c)
		report.ClarificationExpiresAt = &expiresAt
		return nil
	})
}

// AnswerClarification records the answer on the trailing unanswered entry.
func (r *MemoryRepo) AnswerClarification(ctx context.Context, reportID, answer string, answeredAt time.Time) error {
	return r.mutate(ctx, reportID, func(report *Report) error {
		if report.Status != StatusClarifying {
			return ErrInvalidState
		}
		idx, ok := report.LastUnanswered()
		if !ok {
			return ErrInvalidState
		}
		clarifications := append([]Clarification(nil), report.Clarifications...)
		answeredAtUTC := answeredAt.UTC()
		clarifications[idx].Answer = &answer
		clarifications[idx].AnsweredAt = &answeredAtUTC
		report.Clarifications = clarifications
		report.Status = StatusProcessing
		report.ClarificationExpiresAt = nil
		return nil
	})
}

// Complete stores the final report data.
func (r *MemoryRepo) Complete(ctx context.Context, reportID string, title *string, reportData map[string]any) error {
	return r.mutate(ctx, reportID, func(report *Report) error {
		if report.Status != StatusPending && report.Status != StatusProcessing {
			return ErrInvalidState
		}
		report.Status = StatusComplete
		report.ReportData = reportData
		if title != nil {
			report.Title = title
		}
		return nil
	})
}

// Fail marks the report terminally errored.
func (r *MemoryRepo) Fail(ctx context.Context, reportID, message string) error {
	return r.mutate(ctx, reportID, func(report *Report) error {
		if report.Status.Terminal() {
			return ErrInvalidState
		}
		report.Status = StatusError
		report.ErrorMessage = &message
		return nil
	})
}

// ExpireStale moves clarifying reports past their deadline to expired.
func (r *MemoryRepo) ExpireStale(ctx context.Context, cutoff time.Time, message string) ([]Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Report
	for id, report := range r.byID {
		if report.Status != StatusClarifying || report.ClarificationExpiresAt == nil {
			continue
		}
		if report.ClarificationExpiresAt.After(cutoff) {
			continue
		}
		report.Status = StatusExpired
		msg := message
		report.ErrorMessage = &msg
		report.ClarificationExpiresAt = nil
		report.UpdatedAt = time.Now().UTC()
		r.byID[id] = report
		out = append(out, report)
	}
	return out, nil
}

// SaveCheckpoint persists one completed step; replays are no-ops.
func (r *MemoryRepo) SaveCheckpoint(ctx context.Context, cp StepCheckpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	steps, ok := r.checkpoints[cp.ReportID]
	if !ok {
		steps = make(map[string]StepCheckpoint)
		r.checkpoints[cp.ReportID] = steps
	}
	if _, exists := steps[cp.Step]; exists {
		return nil
	}
	if cp.CompletedAt.IsZero() {
		cp.CompletedAt = time.Now().UTC()
	}
	steps[cp.Step] = cp
	return nil
}

// Checkpoints returns the completed steps for a report keyed by step label.
func (r *MemoryRepo) Checkpoints(ctx context.Context, reportID string) (map[string]StepCheckpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]StepCheckpoint, len(r.checkpoints[reportID]))
	for step, cp := range r.checkpoints[reportID] {
		out[step] = cp
	}
	return out, nil
}

// ReservedTokens sums reservations held by the account's in-flight reports.
func (r *MemoryRepo) ReservedTokens(ctx context.Context, accountID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var sum int64
	for _, report := range r.byID {
		if report.AccountID == accountID && report.Status.InFlight() {
			sum += report.TokensReserved
		}
	}
	return sum, nil
}

func (r *MemoryRepo) mutate(ctx context.Context, reportID string, fn func(*Report) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	report, ok := r.byID[reportID]
	if !ok {
		return ErrNotFound
	}
	if err := fn(&report); err != nil {
		return err
	}
	report.UpdatedAt = time.Now().UTC()
	r.byID[reportID] = report
	return nil
}
