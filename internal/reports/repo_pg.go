package reports

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"sparlo-backend/internal/shared/telemetry"
)

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

const reportColumns = `
id, account_id, status, current_step, title, design_challenge, attachments,
clarifications, report_data, error_message, tokens_reserved,
clarification_expires_at, created_at, updated_at`

// Create inserts a new report.
func (r *PGRepo) Create(ctx context.Context, report Report) error {
	const query = `
INSERT INTO reports (
	id, account_id, status, current_step, title, design_challenge, attachments,
	clarifications, report_data, error_message, tokens_reserved,
	clarification_expires_at, created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)`
	attachments, err := marshalJSONB(report.Attachments, "[]")
	if err != nil {
		return err
	}
	clarifications, err := marshalJSONB(report.Clarifications, "[]")
	if err != nil {
		return err
	}
	var reportData any
	if report.ReportData != nil {
		reportData, err = json.Marshal(report.ReportData)
		if err != nil {
			return err
		}
	}
	createdAt := report.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = r.DB.ExecContext(ctx, query,
		report.ID,
		report.AccountID,
		string(report.Status),
		report.CurrentStep,
		report.Title,
		report.DesignChallenge,
		attachments,
		clarifications,
		reportData,
		report.ErrorMessage,
		report.TokensReserved,
		report.ClarificationExpiresAt,
		createdAt,
	)
	return err
}

// GetByID returns a report by ID.
func (r *PGRepo) GetByID(ctx context.Context, reportID string) (Report, error) {
	query := `SELECT ` + reportColumns + ` FROM reports WHERE id = $1::uuid LIMIT 1`
	row := r.DB.QueryRowContext(ctx, query, reportID)
	report, err := scanReport(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Report{}, ErrNotFound
		}
		return Report{}, err
	}
	return report, nil
}

// ListByAccount returns an account's reports newest-first with limit/offset.
func (r *PGRepo) ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]Report, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + reportColumns + `
FROM reports
WHERE account_id = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3`
	rows, err := r.DB.QueryContext(ctx, query, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Report{}
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, report)
	}
	return out, rows.Err()
}

// SetProcessing moves a pending or processing report onto the given step.
func (r *PGRepo) SetProcessing(ctx context.Context, reportID, step string) error {
	const query = `
UPDATE reports
SET status = 'processing', current_step = $2, updated_at = now()
WHERE id = $1::uuid AND status IN ('pending', 'processing')`
	return r.guardedUpdate(ctx, reportID, query, reportID, step)
}

// Suspend appends an unanswered clarification and parks the report in clarifying.
func (r *PGRepo) Suspend(ctx context.Context, reportID string, c Clarification, expiresAt time.Time) error {
	entry, err := json.Marshal(c)
	if err != nil {
		return err
	}
	const query = `
UPDATE reports
SET status = 'clarifying',
    clarifications = clarifications || $2::jsonb,
    clarification_expires_at = $3,
    updated_at = now()
WHERE id = $1::uuid AND status IN ('pending', 'processing')`
	return r.guardedUpdate(ctx, reportID, query, reportID, string(entry), expiresAt)
}

// AnswerClarification records the answer on the trailing unanswered entry and
// resumes processing. The status guard makes duplicate submissions lose with
// ErrInvalidState instead of double-appending.
func (r *PGRepo) AnswerClarification(ctx context.Context, reportID, answer string, answeredAt time.Time) error {
	const query = `
UPDATE reports
SET clarifications = jsonb_set(
        jsonb_set(
            clarifications,
            ARRAY[(jsonb_array_length(clarifications) - 1)::text, 'answer'],
            to_jsonb($2::text)
        ),
        ARRAY[(jsonb_array_length(clarifications) - 1)::text, 'answeredAt'],
        to_jsonb($3::text)
    ),
    status = 'processing',
    clarification_expires_at = NULL,
    updated_at = now()
WHERE id = $1::uuid
  AND status = 'clarifying'
  AND jsonb_array_length(clarifications) > 0
  AND clarifications -> (jsonb_array_length(clarifications) - 1) ->> 'answer' IS NULL`
	res, err := r.DB.ExecContext(ctx, query, reportID, answer, answeredAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.classifyMiss(ctx, reportID)
	}
	return nil
}

// Complete stores the final report data.
func (r *PGRepo) Complete(ctx context.Context, reportID string, title *string, reportData map[string]any) error {
	payload, err := json.Marshal(reportData)
	if err != nil {
		return err
	}
	const query = `
UPDATE reports
SET status = 'complete',
    report_data = $2::jsonb,
    title = COALESCE($3::text, title),
    updated_at = now()
WHERE id = $1::uuid AND status IN ('pending', 'processing')`
	return r.guardedUpdate(ctx, reportID, query, reportID, string(payload), title)
}

// Fail marks the report terminally errored.
func (r *PGRepo) Fail(ctx context.Context, reportID, message string) error {
	const query = `
UPDATE reports
SET status = 'error', error_message = $2, updated_at = now()
WHERE id = $1::uuid AND status IN ('pending', 'processing', 'clarifying')`
	return r.guardedUpdate(ctx, reportID, query, reportID, message)
}

// ExpireStale moves clarifying reports past their answer deadline to expired.
func (r *PGRepo) ExpireStale(ctx context.Context, cutoff time.Time, message string) ([]Report, error) {
	query := `
UPDATE reports
SET status = 'expired', error_message = $2, clarification_expires_at = NULL, updated_at = now()
WHERE status = 'clarifying' AND clarification_expires_at <= $1
RETURNING ` + reportColumns
	rows, err := r.DB.QueryContext(ctx, query, cutoff, message)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Report
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, report)
	}
	return out, rows.Err()
}

// SaveCheckpoint persists one completed step; replays are no-ops.
func (r *PGRepo) SaveCheckpoint(ctx context.Context, cp StepCheckpoint) error {
	const query = `
INSERT INTO report_steps (report_id, step, output, input_tokens, output_tokens, completed_at)
VALUES ($1, $2, $3::jsonb, $4, $5, $6)
ON CONFLICT (report_id, step) DO NOTHING`
	completedAt := cp.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}
	_, err := r.DB.ExecContext(ctx, query,
		cp.ReportID,
		cp.Step,
		string(cp.Output),
		cp.InputTokens,
		cp.OutputTokens,
		completedAt,
	)
	return err
}

// Checkpoints returns the completed steps for a report keyed by step label.
func (r *PGRepo) Checkpoints(ctx context.Context, reportID string) (map[string]StepCheckpoint, error) {
	const query = `
SELECT report_id, step, output, input_tokens, output_tokens, completed_at
FROM report_steps
WHERE report_id = $1::uuid`
	rows, err := r.DB.QueryContext(ctx, query, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]StepCheckpoint)
	for rows.Next() {
		var cp StepCheckpoint
		var output string
		if err := rows.Scan(&cp.ReportID, &cp.Step, &output, &cp.InputTokens, &cp.OutputTokens, &cp.CompletedAt); err != nil {
			return nil, err
		}
		cp.Output = json.RawMessage(output)
		out[cp.Step] = cp
	}
	return out, rows.Err()
}

// ReservedTokens sums reservations held by the account's in-flight reports.
func (r *PGRepo) ReservedTokens(ctx context.Context, accountID string) (int64, error) {
	const query = `
SELECT COALESCE(SUM(tokens_reserved), 0)
FROM reports
WHERE account_id = $1 AND status IN ('pending', 'processing', 'clarifying')`
	var sum int64
	if err := r.DB.QueryRowContext(ctx, query, accountID).Scan(&sum); err != nil {
		return 0, err
	}
	return sum, nil
}

func (r *PGRepo) guardedUpdate(ctx context.Context, reportID, query string, args ...any) error {
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.classifyMiss(ctx, reportID)
	}
	return nil
}

// classifyMiss distinguishes a missing report from one in the wrong state
// after a guarded update touched zero rows.
func (r *PGRepo) classifyMiss(ctx context.Context, reportID string) error {
	var status string
	err := r.DB.QueryRowContext(ctx, `SELECT status FROM reports WHERE id = $1::uuid`, reportID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrInvalidState
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (Report, error) {
	var report Report
	var status string
	var currentStep sql.NullString
	var title sql.NullString
	var attachments sql.NullString
	var clarifications sql.NullString
	var reportData sql.NullString
	var errorMessage sql.NullString
	var expiresAt sql.NullTime
	err := row.Scan(
		&report.ID,
		&report.AccountID,
		&status,
		&currentStep,
		&title,
		&report.DesignChallenge,
		&attachments,
		&clarifications,
		&reportData,
		&errorMessage,
		&report.TokensReserved,
		&expiresAt,
		&report.CreatedAt,
		&report.UpdatedAt,
	)
	if err != nil {
		return Report{}, err
	}
	report.Status = Status(status)
	if currentStep.Valid {
		report.CurrentStep = &currentStep.String
	}
	if title.Valid {
		report.Title = &title.String
	}
	if attachments.Valid {
		if err := json.Unmarshal([]byte(attachments.String), &report.Attachments); err != nil {
			logCorruptColumn(report.ID, "attachments", err)
			report.Attachments = nil
		}
	}
	if clarifications.Valid {
		if err := json.Unmarshal([]byte(clarifications.String), &report.Clarifications); err != nil {
			logCorruptColumn(report.ID, "clarifications", err)
			report.Clarifications = nil
		}
	}
	if reportData.Valid {
		report.ReportData = map[string]any{}
		if err := json.Unmarshal([]byte(reportData.String), &report.ReportData); err != nil {
			logCorruptColumn(report.ID, "report_data", err)
			report.ReportData = nil
		}
	}
	if errorMessage.Valid {
		report.ErrorMessage = &errorMessage.String
	}
	if expiresAt.Valid {
		report.ClarificationExpiresAt = &expiresAt.Time
	}
	return report, nil
}

// logCorruptColumn records a JSONB column that failed to decode. The read
// degrades to a nil field so one corrupt row cannot take down listings, but
// corruption is never swallowed silently.
func logCorruptColumn(reportID, column string, err error) {
	telemetry.Error("reports.corrupt_column", map[string]any{
		"report_id": reportID,
		"column":    column,
		"error":     err.Error(),
	})
}

func marshalJSONB(v any, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}
