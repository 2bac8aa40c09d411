package reports

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"sparlo-backend/internal/extract"
	"sparlo-backend/internal/notify"
	"sparlo-backend/internal/queue"
	"sparlo-backend/internal/shared/metrics"
	"sparlo-backend/internal/shared/storage/object"
	"sparlo-backend/internal/shared/telemetry"
	"sparlo-backend/internal/usage"
)

const maxAttachments = 5

// Upload is one attachment received with a submission, held in memory until
// it is persisted to the object store.
type Upload struct {
	Name     string
	MimeType string
	Data     []byte
}

// Service contains business logic for report submission and the
// clarification answer path. Pipeline execution lives in the worker; the
// service only admits work and enqueues it.
type Service struct {
	Repo          Repo
	Usage         *usage.Service
	Store         object.ObjectStore
	Queue         queue.Client
	Notifier      notify.Notifier
	TokenEstimate int64
}

// Submit validates a new report request, reserves token budget, persists the
// report, and enqueues a pipeline run. The report row is created inside the
// usage reservation so admission and creation are a single atomic decision.
func (s *Service) Submit(ctx context.Context, accountID, designChallenge string, uploads []Upload) (Report, error) {
	designChallenge = strings.TrimSpace(designChallenge)
	if accountID == "" {
		return Report{}, errors.New("accountID is required")
	}
	if designChallenge == "" {
		return Report{}, errors.New("design challenge is required")
	}
	if len(uploads) > maxAttachments {
		return Report{}, fmt.Errorf("at most %d attachments are allowed", maxAttachments)
	}

	attachments, err := s.storeUploads(ctx, accountID, uploads)
	if err != nil {
		return Report{}, err
	}

	now := time.Now().UTC()
	report := Report{
		ID:              uuid.NewString(),
		AccountID:       accountID,
		Status:          StatusPending,
		DesignChallenge: designChallenge,
		Attachments:     attachments,
		Clarifications:  []Clarification{},
		TokensReserved:  s.TokenEstimate,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	_, err = s.Usage.TryReserve(ctx, accountID, s.TokenEstimate, func(grantCtx context.Context) error {
		return s.Repo.Create(grantCtx, report)
	})
	if err != nil {
		if errors.Is(err, usage.ErrInsufficientTokens) || errors.Is(err, usage.ErrReportsInFlight) {
			metrics.IncAdmissionDenied()
		}
		// No report row references the stored attachments now; remove them
		// rather than leaving orphans behind.
		s.removeAttachments(ctx, attachments)
		return Report{}, err
	}

	if err := s.enqueue(ctx, report.ID, queue.KindRun); err != nil {
		// The reservation is already held by the persisted row; fail the
		// report so it releases rather than leaking a phantom in-flight slot.
		if failErr := s.Repo.Fail(ctx, report.ID, "Failed to queue analysis. Please try again."); failErr != nil {
			telemetry.Error("reports.enqueue_cleanup_failed", map[string]any{
				"report_id": report.ID,
				"error":     failErr.Error(),
			})
		}
		return Report{}, fmt.Errorf("enqueue report: %w", err)
	}

	metrics.IncReportStarted()
	s.publish(ctx, report)

	telemetry.Info("reports.submitted", map[string]any{
		"report_id":   report.ID,
		"account_id":  accountID,
		"attachments": len(attachments),
		"request_id":  requestIDFromContext(ctx),
	})

	return report, nil
}

// Get returns a report owned by the account. Reports belonging to other
// accounts are indistinguishable from missing ones.
func (s *Service) Get(ctx context.Context, accountID, reportID string) (Report, error) {
	report, err := s.Repo.GetByID(ctx, reportID)
	if err != nil {
		return Report{}, err
	}
	if report.AccountID != accountID {
		return Report{}, ErrNotFound
	}
	return report, nil
}

// List returns the account's reports, newest first.
func (s *Service) List(ctx context.Context, accountID string, limit, offset int) ([]Report, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.Repo.ListByAccount(ctx, accountID, limit, offset)
}

// Progress returns the report together with its completed step checkpoints,
// which the read API turns into phase-level progress.
func (s *Service) Progress(ctx context.Context, accountID, reportID string) (Report, map[string]StepCheckpoint, error) {
	report, err := s.Get(ctx, accountID, reportID)
	if err != nil {
		return Report{}, nil, err
	}
	checkpoints, err := s.Repo.Checkpoints(ctx, reportID)
	if err != nil {
		return Report{}, nil, err
	}
	return report, checkpoints, nil
}

// AnswerClarification records the answer to a suspended report's pending
// question and enqueues the resume. The underlying update is guarded, so a
// duplicate or late answer returns ErrInvalidState instead of re-running the
// pipeline twice.
func (s *Service) AnswerClarification(ctx context.Context, accountID, reportID, answer string) (Report, error) {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return Report{}, ErrEmptyAnswer
	}

	if _, err := s.Get(ctx, accountID, reportID); err != nil {
		return Report{}, err
	}

	if err := s.Repo.AnswerClarification(ctx, reportID, answer, time.Now().UTC()); err != nil {
		return Report{}, err
	}

	if err := s.enqueue(ctx, reportID, queue.KindResume); err != nil {
		if failErr := s.Repo.Fail(ctx, reportID, "Failed to resume analysis. Please try again."); failErr != nil {
			telemetry.Error("reports.resume_cleanup_failed", map[string]any{
				"report_id": reportID,
				"error":     failErr.Error(),
			})
		}
		return Report{}, fmt.Errorf("enqueue resume: %w", err)
	}

	metrics.IncClarificationAnswered()

	report, err := s.Repo.GetByID(ctx, reportID)
	if err != nil {
		return Report{}, err
	}
	s.publish(ctx, report)

	telemetry.Info("reports.clarification_answered", map[string]any{
		"report_id":  reportID,
		"account_id": accountID,
		"request_id": requestIDFromContext(ctx),
	})

	return report, nil
}

func (s *Service) storeUploads(ctx context.Context, accountID string, uploads []Upload) ([]Attachment, error) {
	attachments := make([]Attachment, 0, len(uploads))
	for _, up := range uploads {
		if len(up.Data) == 0 {
			s.removeAttachments(ctx, attachments)
			return nil, fmt.Errorf("attachment %q is empty", up.Name)
		}
		key, size, mimeType, err := s.Store.Save(ctx, accountID, up.Name, bytes.NewReader(up.Data))
		if err != nil {
			s.removeAttachments(ctx, attachments)
			return nil, fmt.Errorf("store attachment %q: %w", up.Name, err)
		}
		att := Attachment{
			Name:       up.Name,
			MimeType:   mimeType,
			SizeBytes:  size,
			StorageKey: key,
		}
		if _, err := extract.ExtractText(ctx, s.Store, key, mimeType, up.Name); err == nil {
			extractedKey := key + ".extracted.txt"
			att.ExtractedTextKey = &extractedKey
		} else {
			telemetry.Warn("reports.extract_skipped", map[string]any{
				"attachment": up.Name,
				"error":      err.Error(),
			})
		}
		attachments = append(attachments, att)
	}
	return attachments, nil
}

func (s *Service) removeAttachments(ctx context.Context, attachments []Attachment) {
	for _, att := range attachments {
		keys := []string{att.StorageKey}
		if att.ExtractedTextKey != nil {
			keys = append(keys, *att.ExtractedTextKey)
		}
		for _, key := range keys {
			if err := s.Store.Delete(ctx, key); err != nil {
				telemetry.Warn("reports.attachment_cleanup_failed", map[string]any{
					"storage_key": key,
					"error":       err.Error(),
				})
			}
		}
	}
}

func (s *Service) enqueue(ctx context.Context, reportID, kind string) error {
	if s.Queue == nil {
		return errors.New("queue client is not configured")
	}
	return s.Queue.Send(ctx, queue.Message{
		ReportID:   reportID,
		Kind:       kind,
		RequestID:  requestIDFromContext(ctx),
		EnqueuedAt: time.Now().UTC().Format(time.RFC3339),
		Version:    1,
	})
}

func (s *Service) publish(ctx context.Context, report Report) {
	if s.Notifier == nil {
		return
	}
	update := notify.ReportUpdate{
		ReportID:  report.ID,
		AccountID: report.AccountID,
		Status:    string(report.Status),
	}
	if report.CurrentStep != nil {
		update.CurrentStep = *report.CurrentStep
	}
	if err := s.Notifier.Publish(ctx, update); err != nil {
		telemetry.Warn("reports.notify_failed", map[string]any{
			"report_id": report.ID,
			"error":     err.Error(),
		})
	}
}
