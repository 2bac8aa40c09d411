package reports

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"

	"sparlo-backend/internal/queue"
	localstore "sparlo-backend/internal/shared/storage/object/local"
	"sparlo-backend/internal/usage"
)

func newTestService(t *testing.T, q queue.Client) (*Service, *MemoryRepo) {
	t.Helper()
	repo := NewMemoryRepo()
	svc := &Service{
		Repo:          repo,
		Usage:         usage.NewService(repo, 1_000_000),
		Store:         localstore.New(t.TempDir()),
		Queue:         q,
		TokenEstimate: 120_000,
	}
	return svc, repo
}

func TestSubmitStoresAttachments(t *testing.T) {
	q := &queueStub{}
	svc, repo := newTestService(t, q)

	uploads := []Upload{{
		Name:     "notes.txt",
		MimeType: "text/plain",
		Data:     []byte("rotor tip speed is the dominant noise source"),
	}}
	report, err := svc.Submit(context.Background(), "acct-1", "Quieter drone rotors", uploads)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	stored, err := repo.GetByID(context.Background(), report.ID)
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if len(stored.Attachments) != 1 {
		t.Fatalf("expected 1 attachment, got %d", len(stored.Attachments))
	}
	att := stored.Attachments[0]
	if att.Name != "notes.txt" || att.StorageKey == "" || att.SizeBytes == 0 {
		t.Fatalf("attachment metadata incomplete: %+v", att)
	}
	if att.ExtractedTextKey == nil {
		t.Fatalf("expected extracted text key for text/plain")
	}

	body, err := svc.Store.Open(context.Background(), *att.ExtractedTextKey)
	if err != nil {
		t.Fatalf("open extracted text: %v", err)
	}
	defer body.Close()
	text, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read extracted text: %v", err)
	}
	if !strings.Contains(string(text), "rotor tip speed") {
		t.Fatalf("extracted text = %q", text)
	}
}

func TestSubmitDeniedRemovesStoredAttachments(t *testing.T) {
	q := &queueStub{}
	repo := NewMemoryRepo()
	dir := t.TempDir()
	svc := &Service{
		Repo:          repo,
		Usage:         usage.NewService(repo, 100), // estimate can never fit
		Store:         localstore.New(dir),
		Queue:         q,
		TokenEstimate: 120_000,
	}

	uploads := []Upload{{
		Name:     "notes.txt",
		MimeType: "text/plain",
		Data:     []byte("rotor tip speed is the dominant noise source"),
	}}
	_, err := svc.Submit(context.Background(), "acct-1", "challenge", uploads)
	if !errors.Is(err, usage.ErrInsufficientTokens) {
		t.Fatalf("expected admission denial, got %v", err)
	}
	if len(q.sent()) != 0 {
		t.Fatalf("expected no queue messages on denial")
	}

	// Nothing references the uploads now, so neither the original nor the
	// extracted text may survive in the store.
	var leftover []string
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			leftover = append(leftover, path)
		}
		return nil
	})
	if walkErr != nil {
		t.Fatalf("walk store dir: %v", walkErr)
	}
	if len(leftover) != 0 {
		t.Fatalf("orphaned objects after denial: %v", leftover)
	}
}

func TestSubmitRejectsEmptyAttachment(t *testing.T) {
	svc, _ := newTestService(t, &queueStub{})

	_, err := svc.Submit(context.Background(), "acct-1", "challenge", []Upload{{Name: "empty.pdf"}})
	if err == nil {
		t.Fatalf("expected error for empty attachment")
	}
}

func TestSubmitFailsReportWhenEnqueueFails(t *testing.T) {
	q := &queueStub{err: errors.New("sqs unavailable")}
	svc, repo := newTestService(t, q)
	ctx := context.Background()

	_, err := svc.Submit(ctx, "acct-1", "challenge", nil)
	if err == nil {
		t.Fatalf("expected enqueue error to surface")
	}

	// The persisted row must land in a terminal state so the reservation
	// it carries is released.
	listed, err := repo.ListByAccount(ctx, "acct-1", 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 1 || listed[0].Status != StatusError {
		t.Fatalf("expected one errored report, got %+v", listed)
	}

	reserved, err := repo.ReservedTokens(ctx, "acct-1")
	if err != nil {
		t.Fatalf("reserved tokens: %v", err)
	}
	if reserved != 0 {
		t.Fatalf("reserved = %d after cleanup, want 0", reserved)
	}

	q.err = nil
	if _, err := svc.Submit(ctx, "acct-1", "challenge", nil); err != nil {
		t.Fatalf("submit after cleanup: %v", err)
	}
}

func TestGetHidesForeignReports(t *testing.T) {
	svc, repo := newTestService(t, &queueStub{})
	ctx := context.Background()

	if err := repo.Create(ctx, Report{ID: "r1", AccountID: "acct-2", Status: StatusComplete}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := svc.Get(ctx, "acct-1", "r1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign report, got %v", err)
	}
	if _, err := svc.Get(ctx, "acct-2", "r1"); err != nil {
		t.Fatalf("owner get: %v", err)
	}
}
