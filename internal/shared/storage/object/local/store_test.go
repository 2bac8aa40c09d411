package local

import (
	"context"
	"io"
	"strings"
	"testing"
)

func TestSaveAndOpenRoundTrip(t *testing.T) {
	store := New(t.TempDir())
	ctx := context.Background()

	key, size, mimeType, err := store.Save(ctx, "acct-1", "brief.txt", strings.NewReader("design brief contents"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if size != int64(len("design brief contents")) {
		t.Fatalf("size = %d", size)
	}
	if !strings.HasPrefix(mimeType, "text/plain") {
		t.Fatalf("mime = %q, want text/plain*", mimeType)
	}

	body, err := store.Open(ctx, key)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "design brief contents" {
		t.Fatalf("content = %q", data)
	}
}

func TestDeleteRemovesObject(t *testing.T) {
	store := New(t.TempDir())
	ctx := context.Background()

	key, _, _, err := store.Save(ctx, "acct-1", "brief.txt", strings.NewReader("contents"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Open(ctx, key); err == nil {
		t.Fatalf("expected open to fail after delete")
	}

	// Deleting an already-gone object is not an error.
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}

	if err := store.Delete(ctx, "../etc/passwd"); err == nil {
		t.Fatalf("expected traversal key to be rejected")
	}
}

func TestSaveNamespacesByAccount(t *testing.T) {
	store := New(t.TempDir())
	ctx := context.Background()

	key1, _, _, err := store.Save(ctx, "acct-1", "a.txt", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("save acct-1: %v", err)
	}
	key2, _, _, err := store.Save(ctx, "acct-2", "a.txt", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("save acct-2: %v", err)
	}

	dir1 := strings.SplitN(key1, "/", 2)[0]
	dir2 := strings.SplitN(key2, "/", 2)[0]
	if dir1 == dir2 {
		t.Fatalf("accounts share a namespace: %q", dir1)
	}
}

func TestOpenRejectsTraversal(t *testing.T) {
	store := New(t.TempDir())

	if _, err := store.Open(context.Background(), "../etc/passwd"); err == nil {
		t.Fatal("expected traversal key to be rejected")
	}
}

func TestSaveWithKeyWritesDerivedObject(t *testing.T) {
	store := New(t.TempDir())
	ctx := context.Background()

	key, _, _, err := store.Save(ctx, "acct-1", "spec.pdf", strings.NewReader("%PDF-1.4 fake"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	saver, ok := store.(interface {
		SaveWithKey(ctx context.Context, storageKey string, contentType string, r io.Reader) (int64, error)
	})
	if !ok {
		t.Fatal("local store must support SaveWithKey")
	}

	derived := key + ".extracted.txt"
	if _, err := saver.SaveWithKey(ctx, derived, "text/plain; charset=utf-8", strings.NewReader("extracted")); err != nil {
		t.Fatalf("save with key: %v", err)
	}

	body, err := store.Open(ctx, derived)
	if err != nil {
		t.Fatalf("open derived: %v", err)
	}
	defer body.Close()
	data, _ := io.ReadAll(body)
	if string(data) != "extracted" {
		t.Fatalf("derived content = %q", data)
	}
}
