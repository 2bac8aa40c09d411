package llm

import (
	"context"
	"errors"
	"fmt"
)

// Client abstracts the LLM provider behind a single completion call.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Document is an attachment passed through to the provider.
type Document struct {
	Name      string
	MediaType string
	Data      []byte // raw bytes; the provider client handles encoding
	Text      string // pre-extracted text, sent as a text block when set
}

// Request captures one completion call.
type Request struct {
	System          string
	CacheablePrefix string // long shared prefix marked cacheable at the provider
	UserMessage     string
	Documents       []Document
	MaxTokens       int
	Temperature     float64
}

// Usage reports token consumption for one completion.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Response is the provider's completion output.
type Response struct {
	Content string
	Usage   Usage
}

// Error is a provider failure the pipeline can classify.
type Error struct {
	Status    int
	Type      string
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("llm error: %s (%s)", e.Message, e.Type)
	}
	return fmt.Sprintf("llm error: %s", e.Message)
}

// IsRetryable reports whether err is a transient provider failure.
func IsRetryable(err error) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Retryable
	}
	return false
}

// ErrNotConfigured is returned when no provider client is wired.
var ErrNotConfigured = errors.New("llm client not configured")

// PlaceholderClient is a stub implementation until provider wiring is added.
type PlaceholderClient struct{}

// Complete returns ErrNotConfigured.
func (PlaceholderClient) Complete(ctx context.Context, req Request) (Response, error) {
	_ = ctx
	_ = req
	return Response{}, ErrNotConfigured
}
