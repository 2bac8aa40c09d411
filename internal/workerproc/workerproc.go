package workerproc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"sparlo-backend/internal/bootstrap"
	"sparlo-backend/internal/queue"
	"sparlo-backend/internal/reports"
)

// MessageMeta captures details useful for logging and diagnostics.
type MessageMeta struct {
	BodyLen int
	BodySHA string
}

// ComputeMeta returns the body length and SHA-256 hash.
func ComputeMeta(body string) MessageMeta {
	if body == "" {
		return MessageMeta{BodyLen: 0, BodySHA: ""}
	}
	sum := sha256.Sum256([]byte(body))
	return MessageMeta{BodyLen: len(body), BodySHA: hex.EncodeToString(sum[:])}
}

// ErrEmptyBody indicates an empty queue payload.
type ErrEmptyBody struct {
	Meta MessageMeta
}

func (e ErrEmptyBody) Error() string { return "empty message body" }

// ErrDecode indicates a JSON decode failure.
type ErrDecode struct {
	Meta MessageMeta
	Err  error
}

func (e ErrDecode) Error() string {
	if e.Err == nil {
		return "decode message"
	}
	return "decode message: " + e.Err.Error()
}

// ErrMissingReportID indicates a message missing the report id.
type ErrMissingReportID struct {
	Meta      MessageMeta
	RequestID string
}

func (e ErrMissingReportID) Error() string { return "missing report id" }

// ErrUnknownKind indicates a message whose kind is not run or resume.
type ErrUnknownKind struct {
	Kind      string
	ReportID  string
	RequestID string
}

func (e ErrUnknownKind) Error() string { return "unknown message kind: " + e.Kind }

// ErrProcess indicates processing failed after successful parsing.
type ErrProcess struct {
	ReportID  string
	RequestID string
	Err       error
}

func (e ErrProcess) Error() string {
	if e.Err == nil {
		return "process report"
	}
	return "process report: " + e.Err.Error()
}

// ParseMessage validates and decodes the queue payload.
func ParseMessage(body string) (queue.Message, MessageMeta, error) {
	meta := ComputeMeta(body)
	if strings.TrimSpace(body) == "" {
		return queue.Message{}, meta, ErrEmptyBody{Meta: meta}
	}

	msg, err := queue.DecodeMessage([]byte(body))
	if err != nil {
		return queue.Message{}, meta, ErrDecode{Meta: meta, Err: err}
	}
	if strings.TrimSpace(msg.ReportID) == "" {
		return msg, meta, ErrMissingReportID{Meta: meta, RequestID: msg.RequestID}
	}
	if msg.Kind == "" {
		msg.Kind = queue.KindRun
	}
	if msg.Kind != queue.KindRun && msg.Kind != queue.KindResume {
		return msg, meta, ErrUnknownKind{Kind: msg.Kind, ReportID: msg.ReportID, RequestID: msg.RequestID}
	}
	return msg, meta, nil
}

type parsedMessageKey struct{}

// WithParsedMessage stores a decoded message in the context for reuse.
func WithParsedMessage(ctx context.Context, msg queue.Message) context.Context {
	return context.WithValue(ctx, parsedMessageKey{}, msg)
}

func parsedMessageFromContext(ctx context.Context) (queue.Message, bool) {
	if ctx == nil {
		return queue.Message{}, false
	}
	msg, ok := ctx.Value(parsedMessageKey{}).(queue.Message)
	return msg, ok
}

// HandleMessage parses, validates, and dispatches a message payload to the
// pipeline runner.
func HandleMessage(ctx context.Context, app *bootstrap.App, body string) error {
	if app == nil || app.Pipeline == nil {
		return errors.New("pipeline runner not configured")
	}

	msg, ok := parsedMessageFromContext(ctx)
	if !ok {
		var err error
		msg, _, err = ParseMessage(body)
		if err != nil {
			return err
		}
	}

	if strings.TrimSpace(msg.ReportID) == "" {
		return ErrMissingReportID{Meta: ComputeMeta(body), RequestID: msg.RequestID}
	}

	ctxWithRequest := reports.WithRequestID(ctx, msg.RequestID)
	var err error
	switch msg.Kind {
	case queue.KindResume:
		err = app.Pipeline.Resume(ctxWithRequest, msg.ReportID, msg.RequestID)
	default:
		err = app.Pipeline.Run(ctxWithRequest, msg.ReportID, msg.RequestID)
	}
	if err != nil {
		return ErrProcess{ReportID: msg.ReportID, RequestID: msg.RequestID, Err: err}
	}
	return nil
}
