package pipeline

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"sparlo-backend/internal/llm"
	"sparlo-backend/internal/shared/telemetry"
)

const llmRetryBaseDelay = 500 * time.Millisecond

// retryingLLM retries one transient provider failure per call with a short
// delay. The outer retry is queue re-delivery, which checkpoints make safe;
// this wrapper just avoids burning a whole re-delivery on a hiccup.
type retryingLLM struct {
	base      llm.Client
	reportID  string
	requestID string
}

func newRetryingLLM(base llm.Client, reportID, requestID string) llm.Client {
	if base == nil {
		return nil
	}
	return retryingLLM{
		base:      base,
		reportID:  reportID,
		requestID: requestID,
	}
}

func (r retryingLLM) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	resp, err := r.base.Complete(ctx, req)
	if err == nil || !shouldRetryLLM(err) {
		return resp, err
	}

	telemetry.Warn("llm.retry", map[string]any{
		"attempt":    1,
		"report_id":  r.reportID,
		"request_id": r.requestID,
		"error":      sanitizeError(err),
	})
	select {
	case <-time.After(llmRetryBaseDelay):
	case <-ctx.Done():
		return llm.Response{}, ctx.Err()
	}

	return r.base.Complete(ctx, req)
}

func shouldRetryLLM(err error) bool {
	if err == nil {
		return false
	}
	if llm.IsRetryable(err) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection closed") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "tls handshake timeout") ||
		strings.Contains(msg, "eof") {
		return true
	}

	return false
}
