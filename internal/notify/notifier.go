package notify

import "context"

// ReportUpdate is the event published when a report changes status. Fields
// are plain strings so subscribers need no shared types.
type ReportUpdate struct {
	ReportID    string `json:"reportId"`
	AccountID   string `json:"accountId"`
	Status      string `json:"status"`
	CurrentStep string `json:"currentStep,omitempty"`
}

// Notifier publishes report status transitions to interested subscribers.
type Notifier interface {
	Publish(ctx context.Context, update ReportUpdate) error
}

// Noop discards all updates. Used when no pub/sub backend is configured.
type Noop struct{}

// Publish is a no-op.
func (Noop) Publish(ctx context.Context, update ReportUpdate) error {
	return nil
}

var _ Notifier = Noop{}
