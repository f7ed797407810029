// Package events publishes reconciliation outcomes to interested
// listeners. The engine publishes best-effort after commit; a slow or
// absent listener must never stall a run.
package events

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Event types.
const (
	TypeRunCompleted = "run.completed"
	TypeAlertCreated = "alert.created"
)

// Event is one reconciliation occurrence pushed to subscribers.
type Event struct {
	Type        string    `json:"type"`
	At          time.Time `json:"at"`
	ReportID    int64     `json:"report_id,omitempty"`
	PostID      int64     `json:"post_id,omitempty"`
	AffiliateID int64     `json:"affiliate_id,omitempty"`
	Platform    string    `json:"platform,omitempty"`
	Status      string    `json:"status,omitempty"`
	Severity    string    `json:"severity,omitempty"`
	Detail      string    `json:"detail,omitempty"`
}

// Publisher delivers events to subscribers.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// LogPublisher writes events to the log, for runs without a hub.
type LogPublisher struct {
	Log *zap.Logger
}

func (p LogPublisher) Publish(ctx context.Context, ev Event) error {
	p.Log.Info("event",
		zap.String("type", ev.Type),
		zap.Int64("report_id", ev.ReportID),
		zap.String("status", ev.Status),
		zap.String("severity", ev.Severity),
		zap.String("detail", ev.Detail))
	return nil
}
