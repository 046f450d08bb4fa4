package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/atelierhq/atelier/internal/idgen"
	"github.com/atelierhq/atelier/internal/metrics"
)

// Emitter adapts the Dispatcher to the NotificationSink the lifecycle
// engines call. Fire-and-forget: errors are logged but never returned.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new notification emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

// Notify delivers a lifecycle event to the wallet's webhooks.
func (e *Emitter) Notify(wallet string, eventType string, payload map[string]interface{}) {
	if e == nil || e.d == nil {
		return
	}
	metrics.NotificationsTotal.WithLabelValues("attempted").Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      EventType(eventType),
		Timestamp: time.Now(),
		Data:      payload,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.d.DispatchToWallet(ctx, wallet, event); err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		e.logger.Warn("notification dispatch failed",
			"event", eventType, "wallet", wallet, "error", err)
	}
}
