package offers

import (
	"context"
	"log/slog"
	"time"
)

// Timer periodically sweeps expired offers. The sweep is an optimization
// only; respond paths check expiry themselves.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewTimer creates a new offer expiry timer.
func NewTimer(service *Service, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		interval: time.Minute,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the timer loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			swept, err := t.service.SweepExpired(ctx, 100)
			if err != nil {
				t.logger.Warn("offer expiry sweep failed", "error", err)
				continue
			}
			if swept > 0 {
				t.logger.Info("expired offers swept", "count", swept)
			}
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}
