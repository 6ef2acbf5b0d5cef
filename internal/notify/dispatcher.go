package notify

import (
	"context"
	"time"

	"github.com/ignite/mailflow/internal/pkg/logger"
)

// DispatcherConfig tunes the outbox polling loop.
type DispatcherConfig struct {
	PollInterval time.Duration
	BatchSize    int
	Lease        time.Duration
	RetryBase    time.Duration
	RetryMax     time.Duration
}

func (c *DispatcherConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Lease <= 0 {
		c.Lease = time.Minute
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 5 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = time.Hour
	}
}

// Dispatcher polls the outbox and hands rows to a Notifier.
type Dispatcher struct {
	store    Store
	notifier Notifier
	cfg      DispatcherConfig
	now      func() time.Time
}

// NewDispatcher creates a dispatcher. Zero config fields get defaults.
func NewDispatcher(store Store, notifier Notifier, cfg DispatcherConfig) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{store: store, notifier: notifier, cfg: cfg, now: time.Now}
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	logger.Info("notification dispatcher started", "poll_interval", d.cfg.PollInterval)
	defer logger.Info("notification dispatcher stopped")

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := d.FlushOnce(ctx); err != nil {
			logger.Error("notification flush failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// FlushOnce delivers one batch and returns how many rows were delivered.
func (d *Dispatcher) FlushOnce(ctx context.Context) (int, error) {
	batch, err := d.store.ClaimNotifications(ctx, d.cfg.BatchSize, d.cfg.Lease)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, n := range batch {
		if err := d.notifier.Notify(ctx, n); err != nil {
			retryAt := d.now().Add(d.backoff(n.Attempts))
			logger.Warn("notification delivery failed",
				"message_id", n.MessageID, "event", n.Event, "attempts", n.Attempts, "error", err)
			if err := d.store.MarkFailed(ctx, n.ID, err.Error(), retryAt); err != nil {
				logger.Error("mark notification failed", "id", n.ID, "error", err)
			}
			continue
		}
		if err := d.store.MarkDelivered(ctx, n.ID, d.now().UTC()); err != nil {
			logger.Error("mark notification delivered", "id", n.ID, "error", err)
			continue
		}
		logger.Info("notification delivered", "message_id", n.MessageID, "event", n.Event)
		delivered++
	}
	return delivered, nil
}

func (d *Dispatcher) backoff(attempts int) time.Duration {
	delay := d.cfg.RetryBase
	for i := 1; i < attempts && delay < d.cfg.RetryMax; i++ {
		delay *= 2
	}
	if delay > d.cfg.RetryMax {
		delay = d.cfg.RetryMax
	}
	return delay
}
