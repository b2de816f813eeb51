package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// PendingPoller polls backends for unresolved deliveries.
type PendingPoller interface {
	PollPending(ctx context.Context, sentAfter time.Time, limit int) (int, error)
}

// DeliveryPoller runs PollPending on a cron schedule.
type DeliveryPoller struct {
	poller    PendingPoller
	window    time.Duration
	batchSize int
	timeout   time.Duration
	cron      *cron.Cron
	logger    *slog.Logger
	now       func() time.Time
}

// NewDeliveryPoller creates a poller that looks at messages sent within window.
func NewDeliveryPoller(poller PendingPoller, window time.Duration, batchSize int, logger *slog.Logger) *DeliveryPoller {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &DeliveryPoller{
		poller:    poller,
		window:    window,
		batchSize: batchSize,
		timeout:   5 * time.Minute,
		cron:      cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor))),
		logger:    logger.With("component", "delivery_poller"),
		now:       time.Now,
	}
}

// Start schedules the poll. spec is a cron expression or descriptor such as "@every 1m".
func (p *DeliveryPoller) Start(spec string) error {
	if _, err := p.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		p.RunOnce(ctx)
	}); err != nil {
		return err
	}
	p.cron.Start()
	p.logger.Info("Delivery poller started", "schedule", spec, "window", p.window)
	return nil
}

// Stop stops scheduling and waits for a running poll to finish or ctx to end.
func (p *DeliveryPoller) Stop(ctx context.Context) {
	select {
	case <-p.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// RunOnce performs a single poll.
func (p *DeliveryPoller) RunOnce(ctx context.Context) int {
	applied, err := p.poller.PollPending(ctx, p.now().Add(-p.window), p.batchSize)
	if err != nil {
		p.logger.ErrorContext(ctx, "Delivery poll finished with errors", "error", err, "applied", applied)
	}
	return applied
}
