package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// WaitingSender sends messages stuck in the waiting state.
type WaitingSender interface {
	SendWaiting(ctx context.Context, olderThan time.Time, limit int) (int, error)
}

// Sweeper picks up waiting messages whose send was interrupted, for example by a worker
// crash between storing and claiming them.
type Sweeper struct {
	sender    WaitingSender
	age       time.Duration
	batchSize int
	cron      *cron.Cron
	logger    *slog.Logger
	now       func() time.Time
}

// NewSweeper creates a sweeper for messages that have been waiting longer than age.
func NewSweeper(sender WaitingSender, age time.Duration, batchSize int, logger *slog.Logger) *Sweeper {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sweeper{
		sender:    sender,
		age:       age,
		batchSize: batchSize,
		cron:      cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:    logger.With("component", "waiting_sweeper"),
		now:       time.Now,
	}
}

func (s *Sweeper) Start(spec string) error {
	if _, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		s.RunOnce(ctx)
	}); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("Waiting message sweep scheduled", "schedule", spec, "age", s.age)
	return nil
}

func (s *Sweeper) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// RunOnce sweeps one batch and returns the number of messages claimed.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	claimed, err := s.sender.SendWaiting(ctx, s.now().Add(-s.age), s.batchSize)
	if err != nil {
		s.logger.ErrorContext(ctx, "Waiting message sweep finished with errors", "error", err, "claimed", claimed)
	}
	return claimed
}
