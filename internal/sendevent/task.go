package sendevent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/higginsd/pdagent/internal/queue"
)

// Spool is the slice of the queue API the send task drives.
type Spool interface {
	Flush(c queue.Consumer, stopHint func() bool) error
	Cleanup(age time.Duration) error
}

// Task periodically flushes the spool through a consumer and, at a longer
// interval, sweeps aged quarantined and temp files. Create one with NewTask
// and drive it with Run.
type Task struct {
	spool            Spool
	consumer         queue.Consumer
	sendInterval     time.Duration
	cleanupInterval  time.Duration
	cleanupThreshold time.Duration
	logger           *slog.Logger

	lastCleanup time.Time
	now         func() time.Time
}

// NewTask wires a flush-and-cleanup task over spool using consumer.
func NewTask(spool Spool, consumer queue.Consumer, sendInterval, cleanupInterval, cleanupThreshold time.Duration, logger *slog.Logger) *Task {
	return &Task{
		spool:            spool,
		consumer:         consumer,
		sendInterval:     sendInterval,
		cleanupInterval:  cleanupInterval,
		cleanupThreshold: cleanupThreshold,
		logger:           logger,
		now:              time.Now,
	}
}

// Run ticks the task every send interval until ctx is cancelled. The first
// tick happens immediately so a restart drains any backlog without waiting a
// full interval.
func (t *Task) Run(ctx context.Context) {
	t.tick(ctx)

	ticker := time.NewTicker(t.sendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

// tick flushes the queue once and runs a cleanup sweep when one is due. All
// failures are logged; the task keeps running.
func (t *Task) tick(ctx context.Context) {
	t.logger.Info("sendevent: flushing event queue")
	err := t.spool.Flush(t.consumer, func() bool { return ctx.Err() != nil })
	switch {
	case err == nil:
	case errors.Is(err, queue.ErrEmptyQueue):
		t.logger.Info("sendevent: nothing to do, queue is empty")
	case errors.Is(err, queue.ErrInvalidConsumeCode):
		t.logger.Error("sendevent: flush aborted", slog.Any("error", err))
	default:
		t.logger.Error("sendevent: error while flushing queue", slog.Any("error", err))
	}

	if t.now().Sub(t.lastCleanup) >= t.cleanupInterval {
		if err := t.spool.Cleanup(t.cleanupThreshold); err != nil {
			t.logger.Error("sendevent: error while cleaning up queue", slog.Any("error", err))
		}
		t.lastCleanup = t.now()
	}
}
