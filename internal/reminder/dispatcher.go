// Package reminder delivers scheduled reminder emails.
package reminder

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"brokerdesk/api/internal/redislock"
	"brokerdesk/api/internal/store"
)

const (
	BatchSize   = 100
	Concurrency = 4
	LockTTL     = 5 * time.Minute
	maxBackoff  = time.Hour
)

type Store interface {
	ReclaimStaleReminders(ctx context.Context, cutoff time.Time) (int64, error)
	ExpireStaleReminders(ctx context.Context, cutoff time.Time) (int64, error)
	DueReminders(ctx context.Context, now time.Time, limit int) ([]store.Reminder, error)
	ClaimReminder(ctx context.Context, reminderID string) (bool, error)
	MarkReminderSent(ctx context.Context, reminderID string, sentAt time.Time) error
	RetryReminder(ctx context.Context, reminderID string, retryAt time.Time, lastError string) error
	MarkReminderFailed(ctx context.Context, reminderID, lastError string) error
}

type Sender interface {
	SendReminder(ctx context.Context, to, subject, body, caseURL string) error
}

type Options struct {
	PollInterval time.Duration
	LateWindow   time.Duration
	MaxAttempts  int
	PublicURL    string
}

// Stats summarises one dispatch pass.
type Stats struct {
	Reclaimed int64
	Expired   int64
	Due       int
	Sent      int64
	Retried   int64
	Failed    int64
	Skipped   int64
	Errors    int64
}

// Dispatcher sends due reminders. The optional locker keeps concurrent
// dispatchers off the same dedupe key; the claim UPDATE alone already
// guarantees a single send.
type Dispatcher struct {
	store  Store
	sender Sender
	locker *redislock.Locker
	logger *zap.Logger
	opts   Options
}

func NewDispatcher(s Store, sender Sender, locker *redislock.Locker, logger *zap.Logger, opts Options) *Dispatcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.LateWindow <= 0 {
		opts.LateWindow = 6 * time.Hour
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{store: s, sender: sender, locker: locker, logger: logger.Named("reminders"), opts: opts}
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := d.RunOnce(ctx, time.Now().UTC()); err != nil && ctx.Err() == nil {
			d.logger.Error("dispatch pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single pass at now.
func (d *Dispatcher) RunOnce(ctx context.Context, now time.Time) (Stats, error) {
	var stats Stats
	// A claim older than the lock TTL belongs to a worker that died mid-send.
	reclaimed, err := d.store.ReclaimStaleReminders(ctx, now.Add(-LockTTL))
	if err != nil {
		return stats, fmt.Errorf("reclaim reminders: %w", err)
	}
	stats.Reclaimed = reclaimed

	expired, err := d.store.ExpireStaleReminders(ctx, now.Add(-d.opts.LateWindow))
	if err != nil {
		return stats, fmt.Errorf("expire reminders: %w", err)
	}
	stats.Expired = expired

	due, err := d.store.DueReminders(ctx, now, BatchSize)
	if err != nil {
		return stats, fmt.Errorf("load due reminders: %w", err)
	}
	stats.Due = len(due)

	// Per-reminder errors are logged and counted; the rest of the batch goes on.
	var sent, retried, failed, skipped, errs atomic.Int64
	var g errgroup.Group
	g.SetLimit(Concurrency)
	for _, r := range due {
		r := r
		g.Go(func() error {
			outcome, err := d.deliver(ctx, r, now)
			if err != nil {
				errs.Add(1)
				d.logger.Error("deliver reminder", zap.String("reminder_id", r.ID), zap.Error(err))
				return nil
			}
			switch outcome {
			case outcomeSent:
				sent.Add(1)
			case outcomeRetried:
				retried.Add(1)
			case outcomeFailed:
				failed.Add(1)
			default:
				skipped.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	stats.Sent, stats.Retried, stats.Failed, stats.Skipped = sent.Load(), retried.Load(), failed.Load(), skipped.Load()
	stats.Errors = errs.Load()
	if stats.Due > 0 || stats.Expired > 0 || stats.Reclaimed > 0 {
		d.logger.Info("dispatch pass",
			zap.Int("due", stats.Due),
			zap.Int64("sent", stats.Sent),
			zap.Int64("retried", stats.Retried),
			zap.Int64("failed", stats.Failed),
			zap.Int64("skipped", stats.Skipped),
			zap.Int64("errors", stats.Errors),
			zap.Int64("expired", stats.Expired),
			zap.Int64("reclaimed", stats.Reclaimed),
		)
	}
	return stats, nil
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSent
	outcomeRetried
	outcomeFailed
)

func (d *Dispatcher) deliver(ctx context.Context, r store.Reminder, now time.Time) (outcome, error) {
	if d.locker != nil {
		lease, ok, err := d.locker.Acquire(ctx, "reminder:"+r.DedupeKey, LockTTL)
		if err != nil {
			return outcomeSkipped, err
		}
		if !ok {
			return outcomeSkipped, nil
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				d.logger.Warn("release reminder lock", zap.String("reminder_id", r.ID), zap.Error(err))
			}
		}()
	}

	claimed, err := d.store.ClaimReminder(ctx, r.ID)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("claim reminder %s: %w", r.ID, err)
	}
	if !claimed {
		return outcomeSkipped, nil
	}
	attempts := r.Attempts + 1
	// Once claimed the row must leave 'sending' even if ctx is cancelled.
	bookkeeping := context.WithoutCancel(ctx)

	sendErr := d.sender.SendReminder(ctx, r.RecipientEmail, r.Subject, r.Body, d.caseURL(r))
	if sendErr == nil {
		if err := d.store.MarkReminderSent(bookkeeping, r.ID, now); err != nil {
			return outcomeSkipped, fmt.Errorf("mark reminder %s sent: %w", r.ID, err)
		}
		return outcomeSent, nil
	}

	log := d.logger.With(zap.String("reminder_id", r.ID), zap.Int("attempt", attempts), zap.Error(sendErr))
	if attempts >= d.opts.MaxAttempts {
		log.Warn("reminder failed permanently")
		if err := d.store.MarkReminderFailed(bookkeeping, r.ID, sendErr.Error()); err != nil {
			return outcomeSkipped, fmt.Errorf("mark reminder %s failed: %w", r.ID, err)
		}
		return outcomeFailed, nil
	}
	log.Info("reminder send failed, will retry")
	if err := d.store.RetryReminder(bookkeeping, r.ID, now.Add(Backoff(attempts)), sendErr.Error()); err != nil {
		return outcomeSkipped, fmt.Errorf("retry reminder %s: %w", r.ID, err)
	}
	return outcomeRetried, nil
}

func (d *Dispatcher) caseURL(r store.Reminder) string {
	if r.ClientID == nil || d.opts.PublicURL == "" {
		return d.opts.PublicURL
	}
	return d.opts.PublicURL + "/clients/" + *r.ClientID
}

// Backoff doubles from one minute per attempt, capped at an hour.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 7 {
		return maxBackoff
	}
	b := time.Minute << (attempts - 1)
	if b > maxBackoff {
		return maxBackoff
	}
	return b
}
