package billing

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/renewal/pkg/async"
)

const sweepLeaseName = "sweep:due-payments"

// SweepResult summarizes one due-payment sweep
type SweepResult struct {
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Due        int             `json:"due"`
	Charged    int             `json:"charged"`
	Skipped    int             `json:"skipped"`
	Failed     int             `json:"failed"`
	Errors     []BulkItemError `json:"errors"`
}

type sweepOutcome int

const (
	sweepSkipped sweepOutcome = iota
	sweepCharged
	sweepFailed
)

// ProcessDue charges every subscription due at now. Each subscription is
// handled independently. Overlapping sweeps in this process, and in other
// processes when a Lease is configured, return ErrSweepRunning.
func (p *Processor) ProcessDue(ctx context.Context, now time.Time) (*SweepResult, error) {
	const op = "Processor.ProcessDue"
	if !p.running.CompareAndSwap(false, true) {
		return nil, ErrSweepRunning
	}
	defer p.running.Store(false)

	ctx, span := p.opts.tracer.Start(ctx, "billing.ProcessDue")
	defer span.End()

	if p.lease != nil {
		ttl := p.settings.SweepLeaseTTL
		if ttl <= 0 {
			ttl = 10 * time.Minute
		}
		release, ok, err := p.lease.Acquire(ctx, sweepLeaseName, ttl)
		if err != nil {
			return nil, Internal(op, err)
		}
		if !ok {
			return nil, ErrSweepRunning
		}
		defer release()
	}

	result := &SweepResult{StartedAt: time.Now().UTC(), Errors: []BulkItemError{}}

	due, err := p.store.ListDue(ctx, now, p.settings.SweepBatchSize)
	if err != nil {
		return nil, err
	}
	result.Due = len(due)

	positions := make([]int, len(due))
	for i := range positions {
		positions[i] = i
	}
	outcomes := make([]sweepOutcome, len(due))
	errs := async.ForEach(ctx, positions, p.settings.Concurrency, func(ctx context.Context, i int) error {
		outcome, err := p.processDueOne(ctx, due[i].ID, now)
		outcomes[i] = outcome
		return err
	})

	for i, err := range errs {
		if err != nil {
			outcomes[i] = sweepFailed
			result.Errors = append(result.Errors, BulkItemError{
				ID:      due[i].ID,
				Kind:    KindOf(err),
				Message: MessageOf(err),
			})
		}
		switch outcomes[i] {
		case sweepCharged:
			result.Charged++
		case sweepFailed:
			result.Failed++
		default:
			result.Skipped++
		}
	}

	result.FinishedAt = time.Now().UTC()
	p.opts.metrics.RecordSweep(result.FinishedAt.Sub(result.StartedAt), result.Charged, result.Skipped, result.Failed)
	p.opts.logger.WithFields(map[string]interface{}{
		"due":     result.Due,
		"charged": result.Charged,
		"skipped": result.Skipped,
		"failed":  result.Failed,
	}).Info("due-payment sweep finished")

	return result, nil
}

func (p *Processor) processDueOne(ctx context.Context, id int64, now time.Time) (sweepOutcome, error) {
	outcome := sweepSkipped
	err := withLock(ctx, p.locker, subscriptionLockKey(id), func() error {
		sub, err := p.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if !p.dueForCharge(sub, now) {
			return nil
		}
		if _, err := p.charge(ctx, sub, SystemActor("scheduler"), true); err != nil {
			if errors.Is(err, ErrInvoiceNotIssued) {
				return nil
			}
			return err
		}
		outcome = sweepCharged
		return nil
	})
	return outcome, err
}

// dueForCharge re-checks a candidate under its lock. past_due subscriptions
// are only retried when this service recorded the failure itself, and only
// once the retry delay has passed and attempts remain.
func (p *Processor) dueForCharge(sub *Subscription, now time.Time) bool {
	if sub.NextPaymentDate == nil || sub.NextPaymentDate.After(now) {
		return false
	}
	if !sub.Status.Chargeable() && sub.Status != StatusPastDue {
		return false
	}

	attempts := sub.Meta.Int(MetaRetryAttempts)
	if attempts == 0 {
		return sub.Status != StatusPastDue
	}
	if attempts >= p.settings.Retry.MaxAttempts {
		return false
	}
	if retryAt, ok := sub.Meta.Time(MetaNextRetryAt); ok && now.Before(retryAt) {
		return false
	}
	return true
}
