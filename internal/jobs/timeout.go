package jobs

import (
	"context"
	"fmt"
	"time"

	"ms-orders/internal/apperror"
	"ms-orders/internal/logger"
	"ms-orders/internal/models"
	"ms-orders/internal/order"
	"ms-orders/internal/store"
)

const (
	StateTimeoutName      = "state-timeout"
	ReasonCheckoutTimeout = "CHECKOUT_TIMEOUT"
)

// StateTimeoutJob cancels orders left in CHECKOUT too long and raises an
// operator alert for orders stuck in PREPARING. PREPARING orders are never
// transitioned automatically.
type StateTimeoutJob struct {
	gw                  store.Gateway
	machine             *order.StateMachine
	log                 *logger.Logger
	now                 func() time.Time
	checkoutTimeout     time.Duration
	preparingAlertAfter time.Duration
	batchSize           int
}

func NewStateTimeoutJob(gw store.Gateway, machine *order.StateMachine, log *logger.Logger, now func() time.Time, checkoutTimeout, preparingAlertAfter time.Duration, batchSize int) *StateTimeoutJob {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	return &StateTimeoutJob{
		gw:                  gw,
		machine:             machine,
		log:                 log,
		now:                 now,
		checkoutTimeout:     checkoutTimeout,
		preparingAlertAfter: preparingAlertAfter,
		batchSize:           batchSize,
	}
}

func (j *StateTimeoutJob) Name() string { return StateTimeoutName }

func (j *StateTimeoutJob) Run(ctx context.Context) (Summary, error) {
	var s Summary
	now := j.now()
	q := j.gw.Queries()

	stale, err := q.FindStaleCheckouts(ctx, now.Add(-j.checkoutTimeout), j.batchSize)
	if err != nil {
		return s, fmt.Errorf("scan stale checkouts: %w", err)
	}
	s.Scanned += len(stale)
	for _, o := range stale {
		res, err := j.machine.Transition(ctx, o.ID, models.StatusCancelled, ReasonCheckoutTimeout, models.SystemActor)
		switch {
		case apperror.IsKind(err, apperror.InvalidTransition):
			s.Skipped++
		case err != nil:
			s.Failed++
			j.log.Error("JOB", fmt.Sprintf("[%s] cancel %s: %v", j.Name(), o.ID, err))
		case res.Idempotent:
			s.Skipped++
		default:
			s.Processed++
		}
	}

	stuck, err := q.FindStalePreparing(ctx, now.Add(-j.preparingAlertAfter), j.batchSize)
	if err != nil {
		return s, fmt.Errorf("scan stale preparing orders: %w", err)
	}
	s.Scanned += len(stuck)
	for _, o := range stuck {
		s.Alerted++
		j.log.Warn("ALERT", fmt.Sprintf("order %s has been PREPARING since %s (over %s); needs operator attention",
			o.ID, o.UpdatedAt.Format(time.RFC3339), j.preparingAlertAfter))
	}
	return s, nil
}
