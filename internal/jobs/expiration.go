package jobs

import (
	"context"
	"fmt"
	"time"

	"ms-orders/internal/logger"
	"ms-orders/internal/reservation"
	"ms-orders/internal/store"
)

const ReservationExpirationName = "reservation-expiration"

// ReservationExpirationJob releases every hold whose deadline has passed.
type ReservationExpirationJob struct {
	gw        store.Gateway
	engine    *reservation.Engine
	log       *logger.Logger
	now       func() time.Time
	batchSize int
}

func NewReservationExpirationJob(gw store.Gateway, engine *reservation.Engine, log *logger.Logger, now func() time.Time, batchSize int) *ReservationExpirationJob {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	return &ReservationExpirationJob{gw: gw, engine: engine, log: log, now: now, batchSize: batchSize}
}

func (j *ReservationExpirationJob) Name() string { return ReservationExpirationName }

func (j *ReservationExpirationJob) Run(ctx context.Context) (Summary, error) {
	var s Summary
	orderIDs, err := j.gw.Queries().FindExpiredReservationOrderIDs(ctx, j.now(), j.batchSize)
	if err != nil {
		return s, fmt.Errorf("scan expired reservations: %w", err)
	}
	s.Scanned = len(orderIDs)

	for _, id := range orderIDs {
		res, err := j.engine.Release(ctx, id, reservation.ReasonExpired)
		switch {
		case err != nil:
			s.Failed++
			j.log.Error("JOB", fmt.Sprintf("[%s] release %s: %v", j.Name(), id, err))
		case res.Idempotent:
			s.Skipped++
		default:
			s.Processed++
		}
	}
	return s, nil
}
