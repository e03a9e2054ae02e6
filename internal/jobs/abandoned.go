package jobs

import (
	"context"

	"ms-orders/internal/recovery"
)

const AbandonedCartName = "abandoned-cart"

type CartScanner interface {
	ScanAbandonedCarts(ctx context.Context) (*recovery.ScanResult, error)
}

// AbandonedCartJob hands the scan over to the recovery service.
type AbandonedCartJob struct {
	scanner CartScanner
}

func NewAbandonedCartJob(scanner CartScanner) *AbandonedCartJob {
	return &AbandonedCartJob{scanner: scanner}
}

func (j *AbandonedCartJob) Name() string { return AbandonedCartName }

func (j *AbandonedCartJob) Run(ctx context.Context) (Summary, error) {
	res, err := j.scanner.ScanAbandonedCarts(ctx)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		Scanned:   res.Scanned,
		Processed: res.Sent,
		Skipped:   res.Skipped,
		Failed:    res.Failed,
	}, nil
}
