// Package reservation holds stock for orders for a bounded time. Every stock
// change pairs a relative update on the product counters with the matching
// reservation row change inside one transaction.
package reservation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ms-orders/internal/apperror"
	"ms-orders/internal/config"
	"ms-orders/internal/logger"
	"ms-orders/internal/metrics"
	"ms-orders/internal/models"
	"ms-orders/internal/store"
)

// DefaultDuration applies when Reserve gets a non-positive duration.
const DefaultDuration = 10 * time.Minute

const (
	ReasonExpired   = "EXPIRED"
	ReasonCancelled = "ORDER_CANCELLED"
)

type Item struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type ReserveResult struct {
	Reservations []models.StockReservation `json:"reservations"`
	ExpiresAt    time.Time                 `json:"expiresAt"`
	Idempotent   bool                      `json:"idempotent"`
}

type ReleaseResult struct {
	ReleasedCount int  `json:"releasedCount"`
	Idempotent    bool `json:"idempotent"`
}

type ExtendResult struct {
	OldExpiresAt time.Time `json:"oldExpiresAt"`
	NewExpiresAt time.Time `json:"newExpiresAt"`
	Extended     int       `json:"extended"`
}

// ExpiryTracker mirrors reservation deadlines somewhere that can fire an
// event when they pass. It is best effort: polling still finds every expiry.
type ExpiryTracker interface {
	Track(ctx context.Context, orderID string, expiresAt time.Time) error
	Forget(ctx context.Context, orderID string) error
}

type Engine struct {
	gw              store.Gateway
	log             *logger.Logger
	now             func() time.Time
	tracker         ExpiryTracker
	metrics         *metrics.Metrics
	defaultDuration time.Duration
	methodDurations map[string]time.Duration
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithTracker(t ExpiryTracker) Option {
	return func(e *Engine) { e.tracker = t }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithDurations overrides the per-payment-method hold durations.
func WithDurations(cfg config.ReservationConfig) Option {
	return func(e *Engine) {
		if cfg.DefaultDuration > 0 {
			e.defaultDuration = cfg.DefaultDuration
		}
		for method, d := range cfg.MethodDurations {
			e.methodDurations[strings.ToUpper(method)] = d
		}
	}
}

func NewEngine(gw store.Gateway, log *logger.Logger, opts ...Option) *Engine {
	e := &Engine{
		gw:              gw,
		log:             log,
		now:             func() time.Time { return time.Now().UTC() },
		defaultDuration: DefaultDuration,
		methodDurations: map[string]time.Duration{
			"CREDIT_CARD":   15 * time.Minute,
			"BANK_TRANSFER": time.Hour,
			"WALLET":        5 * time.Minute,
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DurationFor returns how long stock is held for a payment method.
func (e *Engine) DurationFor(method string) time.Duration {
	if d, ok := e.methodDurations[strings.ToUpper(method)]; ok && d > 0 {
		return d
	}
	return e.defaultDuration
}

// Reserve holds stock for every item or for none of them. Calling it again
// for an order that already holds ACTIVE reservations returns those rows.
func (e *Engine) Reserve(ctx context.Context, orderID string, items []Item, duration time.Duration) (*ReserveResult, error) {
	items, err := normalizeItems(items)
	if err != nil {
		return nil, err
	}
	if duration <= 0 {
		duration = e.defaultDuration
	}

	now := e.now()
	result := &ReserveResult{ExpiresAt: now.Add(duration)}

	err = e.gw.RunInTx(ctx, func(ctx context.Context, q store.Queries) error {
		active, err := q.ListReservations(ctx, orderID, models.ReservationActive)
		if err != nil {
			return err
		}
		if len(active) > 0 {
			result.Reservations = active
			result.ExpiresAt = earliestExpiry(active)
			result.Idempotent = true
			return nil
		}

		ids := make([]string, len(items))
		for i, it := range items {
			ids[i] = it.ProductID
		}
		products, err := q.GetProducts(ctx, ids)
		if err != nil {
			return err
		}
		byID := make(map[string]models.Product, len(products))
		for _, p := range products {
			byID[p.ID] = p
		}

		var shortages []apperror.StockShortage
		for _, it := range items {
			p, ok := byID[it.ProductID]
			switch {
			case !ok:
				shortages = append(shortages, apperror.StockShortage{
					ProductID: it.ProductID, Reason: apperror.ProductNotFound, Requested: it.Quantity,
				})
			case p.StockAvailable < it.Quantity:
				shortages = append(shortages, apperror.StockShortage{
					ProductID: it.ProductID, Reason: apperror.InsufficientStock,
					Requested: it.Quantity, Available: p.StockAvailable,
				})
			}
		}
		if len(shortages) > 0 {
			return apperror.Newf(apperror.InsufficientStock, "%d item(s) cannot be reserved", len(shortages)).
				WithDetails(shortages)
		}

		rows := make([]models.StockReservation, 0, len(items))
		for _, it := range items {
			n, err := q.ReserveStock(ctx, it.ProductID, it.Quantity, now)
			if err != nil {
				return err
			}
			if n == 0 {
				return apperror.Newf(apperror.InsufficientStock, "stock for %s changed during reservation", it.ProductID).
					WithDetails([]apperror.StockShortage{{
						ProductID: it.ProductID, Reason: apperror.InsufficientStock,
						Requested: it.Quantity, Available: byID[it.ProductID].StockAvailable,
					}})
			}
			rows = append(rows, models.StockReservation{
				ID:        uuid.NewString(),
				OrderID:   orderID,
				ProductID: it.ProductID,
				Quantity:  it.Quantity,
				Status:    models.ReservationActive,
				ExpiresAt: result.ExpiresAt,
				CreatedAt: now,
			})
		}
		if err := q.InsertReservations(ctx, rows); err != nil {
			return err
		}
		result.Reservations = rows
		return nil
	})
	if err != nil {
		e.metrics.ReserveFailed(string(apperror.KindOf(err)))
		e.log.LogReservation("RESERVE", orderID, fmt.Sprintf("failed: %v", err))
		return nil, err
	}

	if result.Idempotent {
		e.log.LogReservation("RESERVE", orderID, "already reserved, returning existing hold")
		return result, nil
	}

	e.metrics.ReservationsCreated(len(result.Reservations))
	e.log.LogReservation("RESERVE", orderID, fmt.Sprintf("reserved %d product(s) until %s",
		len(result.Reservations), result.ExpiresAt.Format(time.RFC3339)))
	e.track(ctx, orderID, result.ExpiresAt)
	return result, nil
}

// Release returns the stock of every ACTIVE reservation of the order.
func (e *Engine) Release(ctx context.Context, orderID, reason string) (*ReleaseResult, error) {
	var released int
	err := e.gw.RunInTx(ctx, func(ctx context.Context, q store.Queries) error {
		n, err := e.ReleaseTx(ctx, q, orderID, reason)
		released = n
		return err
	})
	if err != nil {
		e.log.LogReservation("RELEASE", orderID, fmt.Sprintf("failed: %v", err))
		return nil, err
	}
	if released == 0 {
		return &ReleaseResult{Idempotent: true}, nil
	}
	e.AfterRelease(ctx, orderID, reason, released)
	return &ReleaseResult{ReleasedCount: released}, nil
}

// ReleaseTx releases inside the caller's transaction and returns how many rows
// it released. The caller runs AfterRelease once the transaction commits.
func (e *Engine) ReleaseTx(ctx context.Context, q store.Queries, orderID, reason string) (int, error) {
	rows, err := q.ListReservations(ctx, orderID, models.ReservationActive)
	if err != nil {
		return 0, err
	}
	now := e.now()
	for _, r := range rows {
		n, err := q.ReleaseReservation(ctx, r.ID, reason, now)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, apperror.Newf(apperror.ConcurrentModification, "reservation %s is no longer active", r.ID)
		}
		n, err = q.ReleaseStock(ctx, r.ProductID, r.Quantity, now)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, apperror.Newf(apperror.ConcurrentModification, "reserved stock for %s is lower than %d", r.ProductID, r.Quantity)
		}
	}
	return len(rows), nil
}

// AfterRelease runs the post-commit bookkeeping of a release.
func (e *Engine) AfterRelease(ctx context.Context, orderID, reason string, released int) {
	e.metrics.ReservationsReleased(reason, released)
	e.log.LogReservation("RELEASE", orderID, fmt.Sprintf("released %d reservation(s): %s", released, reason))
	if e.tracker != nil {
		if err := e.tracker.Forget(ctx, orderID); err != nil {
			e.log.Warn("RESERVE", fmt.Sprintf("forget expiry for %s: %v", orderID, err))
		}
	}
}

// ConfirmTx converts every ACTIVE reservation into a sale: rows become
// CONFIRMED and the committed counter grows by the held quantity.
func (e *Engine) ConfirmTx(ctx context.Context, q store.Queries, orderID string) (int, error) {
	rows, err := q.ListReservations(ctx, orderID, models.ReservationActive)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	now := e.now()
	n, err := q.ConfirmReservations(ctx, orderID, now)
	if err != nil {
		return 0, err
	}
	if int(n) != len(rows) {
		return 0, apperror.Newf(apperror.ConcurrentModification, "confirmed %d of %d reservations", n, len(rows))
	}
	for _, r := range rows {
		n, err := q.CommitStock(ctx, r.ProductID, r.Quantity, now)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, apperror.Newf(apperror.ConcurrentModification, "cannot commit %d of %s", r.Quantity, r.ProductID)
		}
	}
	return len(rows), nil
}

// GetActiveReservations lists the order's ACTIVE reservations with product
// name and price.
func (e *Engine) GetActiveReservations(ctx context.Context, orderID string) ([]models.ReservationDetail, error) {
	q := e.gw.Queries()
	rows, err := q.ListReservations(ctx, orderID, models.ReservationActive)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []models.ReservationDetail{}, nil
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ProductID
	}
	products, err := q.GetProducts(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]models.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	details := make([]models.ReservationDetail, len(rows))
	for i, r := range rows {
		p := byID[r.ProductID]
		details[i] = models.ReservationDetail{StockReservation: r, ProductName: p.Name, ProductPrice: p.Price}
	}
	return details, nil
}

// IsExpired reports whether the order's earliest ACTIVE reservation is past
// its deadline. No ACTIVE reservations means false.
func (e *Engine) IsExpired(ctx context.Context, orderID string) (bool, error) {
	rows, err := e.gw.Queries().ListReservations(ctx, orderID, models.ReservationActive)
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}
	return earliestExpiry(rows).Before(e.now()), nil
}

// Extend pushes every ACTIVE reservation of the order to the earliest current
// deadline plus additional.
func (e *Engine) Extend(ctx context.Context, orderID string, additional time.Duration) (*ExtendResult, error) {
	if additional <= 0 {
		return nil, apperror.New(apperror.InvalidDuration, "additional time must be positive")
	}

	var result ExtendResult
	err := e.gw.RunInTx(ctx, func(ctx context.Context, q store.Queries) error {
		rows, err := q.ListReservations(ctx, orderID, models.ReservationActive)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return apperror.Newf(apperror.NoActiveReservation, "order %s has no active reservation", orderID)
		}
		result.OldExpiresAt = earliestExpiry(rows)
		result.NewExpiresAt = result.OldExpiresAt.Add(additional)
		n, err := q.SetReservationsExpiry(ctx, orderID, result.NewExpiresAt)
		if err != nil {
			return err
		}
		result.Extended = int(n)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.LogReservation("EXTEND", orderID, fmt.Sprintf("extended %d reservation(s) to %s",
		result.Extended, result.NewExpiresAt.Format(time.RFC3339)))
	e.track(ctx, orderID, result.NewExpiresAt)
	return &result, nil
}

// HandleExpiry is the event-driven path for a deadline reported by the
// tracker. It releases only if the database agrees the hold has expired.
func (e *Engine) HandleExpiry(ctx context.Context, orderID string) {
	expired, err := e.IsExpired(ctx, orderID)
	if err != nil {
		e.log.Error("RESERVE", fmt.Sprintf("expiry check for %s: %v", orderID, err))
		return
	}
	if !expired {
		return
	}
	if _, err := e.Release(ctx, orderID, ReasonExpired); err != nil {
		e.log.Error("RESERVE", fmt.Sprintf("release expired %s: %v", orderID, err))
	}
}

func (e *Engine) track(ctx context.Context, orderID string, expiresAt time.Time) {
	if e.tracker == nil {
		return
	}
	if err := e.tracker.Track(ctx, orderID, expiresAt); err != nil {
		e.log.Warn("RESERVE", fmt.Sprintf("track expiry for %s: %v", orderID, err))
	}
}

// normalizeItems validates the request and merges lines for the same product,
// keeping first-seen order.
func normalizeItems(items []Item) ([]Item, error) {
	if len(items) == 0 {
		return nil, apperror.New(apperror.InvalidItems, "at least one item is required")
	}
	merged := make([]Item, 0, len(items))
	index := make(map[string]int, len(items))
	for _, it := range items {
		id := strings.TrimSpace(it.ProductID)
		if id == "" {
			return nil, apperror.New(apperror.InvalidItems, "product id is required")
		}
		if it.Quantity <= 0 {
			return nil, apperror.Newf(apperror.InvalidQuantity, "quantity for %s must be positive", id).
				WithDetails(apperror.FieldError{Field: "quantity", ProductID: id, Quantity: it.Quantity})
		}
		if i, ok := index[id]; ok {
			merged[i].Quantity += it.Quantity
			continue
		}
		index[id] = len(merged)
		merged = append(merged, Item{ProductID: id, Quantity: it.Quantity})
	}
	return merged, nil
}

func earliestExpiry(rows []models.StockReservation) time.Time {
	earliest := rows[0].ExpiresAt
	for _, r := range rows[1:] {
		if r.ExpiresAt.Before(earliest) {
			earliest = r.ExpiresAt
		}
	}
	return earliest
}
