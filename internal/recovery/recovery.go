// Package recovery emails owners of abandoned carts a one-time link back to
// their cart and tracks whether the link was clicked and converted.
package recovery

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"html"
	"math"
	"time"

	"github.com/google/uuid"

	"ms-orders/internal/apperror"
	"ms-orders/internal/config"
	"ms-orders/internal/logger"
	"ms-orders/internal/metrics"
	"ms-orders/internal/models"
	"ms-orders/internal/notify"
	"ms-orders/internal/order"
	"ms-orders/internal/store"
)

const (
	ReasonCartNotFound       = "CART_NOT_FOUND"
	ReasonNotCartStatus      = "NOT_CART_STATUS"
	ReasonAlreadySent        = "ALREADY_SENT"
	ReasonNoMarketingConsent = "NO_MARKETING_CONSENT"
	ReasonTooOld             = "TOO_OLD"
	ReasonTooRecent          = "TOO_RECENT"
)

// CartError records one cart the scan could not finish.
type CartError struct {
	CartID string `json:"cartId"`
	Error  string `json:"error"`
}

// ScanResult counts one pass over the abandoned window. Skipped carts were
// claimed by another worker, or left CART, between the select and the flag
// update.
type ScanResult struct {
	Scanned   int         `json:"scanned"`
	Processed int         `json:"processed"`
	Sent      int         `json:"sent"`
	Skipped   int         `json:"skipped"`
	Failed    int         `json:"failed"`
	Errors    []CartError `json:"errors"`
}

type Recovered struct {
	Cart models.Order `json:"cart"`
	User models.User  `json:"user"`
}

type Stats struct {
	Sent           int     `json:"sent"`
	Clicked        int     `json:"clicked"`
	Converted      int     `json:"converted"`
	ClickRate      float64 `json:"clickRate"`
	ConversionRate float64 `json:"conversionRate"`
}

type Eligibility struct {
	Eligible      bool               `json:"eligible"`
	Reason        string             `json:"reason,omitempty"`
	CurrentStatus models.OrderStatus `json:"currentStatus,omitempty"`
	CreatedAt     *time.Time         `json:"createdAt,omitempty"`
}

type Service struct {
	gw      store.Gateway
	mailer  notify.Mailer
	log     *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	cfg     config.RecoveryConfig
	token   func() (string, error)
}

func NewService(gw store.Gateway, mailer notify.Mailer, log *logger.Logger, m *metrics.Metrics, now func() time.Time, cfg config.RecoveryConfig) *Service {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if mailer == nil {
		mailer = notify.NopMailer{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Service{
		gw:      gw,
		mailer:  mailer,
		log:     log,
		metrics: m,
		now:     now,
		cfg:     cfg,
		token:   generateToken,
	}
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func (s *Service) window(now time.Time) (from, to time.Time) {
	return now.Add(-s.cfg.MaxAbandoned), now.Add(-s.cfg.MinAbandoned)
}

// ScanAbandonedCarts flags, logs and emails every eligible cart in the window.
// A cart is flagged before the email goes out, so a failed send is never
// retried.
func (s *Service) ScanAbandonedCarts(ctx context.Context) (*ScanResult, error) {
	now := s.now()
	from, to := s.window(now)

	carts, err := s.gw.Queries().FindAbandonedCarts(ctx, from, to, s.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("find abandoned carts: %w", err)
	}

	res := &ScanResult{Scanned: len(carts), Errors: []CartError{}}
	for _, c := range carts {
		res.Processed++
		claimed, token, err := s.claim(ctx, c, now)
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, CartError{CartID: c.Order.ID, Error: err.Error()})
			s.log.Error("RECOVERY", fmt.Sprintf("Failed to process cart %s: %v", c.Order.ID, err))
			continue
		}
		if !claimed {
			res.Skipped++
			s.log.Debug("RECOVERY", fmt.Sprintf("Cart %s already claimed", c.Order.ID))
			continue
		}

		if err := s.mailer.Send(ctx, s.message(c, token, now.Add(s.cfg.TokenTTL))); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, CartError{CartID: c.Order.ID, Error: err.Error()})
			s.metrics.RecoveryEmail("failed")
			s.log.Error("RECOVERY", fmt.Sprintf("Failed to send recovery email for cart %s: %v", c.Order.ID, err))
			continue
		}
		res.Sent++
		s.metrics.RecoveryEmail("sent")
		s.log.Info("RECOVERY", fmt.Sprintf("Recovery email sent for cart %s", c.Order.ID))
	}

	s.log.Info("RECOVERY", fmt.Sprintf("Scan completed: %d processed, %d sent, %d skipped, %d failed",
		res.Processed, res.Sent, res.Skipped, res.Failed))
	return res, nil
}

// claim flips the sent flag and writes the log row in one transaction.
func (s *Service) claim(ctx context.Context, c models.AbandonedCart, now time.Time) (bool, string, error) {
	token, err := s.token()
	if err != nil {
		return false, "", fmt.Errorf("generate token: %w", err)
	}
	expiresAt := now.Add(s.cfg.TokenTTL)

	claimed := false
	err = s.gw.RunInTx(ctx, func(ctx context.Context, q store.Queries) error {
		n, err := q.MarkRecoveryEmailSent(ctx, c.Order.ID, token, expiresAt, now)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		claimed = true
		return q.InsertRecoveryLog(ctx, &models.CartRecoveryLog{
			ID:          uuid.NewString(),
			OrderID:     c.Order.ID,
			UserID:      c.Order.UserID,
			Token:       token,
			ExpiresAt:   expiresAt,
			EmailSentAt: now,
		})
	})
	if err != nil {
		return false, "", err
	}
	return claimed, token, nil
}

func (s *Service) message(c models.AbandonedCart, token string, expiresAt time.Time) notify.Message {
	name := c.User.Name
	if name == "" {
		name = c.User.Email
	}
	link := fmt.Sprintf("%s/cart/recover/%s", s.cfg.AppURL, token)
	body := fmt.Sprintf(`<!DOCTYPE html>
<html>
<body style="font-family: sans-serif; color: #333; max-width: 600px; margin: 0 auto;">
	<h1 style="font-size: 22px;">You left something behind</h1>
	<p>Hi %s,</p>
	<p>Your cart still holds %d item(s). Pick up where you left off:</p>
	<p><a href="%s" style="background: #4f46e5; color: #fff; padding: 10px 18px; border-radius: 5px; text-decoration: none;">Return to my cart</a></p>
	<p style="font-size: 12px; color: #999;">This link expires on %s.</p>
</body>
</html>`,
		html.EscapeString(name),
		c.Order.ItemCount(),
		html.EscapeString(link),
		expiresAt.Format("2006-01-02"),
	)
	return notify.Message{
		To:      c.User.Email,
		Subject: "Your cart is waiting",
		HTML:    body,
	}
}

// RecoverCart resolves a recovery link. The first click is recorded; later
// clicks succeed without touching the log.
func (s *Service) RecoverCart(ctx context.Context, token string) (*Recovered, error) {
	if token == "" {
		return nil, apperror.New(apperror.TokenInvalid, "token not found")
	}
	q := s.gw.Queries()
	cart, err := q.FindOrderByRecoveryToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperror.New(apperror.TokenInvalid, "token not found")
	}
	if err != nil {
		return nil, err
	}

	now := s.now()
	if !cart.RecoveryTokenExpiresAt.IsZero() && cart.RecoveryTokenExpiresAt.Before(now) {
		return nil, apperror.New(apperror.TokenExpired, "recovery link has expired").
			WithDetails(map[string]any{"expiresAt": cart.RecoveryTokenExpiresAt, "now": now})
	}
	if cart.Status != models.StatusCart {
		return nil, apperror.New(apperror.CartAlreadyConverted, "cart was already checked out").
			WithDetails(map[string]any{"currentStatus": cart.Status})
	}

	if _, err := q.MarkRecoveryClicked(ctx, token, now); err != nil {
		return nil, err
	}
	user, err := q.GetUser(ctx, cart.UserID)
	if err != nil {
		return nil, err
	}

	s.log.LogOrder("RECOVERED", cart.ID, "Cart recovered via email link")
	return &Recovered{Cart: *cart, User: *user}, nil
}

// TrackConversion stamps the recovery log of a paid order. Orders that never
// received a recovery email are ignored.
func (s *Service) TrackConversion(ctx context.Context, orderID string) error {
	n, err := s.gw.Queries().MarkRecoveryConverted(ctx, orderID, s.now())
	if err != nil {
		return err
	}
	if n > 0 {
		s.metrics.RecoveryEmail("converted")
		s.log.LogOrder("CONVERTED", orderID, "Recovered cart converted")
	}
	return nil
}

func (s *Service) Stats(ctx context.Context, from, to *time.Time) (*Stats, error) {
	logs, err := s.gw.Queries().ListRecoveryLogs(ctx, from, to)
	if err != nil {
		return nil, err
	}
	st := &Stats{Sent: len(logs)}
	for _, l := range logs {
		if !l.ClickedAt.IsZero() {
			st.Clicked++
		}
		if !l.ConvertedAt.IsZero() {
			st.Converted++
		}
	}
	if st.Sent > 0 {
		st.ClickRate = percent(st.Clicked, st.Sent)
		st.ConversionRate = percent(st.Converted, st.Sent)
	}
	return st, nil
}

func percent(n, of int) float64 {
	return math.Round(float64(n)/float64(of)*10000) / 100
}

func (s *Service) IsEligible(ctx context.Context, cartID string) (*Eligibility, error) {
	q := s.gw.Queries()
	cart, err := q.GetOrder(ctx, cartID)
	if errors.Is(err, store.ErrNotFound) {
		return &Eligibility{Reason: ReasonCartNotFound}, nil
	}
	if err != nil {
		return nil, err
	}
	if cart.Status != models.StatusCart {
		return &Eligibility{Reason: ReasonNotCartStatus, CurrentStatus: cart.Status}, nil
	}
	if cart.RecoveryEmailSent {
		return &Eligibility{Reason: ReasonAlreadySent}, nil
	}
	user, err := q.GetUser(ctx, cart.UserID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if user == nil || !user.MarketingConsent {
		return &Eligibility{Reason: ReasonNoMarketingConsent}, nil
	}

	from, to := s.window(s.now())
	created := cart.CreatedAt
	if created.Before(from) {
		return &Eligibility{Reason: ReasonTooOld, CreatedAt: &created}, nil
	}
	if created.After(to) {
		return &Eligibility{Reason: ReasonTooRecent, CreatedAt: &created}, nil
	}
	return &Eligibility{Eligible: true}, nil
}

// ConversionNotifier tracks conversions when an order reaches PAID.
type ConversionNotifier struct {
	Service *Service
}

func (n ConversionNotifier) OrderTransitioned(ctx context.Context, ev order.TransitionEvent) error {
	if ev.To != models.StatusPaid {
		return nil
	}
	return n.Service.TrackConversion(ctx, ev.Order.ID)
}
