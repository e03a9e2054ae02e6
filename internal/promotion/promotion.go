// Package promotion validates promotion codes and applies discounts to an
// order subtotal.
package promotion

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ms-orders/internal/apperror"
	"ms-orders/internal/logger"
	"ms-orders/internal/models"
	"ms-orders/internal/store"
)

// Reasons reported for manual codes that were skipped.
const (
	ReasonNotFound      = "PROMOTION_NOT_FOUND"
	ReasonInactive      = "PROMOTION_INACTIVE"
	ReasonExpired       = "PROMOTION_EXPIRED"
	ReasonUsageExceeded = "USAGE_LIMIT_EXCEEDED"
)

var tagOrder = map[models.PromotionTag]int{
	models.TagAuto:      1,
	models.TagStackable: 2,
	models.TagExclusive: 3,
}

var hundred = decimal.NewFromInt(100)

type InvalidCode struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

type Result struct {
	Subtotal      decimal.Decimal           `json:"subtotal"`
	FinalAmount   decimal.Decimal           `json:"finalAmount"`
	TotalDiscount decimal.Decimal           `json:"totalDiscount"`
	Applied       []models.AppliedPromotion `json:"appliedPromotions"`
	InvalidCodes  []InvalidCode             `json:"invalidCodes"`
}

// PromotionIDs lists the applied promotions in application order.
func (r *Result) PromotionIDs() []string {
	ids := make([]string, len(r.Applied))
	for i, a := range r.Applied {
		ids[i] = a.ID
	}
	return ids
}

type Usage struct {
	PromotionID string `json:"promotionId"`
	Code        string `json:"code"`
	Count       int    `json:"count"`
	Limit       int    `json:"limit"`
	Remaining   int    `json:"remaining"`
}

type Service struct {
	gw  store.Gateway
	log *logger.Logger
	now func() time.Time
}

func NewService(gw store.Gateway, log *logger.Logger, now func() time.Time) *Service {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{gw: gw, log: log, now: now}
}

// Apply validates the AUTO promotions plus the given codes and applies them to
// subtotal. Bad codes are reported in InvalidCodes and otherwise ignored; an
// incompatible combination fails the whole call.
func (s *Service) Apply(ctx context.Context, q store.Queries, userID string, subtotal decimal.Decimal, codes []string) (*Result, error) {
	if !subtotal.IsPositive() {
		return nil, apperror.New(apperror.InvalidSubtotal, "subtotal must be greater than 0")
	}
	now := s.now()

	valid, err := q.FindActiveAutoPromotions(ctx, now)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(valid))
	for _, p := range valid {
		seen[p.ID] = true
	}

	invalid := []InvalidCode{}
	for _, code := range normalizeCodes(codes) {
		p, reason, err := s.checkCode(ctx, q, userID, code, now)
		if err != nil {
			return nil, err
		}
		if reason != "" {
			invalid = append(invalid, InvalidCode{Code: code, Reason: reason})
			continue
		}
		if seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		valid = append(valid, *p)
	}

	if err := CheckCompatibility(valid); err != nil {
		return nil, err
	}
	SortByTag(valid)

	final, applied := ApplySequentially(subtotal, valid)
	result := &Result{
		Subtotal:      subtotal.Round(2),
		FinalAmount:   final,
		TotalDiscount: subtotal.Sub(final).Round(2),
		Applied:       applied,
		InvalidCodes:  invalid,
	}
	if len(invalid) > 0 {
		s.log.Info("PROMOTION", fmt.Sprintf("user %s: %d code(s) rejected", userID, len(invalid)))
	}
	return result, nil
}

func (s *Service) checkCode(ctx context.Context, q store.Queries, userID, code string, now time.Time) (*models.Promotion, string, error) {
	p, err := q.GetPromotionByCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ReasonNotFound, nil
	}
	if err != nil {
		return nil, "", err
	}
	if !p.Active {
		return nil, ReasonInactive, nil
	}
	if !p.ExpiresAt.IsZero() && !p.ExpiresAt.After(now) {
		return nil, ReasonExpired, nil
	}
	if p.UsageLimitPerUser > 0 {
		usage, err := q.GetPromotionUsage(ctx, userID, p.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return nil, "", err
		case usage.Count >= p.UsageLimitPerUser:
			return nil, ReasonUsageExceeded, nil
		}
	}
	return p, "", nil
}

// IncrementUsageTx counts one use of each promotion for the user, inside the
// caller's transaction.
func (s *Service) IncrementUsageTx(ctx context.Context, q store.Queries, userID string, promotionIDs []string) error {
	for _, id := range promotionIDs {
		if err := q.IncrementPromotionUsage(ctx, userID, id); err != nil {
			return fmt.Errorf("increment usage of %s: %w", id, err)
		}
	}
	return nil
}

// UserUsage reports how often the user redeemed each promotion and how many
// uses remain.
func (s *Service) UserUsage(ctx context.Context, userID string) ([]Usage, error) {
	q := s.gw.Queries()
	usages, err := q.ListPromotionUsage(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(usages))
	for i, u := range usages {
		ids[i] = u.PromotionID
	}
	promotions, err := q.GetPromotions(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]models.Promotion, len(promotions))
	for _, p := range promotions {
		byID[p.ID] = p
	}

	out := make([]Usage, 0, len(usages))
	for _, u := range usages {
		p := byID[u.PromotionID]
		remaining := p.UsageLimitPerUser - u.Count
		if remaining < 0 {
			remaining = 0
		}
		out = append(out, Usage{
			PromotionID: u.PromotionID,
			Code:        p.Code,
			Count:       u.Count,
			Limit:       p.UsageLimitPerUser,
			Remaining:   remaining,
		})
	}
	return out, nil
}

// CheckCompatibility allows at most one EXCLUSIVE promotion, and only on its
// own.
func CheckCompatibility(promotions []models.Promotion) error {
	exclusive := 0
	for _, p := range promotions {
		if p.Tag == models.TagExclusive {
			exclusive++
		}
	}
	if exclusive > 1 {
		return apperror.New(apperror.IncompatiblePromotions, "only one EXCLUSIVE promotion allowed")
	}
	if exclusive == 1 && len(promotions) > 1 {
		return apperror.New(apperror.IncompatiblePromotions, "EXCLUSIVE promotions cannot be combined with others")
	}
	return nil
}

// SortByTag orders AUTO, then STACKABLE, then EXCLUSIVE, keeping the input
// order within a tag.
func SortByTag(promotions []models.Promotion) {
	sort.SliceStable(promotions, func(i, j int) bool {
		return tagOrder[promotions[i].Tag] < tagOrder[promotions[j].Tag]
	})
}

// ApplySequentially discounts the running amount one promotion at a time. The
// amount never drops below zero and nothing more is applied once it gets
// there.
func ApplySequentially(subtotal decimal.Decimal, promotions []models.Promotion) (decimal.Decimal, []models.AppliedPromotion) {
	current := subtotal
	applied := make([]models.AppliedPromotion, 0, len(promotions))

	for _, p := range promotions {
		discount := discountFor(current, p)
		next := current.Sub(discount)
		if next.IsNegative() {
			next = decimal.Zero
		}
		applied = append(applied, models.AppliedPromotion{
			ID:             p.ID,
			Code:           p.Code,
			Type:           p.Type,
			Tag:            p.Tag,
			Value:          p.Value,
			DiscountAmount: discount.Round(2),
			AmountBefore:   current.Round(2),
			AmountAfter:    next.Round(2),
		})
		current = next
		if current.IsZero() {
			break
		}
	}
	return current.Round(2), applied
}

func discountFor(amount decimal.Decimal, p models.Promotion) decimal.Decimal {
	switch p.Type {
	case models.PromotionPercentage:
		return amount.Mul(p.Value).Div(hundred)
	case models.PromotionFixedAmount:
		return p.Value
	default:
		// FREE_SHIPPING does not touch the item subtotal.
		return decimal.Zero
	}
}

func normalizeCodes(codes []string) []string {
	out := make([]string, 0, len(codes))
	seen := make(map[string]bool, len(codes))
	for _, c := range codes {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}
