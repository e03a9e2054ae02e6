// Package order owns the order lifecycle: cart editing, checkout
// orchestration and the state machine every status change goes through.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ms-orders/internal/apperror"
	"ms-orders/internal/logger"
	"ms-orders/internal/models"
	"ms-orders/internal/promotion"
	"ms-orders/internal/reservation"
	"ms-orders/internal/store"
)

const (
	ReasonUserCheckout   = "USER_CHECKOUT"
	ReasonUserCancelled  = "USER_CANCELLED"
	ReasonCheckoutFailed = "CHECKOUT_FAILED"
)

type CreateResult struct {
	Order      *models.Order     `json:"order"`
	Idempotent bool              `json:"idempotent"`
	Promotions *promotion.Result `json:"promotions,omitempty"`
}

type CheckoutResult struct {
	Order        *models.Order             `json:"order"`
	Reservations []models.StockReservation `json:"reservations"`
	ExpiresAt    time.Time                 `json:"expiresAt"`
	Promotions   *promotion.Result         `json:"promotions,omitempty"`
	Idempotent   bool                      `json:"idempotent"`
}

type CheckoutView struct {
	Order        *models.Order              `json:"order"`
	Reservations []models.ReservationDetail `json:"reservations"`
}

type Service struct {
	gw           store.Gateway
	machine      *StateMachine
	reservations *reservation.Engine
	promotions   *promotion.Service
	log          *logger.Logger
	now          func() time.Time
}

func NewService(gw store.Gateway, machine *StateMachine, reservations *reservation.Engine, promotions *promotion.Service, log *logger.Logger, now func() time.Time) *Service {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		gw:           gw,
		machine:      machine,
		reservations: reservations,
		promotions:   promotions,
		log:          log,
		now:          now,
	}
}

func (s *Service) StateMachine() *StateMachine {
	return s.machine
}

// ---------------- CART ----------------

// AddItemToCart adds quantity of a product to the user's cart, creating the
// cart on first use.
func (s *Service) AddItemToCart(ctx context.Context, userID, productID string, quantity int) (*models.Order, error) {
	if quantity <= 0 {
		return nil, apperror.New(apperror.InvalidQuantity, "quantity must be positive")
	}

	var cart *models.Order
	err := s.gw.RunInTx(ctx, func(ctx context.Context, q store.Queries) error {
		now := s.now()
		var err error
		cart, err = q.FindLatestOrder(ctx, userID, models.StatusCart)
		if errors.Is(err, store.ErrNotFound) {
			cart = &models.Order{
				ID:            uuid.NewString(),
				UserID:        userID,
				Status:        models.StatusCart,
				Version:       1,
				ItemsSnapshot: []models.OrderItem{},
				TotalSnapshot: decimal.Zero,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := q.InsertOrder(ctx, cart); err != nil {
				return err
			}
			s.log.LogOrder("CART", cart.ID, "created cart for user "+userID)
		} else if err != nil {
			return err
		}

		product, err := q.GetProduct(ctx, productID)
		if errors.Is(err, store.ErrNotFound) {
			return apperror.Newf(apperror.ProductNotFound, "product %s not found", productID)
		}
		if err != nil {
			return err
		}
		if product.StockAvailable < quantity {
			return apperror.Newf(apperror.InsufficientStock, "only %d available", product.StockAvailable).
				WithDetails([]apperror.StockShortage{{
					ProductID: productID, Reason: apperror.InsufficientStock,
					Requested: quantity, Available: product.StockAvailable,
				}})
		}

		items := mergeItem(cart.ItemsSnapshot, product, quantity)
		n, err := q.UpdateCartItems(ctx, cart.ID, cart.Version, items, now)
		if err != nil {
			return err
		}
		if n == 0 {
			return apperror.Newf(apperror.ConcurrentModification, "cart %s changed since it was read", cart.ID)
		}
		cart.ItemsSnapshot = items
		cart.Version++
		cart.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.LogOrder("CART", cart.ID, fmt.Sprintf("added %d x %s", quantity, productID))
	return cart, nil
}

func mergeItem(items []models.OrderItem, p *models.Product, quantity int) []models.OrderItem {
	out := make([]models.OrderItem, 0, len(items)+1)
	merged := false
	for _, it := range items {
		if it.ProductID == p.ID {
			quantity += it.Quantity
			merged = true
			it = lineFor(p, quantity)
		}
		out = append(out, it)
	}
	if !merged {
		out = append(out, lineFor(p, quantity))
	}
	return out
}

func lineFor(p *models.Product, quantity int) models.OrderItem {
	return models.OrderItem{
		ProductID:    p.ID,
		Name:         p.Name,
		UnitPrice:    p.Price,
		Quantity:     quantity,
		LineSubtotal: p.Price.Mul(decimal.NewFromInt(int64(quantity))),
	}
}

func (s *Service) GetActiveCart(ctx context.Context, userID string) (*models.Order, error) {
	cart, err := s.gw.Queries().FindLatestOrder(ctx, userID, models.StatusCart)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperror.Newf(apperror.CartNotFound, "user %s has no cart", userID)
	}
	return cart, err
}

// GetCheckoutOrder returns the user's latest CHECKOUT order with its active
// reservations.
func (s *Service) GetCheckoutOrder(ctx context.Context, userID string) (*CheckoutView, error) {
	o, err := s.gw.Queries().FindLatestOrder(ctx, userID, models.StatusCheckout)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperror.Newf(apperror.OrderNotFound, "user %s has no order in checkout", userID)
	}
	if err != nil {
		return nil, err
	}
	details, err := s.reservations.GetActiveReservations(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	return &CheckoutView{Order: o, Reservations: details}, nil
}

// ---------------- ORDERS ----------------

func (s *Service) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	o, err := s.gw.Queries().GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperror.Newf(apperror.OrderNotFound, "order %s not found", orderID)
	}
	return o, err
}

// GetOwnedOrder is GetOrder restricted to the order's owner.
func (s *Service) GetOwnedOrder(ctx context.Context, orderID, userID string) (*models.Order, error) {
	o, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, apperror.Newf(apperror.Forbidden, "order %s belongs to another user", orderID)
	}
	return o, nil
}

func (s *Service) ListAudit(ctx context.Context, orderID string) ([]models.OrderStateAudit, error) {
	return s.gw.Queries().ListAudit(ctx, orderID)
}

// ---------------- CHECKOUT ----------------

// CreateOrderFromCart freezes prices and promotions on the user's cart. If
// the cart was already checked out the latest CHECKOUT order is returned.
func (s *Service) CreateOrderFromCart(ctx context.Context, userID string, promoCodes []string) (*CreateResult, error) {
	var result CreateResult
	err := s.gw.RunInTx(ctx, func(ctx context.Context, q store.Queries) error {
		result = CreateResult{}
		cart, err := q.FindLatestOrder(ctx, userID, models.StatusCart)
		if errors.Is(err, store.ErrNotFound) {
			existing, err := q.FindLatestOrder(ctx, userID, models.StatusCheckout)
			if errors.Is(err, store.ErrNotFound) {
				return apperror.Newf(apperror.CartNotFound, "user %s has no cart", userID)
			}
			if err != nil {
				return err
			}
			result.Order = existing
			result.Idempotent = true
			return nil
		}
		if err != nil {
			return err
		}

		if problems := validateCart(cart); len(problems) > 0 {
			return apperror.New(apperror.InvalidCart, "cart cannot be checked out").WithDetails(problems)
		}

		items, subtotal, err := priceSnapshot(ctx, q, cart.ItemsSnapshot)
		if err != nil {
			return err
		}

		promo, err := s.promotions.Apply(ctx, q, userID, subtotal, promoCodes)
		if err != nil {
			return err
		}

		now := s.now()
		n, err := q.SaveCheckoutSnapshot(ctx, store.CheckoutSnapshot{
			ID:              cart.ID,
			ExpectedVersion: cart.Version,
			Items:           items,
			Total:           promo.FinalAmount,
			Promotions:      promo.Applied,
			Now:             now,
		})
		if err != nil {
			return err
		}
		if n == 0 {
			return apperror.Newf(apperror.ConcurrentModification, "cart %s was modified by another request", cart.ID)
		}

		if err := s.promotions.IncrementUsageTx(ctx, q, userID, promo.PromotionIDs()); err != nil {
			return err
		}

		cart.ItemsSnapshot = items
		cart.TotalSnapshot = promo.FinalAmount
		cart.PromoSnapshot = promo.Applied
		cart.Version++
		cart.UpdatedAt = now
		result.Order = cart
		result.Promotions = promo
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !result.Idempotent {
		s.log.LogOrder("CHECKOUT", result.Order.ID, fmt.Sprintf("snapshot taken: subtotal %s, total %s",
			result.Promotions.Subtotal.StringFixed(2), result.Order.TotalSnapshot.StringFixed(2)))
	}
	return &result, nil
}

// validateCart reports every structural problem with the cart.
func validateCart(cart *models.Order) []apperror.FieldError {
	if cart.Status != models.StatusCart {
		return []apperror.FieldError{{Field: "status", Reason: "INVALID_STATUS", Current: string(cart.Status)}}
	}
	if len(cart.ItemsSnapshot) == 0 {
		return []apperror.FieldError{{Field: "items", Reason: "EMPTY_CART"}}
	}
	var problems []apperror.FieldError
	for _, it := range cart.ItemsSnapshot {
		if it.ProductID == "" || it.Quantity <= 0 {
			problems = append(problems, apperror.FieldError{
				Field: "items", Reason: "INVALID_ITEM", ProductID: it.ProductID, Quantity: it.Quantity,
			})
		}
	}
	return problems
}

// priceSnapshot re-prices every line from the current product rows.
func priceSnapshot(ctx context.Context, q store.Queries, lines []models.OrderItem) ([]models.OrderItem, decimal.Decimal, error) {
	ids := make([]string, len(lines))
	for i, it := range lines {
		ids[i] = it.ProductID
	}
	products, err := q.GetProducts(ctx, ids)
	if err != nil {
		return nil, decimal.Zero, err
	}
	byID := make(map[string]models.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	subtotal := decimal.Zero
	items := make([]models.OrderItem, 0, len(lines))
	for _, it := range lines {
		p, ok := byID[it.ProductID]
		if !ok {
			return nil, decimal.Zero, apperror.Newf(apperror.ProductNotFound, "product %s not found", it.ProductID)
		}
		line := p.Price.Mul(decimal.NewFromInt(int64(it.Quantity)))
		items = append(items, models.OrderItem{
			ProductID:    p.ID,
			Name:         p.Name,
			UnitPrice:    p.Price,
			Quantity:     it.Quantity,
			LineSubtotal: line,
		})
		subtotal = subtotal.Add(line)
	}
	return items, subtotal, nil
}

// CompleteCheckout reserves the order's stock and moves it to CHECKOUT. A
// failed transition gives freshly reserved stock back.
func (s *Service) CompleteCheckout(ctx context.Context, orderID, paymentMethod string) (*CheckoutResult, error) {
	o, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if len(o.ItemsSnapshot) == 0 {
		return nil, apperror.Newf(apperror.InvalidCart, "order %s has no items", orderID).
			WithDetails([]apperror.FieldError{{Field: "items", Reason: "EMPTY_CART"}})
	}

	items := make([]reservation.Item, len(o.ItemsSnapshot))
	for i, it := range o.ItemsSnapshot {
		items[i] = reservation.Item{ProductID: it.ProductID, Quantity: it.Quantity}
	}
	res, err := s.reservations.Reserve(ctx, orderID, items, s.reservations.DurationFor(paymentMethod))
	if err != nil {
		return nil, err
	}

	tr, err := s.machine.Transition(ctx, orderID, models.StatusCheckout, ReasonUserCheckout, o.UserID)
	if err != nil {
		if !res.Idempotent {
			if _, relErr := s.reservations.Release(ctx, orderID, ReasonCheckoutFailed); relErr != nil {
				s.log.Error("ORDER", fmt.Sprintf("compensating release for %s failed: %v", orderID, relErr))
			}
		}
		return nil, err
	}

	return &CheckoutResult{
		Order:        tr.Order,
		Reservations: res.Reservations,
		ExpiresAt:    res.ExpiresAt,
		Idempotent:   tr.Idempotent,
	}, nil
}

// Checkout runs CreateOrderFromCart then CompleteCheckout.
func (s *Service) Checkout(ctx context.Context, userID string, req models.CheckoutRequest) (*CheckoutResult, error) {
	created, err := s.CreateOrderFromCart(ctx, userID, req.PromoCodes)
	if err != nil {
		return nil, err
	}
	result, err := s.CompleteCheckout(ctx, created.Order.ID, req.PaymentMethod)
	if err != nil {
		return nil, err
	}
	result.Promotions = created.Promotions
	result.Idempotent = created.Idempotent
	return result, nil
}

// CancelOrder cancels an order on behalf of its owner.
func (s *Service) CancelOrder(ctx context.Context, orderID, userID string) (*TransitionResult, error) {
	if _, err := s.GetOwnedOrder(ctx, orderID, userID); err != nil {
		return nil, err
	}
	return s.machine.Transition(ctx, orderID, models.StatusCancelled, ReasonUserCancelled, userID)
}
