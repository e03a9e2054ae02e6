package payment

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"ms-orders/internal/config"
	"ms-orders/internal/logger"
)

var ErrStripeClientInitFailed = errors.New("failed to initialize Stripe client")

type intentCreator interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeGateway charges through confirmed PaymentIntents.
type StripeGateway struct {
	intents  intentCreator
	currency string
	log      *logger.Logger
}

func NewStripeGateway(cfg config.StripeConfig, log *logger.Logger) (*StripeGateway, error) {
	if cfg.SecretKey == "" {
		log.Error("STRIPE", "STRIPE_SECRET_KEY not set")
		return nil, ErrStripeClientInitFailed
	}
	sc := client.New(cfg.SecretKey, nil)
	if sc == nil {
		return nil, ErrStripeClientInitFailed
	}
	currency := cfg.Currency
	if currency == "" {
		currency = "eur"
	}
	log.Info("STRIPE", "Stripe client initialized")
	return &StripeGateway{intents: sc.PaymentIntents, currency: currency, log: log}, nil
}

func (g *StripeGateway) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if req.PaymentMethodID == "" {
		return &ChargeResult{ErrorCode: "missing_payment_method", ErrorType: TechnicalError}, nil
	}

	// Amounts are sent in the smallest currency unit.
	amount := req.Amount.Shift(2).Round(0).IntPart()

	metadata := map[string]string{
		"order_id":   req.OrderID,
		"attempt_id": req.AttemptID,
	}
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(amount),
		Currency:           stripe.String(g.currency),
		PaymentMethod:      stripe.String(req.PaymentMethodID),
		Description:        stripe.String("Order " + req.OrderID),
		Metadata:           metadata,
		ConfirmationMethod: stripe.String("manual"),
		Confirm:            stripe.Bool(true),
		PaymentMethodTypes: []*string{stripe.String("card")},
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.AttemptID)

	g.log.Info("STRIPE", fmt.Sprintf("Creating payment intent for order %s (attempt %s, %d %s)", req.OrderID, req.AttemptID, amount, g.currency))
	pi, err := g.intents.New(params)
	if err != nil {
		code, errType := classifyStripeError(err)
		if errType == "" {
			return nil, err
		}
		g.log.Warn("STRIPE", fmt.Sprintf("Payment intent for order %s failed: %s (%s)", req.OrderID, code, errType))
		return &ChargeResult{ErrorCode: code, ErrorType: errType}, nil
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return &ChargeResult{Success: true, TransactionID: pi.ID}, nil
	case stripe.PaymentIntentStatusRequiresAction, stripe.PaymentIntentStatusProcessing:
		return &ChargeResult{TransactionID: pi.ID, ErrorCode: string(pi.Status), ErrorType: ThreeDSTimeout}, nil
	default:
		return &ChargeResult{TransactionID: pi.ID, ErrorCode: string(pi.Status), ErrorType: CardDeclined}, nil
	}
}

// classifyStripeError maps an SDK error onto our error types. An empty type
// means the error says nothing about the charge.
func classifyStripeError(err error) (code, errType string) {
	var se *stripe.Error
	if errors.As(err, &se) {
		code = string(se.Code)
		if se.DeclineCode != "" {
			code = string(se.DeclineCode)
		}
		if se.Type != stripe.ErrorTypeCard {
			return code, TechnicalError
		}
		switch {
		case se.DeclineCode == stripe.DeclineCodeInsufficientFunds:
			return code, InsufficientFunds
		case se.DeclineCode == stripe.DeclineCodeFraudulent,
			se.DeclineCode == stripe.DeclineCodeStolenCard,
			se.DeclineCode == stripe.DeclineCodeLostCard:
			return code, FraudSuspected
		case se.Code == stripe.ErrorCodeExpiredCard, se.DeclineCode == stripe.DeclineCodeExpiredCard:
			return code, CardExpired
		default:
			return code, CardDeclined
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout", GatewayTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return "timeout", GatewayTimeout
		}
		return "network", NetworkError
	}
	if strings.Contains(err.Error(), "connection") {
		return "network", NetworkError
	}
	return "", ""
}

// UnavailableGateway stands in when no provider key is configured. Every
// charge ends as a temporary technical failure.
type UnavailableGateway struct{}

func (UnavailableGateway) Charge(context.Context, ChargeRequest) (*ChargeResult, error) {
	return nil, ErrStripeClientInitFailed
}
