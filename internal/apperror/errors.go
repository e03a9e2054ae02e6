// Package apperror holds the closed set of domain failures returned by the
// order, reservation, promotion, payment and recovery services. Callers switch
// on Kind instead of parsing messages.
package apperror

import (
	"errors"
	"fmt"
)

type Kind string

const (
	// validation
	InvalidItems           Kind = "INVALID_ITEMS"
	InvalidQuantity        Kind = "INVALID_QUANTITY"
	InvalidDuration        Kind = "INVALID_DURATION"
	InvalidSubtotal        Kind = "INVALID_SUBTOTAL"
	InvalidCart            Kind = "INVALID_CART"
	InvalidStatus          Kind = "INVALID_STATUS"
	IncompatiblePromotions Kind = "INCOMPATIBLE_PROMOTIONS"
	InvalidPaymentOrder    Kind = "INVALID_PAYMENT_ORDER"

	// not found
	OrderNotFound       Kind = "ORDER_NOT_FOUND"
	ProductNotFound     Kind = "PRODUCT_NOT_FOUND"
	CartNotFound        Kind = "CART_NOT_FOUND"
	NoActiveReservation Kind = "NO_ACTIVE_RESERVATION"
	TokenInvalid        Kind = "TOKEN_INVALID"

	// permanent until external state changes
	InvalidTransition    Kind = "INVALID_TRANSITION"
	PreconditionFailed   Kind = "PRECONDITION_FAILED"
	TokenExpired         Kind = "TOKEN_EXPIRED"
	CartAlreadyConverted Kind = "CART_ALREADY_CONVERTED"
	CheckoutExpired      Kind = "CHECKOUT_EXPIRED"
	RetryNotAllowed      Kind = "RETRY_NOT_ALLOWED"
	Forbidden            Kind = "FORBIDDEN"

	// concurrency
	ConcurrentModification Kind = "CONCURRENT_MODIFICATION"

	// resource exhaustion
	InsufficientStock Kind = "INSUFFICIENT_STOCK"
)

type Category string

const (
	CategoryValidation  Category = "validation"
	CategoryNotFound    Category = "not_found"
	CategoryPermanent   Category = "permanent"
	CategoryConcurrency Category = "concurrency"
	CategoryExhaustion  Category = "exhaustion"
	CategoryUnknown     Category = "unknown"
)

var categories = map[Kind]Category{
	InvalidItems:           CategoryValidation,
	InvalidQuantity:        CategoryValidation,
	InvalidDuration:        CategoryValidation,
	InvalidSubtotal:        CategoryValidation,
	InvalidCart:            CategoryValidation,
	InvalidStatus:          CategoryValidation,
	IncompatiblePromotions: CategoryValidation,
	InvalidPaymentOrder:    CategoryValidation,

	OrderNotFound:       CategoryNotFound,
	ProductNotFound:     CategoryNotFound,
	CartNotFound:        CategoryNotFound,
	NoActiveReservation: CategoryNotFound,
	TokenInvalid:        CategoryNotFound,

	InvalidTransition:    CategoryPermanent,
	PreconditionFailed:   CategoryPermanent,
	TokenExpired:         CategoryPermanent,
	CartAlreadyConverted: CategoryPermanent,
	CheckoutExpired:      CategoryPermanent,
	RetryNotAllowed:      CategoryPermanent,
	Forbidden:            CategoryPermanent,

	ConcurrentModification: CategoryConcurrency,

	InsufficientStock: CategoryExhaustion,
}

// Error is a domain failure. Details carries a kind-specific payload, for
// example []StockShortage for InsufficientStock.
type Error struct {
	Kind    Kind
	Message string
	Details any
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports a match when target is an *Error of the same Kind, so
// errors.Is(err, &Error{Kind: OrderNotFound}) works through wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// WithDetails returns e with the payload attached.
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// DetailsOf returns the Details of the first *Error in err's chain.
func DetailsOf(err error) any {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}

func CategoryOf(kind Kind) Category {
	if c, ok := categories[kind]; ok {
		return c
	}
	return CategoryUnknown
}

// Retryable reports whether the caller may re-read and re-attempt.
func Retryable(err error) bool {
	return CategoryOf(KindOf(err)) == CategoryConcurrency
}

// StockShortage describes one item that could not be reserved.
type StockShortage struct {
	ProductID string `json:"productId"`
	Reason    Kind   `json:"reason"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

// FieldError describes one failed cart validation rule.
type FieldError struct {
	Field     string `json:"field"`
	Reason    string `json:"reason"`
	ProductID string `json:"productId,omitempty"`
	Quantity  int    `json:"quantity,omitempty"`
	Current   string `json:"current,omitempty"`
}
