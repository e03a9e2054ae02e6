package models

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

type PromotionType string

const (
	PromotionPercentage   PromotionType = "PERCENTAGE"
	PromotionFixedAmount  PromotionType = "FIXED_AMOUNT"
	PromotionFreeShipping PromotionType = "FREE_SHIPPING"
)

type PromotionTag string

const (
	TagAuto      PromotionTag = "AUTO"
	TagStackable PromotionTag = "STACKABLE"
	TagExclusive PromotionTag = "EXCLUSIVE"
)

type Promotion struct {
	bun.BaseModel `bun:"table:promotions,alias:pr"`

	ID                string          `bun:"id,pk" json:"id"`
	Code              string          `bun:"code,unique,notnull" json:"code"`
	Type              PromotionType   `bun:"type,notnull" json:"type"`
	Tag               PromotionTag    `bun:"tag,notnull" json:"tag"`
	Value             decimal.Decimal `bun:"value,type:numeric" json:"value"`
	Active            bool            `bun:"active,notnull" json:"active"`
	ExpiresAt         time.Time       `bun:"expires_at,nullzero" json:"expiresAt,omitempty"`
	UsageLimitPerUser int             `bun:"usage_limit_per_user,notnull" json:"usageLimitPerUser"`
	CreatedAt         time.Time       `bun:"created_at,notnull" json:"createdAt"`
}

type PromotionUsage struct {
	bun.BaseModel `bun:"table:promotion_usages,alias:pu"`

	UserID      string `bun:"user_id,pk" json:"userId"`
	PromotionID string `bun:"promotion_id,pk" json:"promotionId"`
	Count       int    `bun:"count,notnull" json:"count"`
}

// AppliedPromotion is the per-promotion line stored in an order's promo
// snapshot.
type AppliedPromotion struct {
	ID             string          `json:"id"`
	Code           string          `json:"code"`
	Type           PromotionType   `json:"type"`
	Tag            PromotionTag    `json:"tag"`
	Value          decimal.Decimal `json:"value"`
	DiscountAmount decimal.Decimal `json:"discountAmount"`
	AmountBefore   decimal.Decimal `json:"amountBefore"`
	AmountAfter    decimal.Decimal `json:"amountAfter"`
}
