package models

import (
	"time"

	"github.com/uptrace/bun"
)

type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID               string    `bun:"id,pk" json:"id"`
	Email            string    `bun:"email,unique,notnull" json:"email"`
	Name             string    `bun:"name" json:"name"`
	MarketingConsent bool      `bun:"marketing_consent,notnull" json:"marketingConsent"`
	CreatedAt        time.Time `bun:"created_at,notnull" json:"createdAt"`
}
