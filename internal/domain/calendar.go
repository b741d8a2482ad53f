package domain

import (
	"context"
	"time"

	"github.com/uptrace/bun"
)

// CalendarCredential is the provider's access to their external calendar.
type CalendarCredential struct {
	bun.BaseModel `bun:"table:provider_calendar_credentials"`

	ProviderID  ProviderID `bun:"provider_id,pk"`
	AccessToken string     `bun:"access_token,notnull"`
	CalendarID  string     `bun:"calendar_id,notnull"`
	UpdatedAt   time.Time  `bun:"updated_at,notnull"`
}

func (c *CalendarCredential) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	switch query.(type) {
	case *bun.InsertQuery, *bun.UpdateQuery:
		c.UpdatedAt = time.Now().UTC()
	}
	if c.CalendarID == "" {
		c.CalendarID = "primary"
	}
	return nil
}
