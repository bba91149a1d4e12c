package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// AlertRecord captures one emitted alert for auditing.
type AlertRecord struct {
	ID            int64
	TriggeredAt   time.Time
	WindowName    string
	Threshold     int
	LocalAQI      decimal.Decimal
	RegionalAQI   decimal.Decimal
	RatePerMinute decimal.Decimal
	Trigger       string
	CreatedAt     time.Time
}

// DeliveryRecord is one append-only dispatch attempt outcome. ProviderID is
// set for text deliveries and keys the later confirmation reconciliation.
type DeliveryRecord struct {
	ID           int64
	AlertID      *int64
	SubscriberID string
	Channel      string
	AttemptedAt  time.Time
	Status       string
	ProviderID   *string
	Error        *string
	CreatedAt    time.Time
}

// CooldownRecord persists a subscriber's last dispatch attempt so a restart
// cannot re-alert inside the cooldown.
type CooldownRecord struct {
	SubscriberID   string
	LastNotifiedAt time.Time
}

// TrendSample is the per-tick aggregate persisted for the show/export
// surfaces. Raw readings stay in the in-memory rolling window.
type TrendSample struct {
	Entity        string
	Bucket        time.Time
	MeanAQI       decimal.Decimal
	RatePerMinute decimal.Decimal
	Samples       int
	Computable    bool
	CreatedAt     time.Time
}
