package models

import (
	"fmt"
	"strings"
	"time"
)

// DeliveryStatus is the per-recipient outcome tracked in the ledger.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// ParseDeliveryStatus validates a delivery status filter.
func ParseDeliveryStatus(v string) (DeliveryStatus, error) {
	switch s := DeliveryStatus(strings.ToLower(strings.TrimSpace(v))); s {
	case DeliveryPending, DeliverySent, DeliveryFailed:
		return s, nil
	}
	return "", &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown delivery status %q", v)}
}

// Recipient is one ledger row, unique per (announcement, tenant).
type Recipient struct {
	ID             string         `json:"id"`
	AnnouncementID string         `json:"announcement_id"`
	TenantID       string         `json:"tenant_id"`
	Address        string         `json:"address"`
	Status         DeliveryStatus `json:"delivery_status"`
	ErrorMessage   *string        `json:"error_message,omitempty"`
	SentAt         *time.Time     `json:"sent_at,omitempty"`
	Attempts       int            `json:"attempts"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Target is a resolved audience member with the address captured at fan-out time.
type Target struct {
	TenantID string `json:"tenant_id"`
	Address  string `json:"address"`
}

// SubscriptionStatus mirrors the tenant directory's billing state.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionTrial     SubscriptionStatus = "trial"
	SubscriptionSuspended SubscriptionStatus = "suspended"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

// Tenant is a read-only view of a directory entry.
type Tenant struct {
	ID                 string             `json:"id"`
	Name               string             `json:"name"`
	ContactEmail       string             `json:"contact_email"`
	SubscriptionStatus SubscriptionStatus `json:"subscription_status"`
}

// TenantFilter narrows a directory listing. Zero values mean no restriction.
type TenantFilter struct {
	Status *SubscriptionStatus
	IDs    []string
}
