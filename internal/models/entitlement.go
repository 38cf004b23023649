package models

import (
	"time"

	"github.com/citation-checker/internal/types"
)

// Pass is an active time-boxed entitlement
type Pass struct {
	Kind      types.PassKind `json:"pass_kind"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// Balance is a read-only view of an account's entitlement
type Balance struct {
	AccountToken     string `json:"-"`
	CreditsRemaining int    `json:"credits_remaining"`
	ActivePass       *Pass  `json:"active_pass,omitempty"`
	DailyUsed        int    `json:"daily_used"`
	DailyLimit       int    `json:"daily_limit,omitempty"`
}

// PurchaseKind distinguishes what a purchase event grants
type PurchaseKind string

const (
	// PurchaseCredits adds spendable credits
	PurchaseCredits PurchaseKind = "credits"
	// PurchasePass grants or extends a time-boxed pass
	PurchasePass PurchaseKind = "pass"
)

// PurchaseEvent is an external payment notification applied to the ledger.
// OrderRef makes application idempotent.
type PurchaseEvent struct {
	OrderRef     string         `json:"order_ref"`
	AccountToken string         `json:"account_token"`
	Kind         PurchaseKind   `json:"kind"`
	Credits      int            `json:"credits,omitempty"`
	PassKind     types.PassKind `json:"pass_kind,omitempty"`
}
