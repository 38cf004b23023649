// Package entitlement meters validation credits and time-boxed passes per
// account token. Every mutation is a single atomic conditional update in the
// backing store, so concurrent reservations for one token never overdraw it.
package entitlement

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/citation-checker/internal/models"
	"github.com/citation-checker/internal/types"
)

// FreeTokenPrefix marks ledger keys owned by anonymous clients.
const FreeTokenPrefix = "free:"

// Ledger is the entitlement store.
type Ledger interface {
	// GetBalance never mutates.
	GetBalance(ctx context.Context, token string) (*models.Balance, error)

	// Reserve grants 0..requested citations in one atomic step. A grant of zero
	// returns the reservation together with an ENTITLEMENT_EXHAUSTED error.
	Reserve(ctx context.Context, token string, requested int) (*Reservation, error)

	// Release returns up to count unused citations of a reservation.
	Release(ctx context.Context, r *Reservation, count int) error

	// AddCredits and AddPass are idempotent on orderRef; applied is false on replay.
	AddCredits(ctx context.Context, token string, amount int, orderRef string) (applied bool, err error)
	AddPass(ctx context.Context, token string, duration time.Duration, kind types.PassKind, orderRef string) (applied bool, err error)
}

// Reservation is the result of one Reserve call
type Reservation struct {
	Token     string
	Requested int
	Granted   int
	FromPass  bool   // granted against a pass's daily window, not credits
	Day       string // UTC day bucket the pass usage was charged to

	mu       sync.Mutex
	released int
}

// Released returns how many citations have been handed back.
func (r *Reservation) Released() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}

// Consumed returns granted minus released.
func (r *Reservation) Consumed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Granted - r.released
}

// take clamps count to what is still releasable and records it.
func (r *Reservation) take(count int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if count > r.Granted-r.released {
		count = r.Granted - r.released
	}
	if count < 0 {
		count = 0
	}
	r.released += count
	return count
}

// undo reverts a take whose store update failed.
func (r *Reservation) undo(count int) {
	r.mu.Lock()
	r.released -= count
	r.mu.Unlock()
}

// PassDuration maps a pass product to its length.
func PassDuration(kind types.PassKind) (time.Duration, error) {
	switch kind {
	case types.PassOneDay:
		return 24 * time.Hour, nil
	case types.PassSevenDay:
		return 7 * 24 * time.Hour, nil
	case types.PassThirtyDay:
		return 30 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown pass kind %q", kind)
	}
}

// FreeToken builds the ledger key of an anonymous client.
func FreeToken(clientID string) string {
	return FreeTokenPrefix + clientID
}

// IsFreeToken reports whether token belongs to the free tier.
func IsFreeToken(token string) bool {
	return strings.HasPrefix(token, FreeTokenPrefix)
}

// Apply routes a purchase event to AddCredits or AddPass.
func Apply(ctx context.Context, l Ledger, ev *models.PurchaseEvent) (bool, error) {
	if ev.OrderRef == "" {
		return false, fmt.Errorf("purchase event without order_ref")
	}
	if ev.AccountToken == "" || IsFreeToken(ev.AccountToken) {
		return false, fmt.Errorf("purchase event needs a paid account token")
	}

	switch ev.Kind {
	case models.PurchaseCredits:
		if ev.Credits <= 0 {
			return false, fmt.Errorf("credit purchase must be positive, got %d", ev.Credits)
		}
		return l.AddCredits(ctx, ev.AccountToken, ev.Credits, ev.OrderRef)
	case models.PurchasePass:
		d, err := PassDuration(ev.PassKind)
		if err != nil {
			return false, err
		}
		return l.AddPass(ctx, ev.AccountToken, d, ev.PassKind, ev.OrderRef)
	default:
		return false, fmt.Errorf("unknown purchase kind %q", ev.Kind)
	}
}

func dayBucket(t time.Time) string {
	return t.UTC().Format("20060102")
}
