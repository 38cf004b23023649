package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/citation-checker/internal/errors"
	"github.com/citation-checker/internal/models"
	"github.com/citation-checker/internal/types"
)

// PostgresLedger keeps entitlements in the entitlements, daily_usage and
// purchase_events tables. Reservations lock the account row for the length
// of one short transaction and deduct with a conditional UPDATE.
type PostgresLedger struct {
	pool       *pgxpool.Pool
	freeLimit  int
	dailyLimit int
	now        func() time.Time
}

// NewPostgresLedger creates a new Postgres-backed ledger
func NewPostgresLedger(pool *pgxpool.Pool, freeLimit, dailyLimit int) *PostgresLedger {
	return &PostgresLedger{
		pool:       pool,
		freeLimit:  freeLimit,
		dailyLimit: dailyLimit,
		now:        time.Now,
	}
}

// Reserve implements Ledger.
func (l *PostgresLedger) Reserve(ctx context.Context, token string, requested int) (*Reservation, error) {
	if requested <= 0 {
		return nil, apperrors.NewInvalidInputError("citations", "nothing to reserve")
	}

	now := l.now().UTC()
	r := &Reservation{Token: token, Requested: requested, Day: dayBucket(now)}

	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		if IsFreeToken(token) {
			if _, err := tx.Exec(ctx, `
				INSERT INTO entitlements (account_token, credits)
				VALUES ($1, $2)
				ON CONFLICT (account_token) DO NOTHING
			`, token, l.freeLimit); err != nil {
				return fmt.Errorf("seed free entitlement: %w", err)
			}
		}

		var credits int
		var passExpires *time.Time
		err := tx.QueryRow(ctx, `
			SELECT credits, pass_expires_at
			FROM entitlements
			WHERE account_token = $1
			FOR UPDATE
		`, token).Scan(&credits, &passExpires)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock entitlement: %w", err)
		}

		if passExpires != nil && passExpires.After(now) {
			r.FromPass = true
			return l.reserveFromPass(ctx, tx, r, now)
		}

		granted := min(requested, credits)
		if granted <= 0 {
			return nil
		}
		tag, err := tx.Exec(ctx, `
			UPDATE entitlements
			SET credits = credits - $2, updated_at = $3
			WHERE account_token = $1 AND credits >= $2
		`, token, granted, now)
		if err != nil {
			return fmt.Errorf("deduct credits: %w", err)
		}
		if tag.RowsAffected() == 1 {
			r.Granted = granted
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.NewStorageError("reserve", err)
	}

	if r.Granted == 0 {
		return r, apperrors.NewEntitlementExhaustedError(requested)
	}
	return r, nil
}

func (l *PostgresLedger) reserveFromPass(ctx context.Context, tx pgx.Tx, r *Reservation, now time.Time) error {
	var used int
	err := tx.QueryRow(ctx, `
		INSERT INTO daily_usage (account_token, day, used)
		VALUES ($1, $2, 0)
		ON CONFLICT (account_token, day) DO UPDATE SET used = daily_usage.used
		RETURNING used
	`, r.Token, r.Day).Scan(&used)
	if err != nil {
		return fmt.Errorf("load daily usage: %w", err)
	}

	granted := r.Requested
	if l.dailyLimit > 0 {
		granted = max(min(r.Requested, l.dailyLimit-used), 0)
	}
	if granted == 0 {
		return nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE daily_usage SET used = used + $3
		WHERE account_token = $1 AND day = $2
	`, r.Token, r.Day, granted); err != nil {
		return fmt.Errorf("charge daily usage: %w", err)
	}
	r.Granted = granted
	return nil
}

// Release implements Ledger.
func (l *PostgresLedger) Release(ctx context.Context, r *Reservation, count int) error {
	n := r.take(count)
	if n == 0 {
		return nil
	}

	var err error
	if r.FromPass {
		_, err = l.pool.Exec(ctx, `
			UPDATE daily_usage SET used = GREATEST(used - $3, 0)
			WHERE account_token = $1 AND day = $2
		`, r.Token, r.Day, n)
	} else {
		_, err = l.pool.Exec(ctx, `
			UPDATE entitlements SET credits = credits + $2, updated_at = $3
			WHERE account_token = $1
		`, r.Token, n, l.now().UTC())
	}
	if err != nil {
		r.undo(n)
		return apperrors.NewStorageError("release", err)
	}
	return nil
}

// GetBalance implements Ledger.
func (l *PostgresLedger) GetBalance(ctx context.Context, token string) (*models.Balance, error) {
	now := l.now().UTC()
	balance := &models.Balance{AccountToken: token, DailyLimit: l.dailyLimit}

	var credits int
	var passExpires *time.Time
	var passKind *string
	var used int
	err := l.pool.QueryRow(ctx, `
		SELECT e.credits, e.pass_expires_at, e.pass_kind, COALESCE(d.used, 0)
		FROM entitlements e
		LEFT JOIN daily_usage d ON d.account_token = e.account_token AND d.day = $2
		WHERE e.account_token = $1
	`, token, dayBucket(now)).Scan(&credits, &passExpires, &passKind, &used)
	if errors.Is(err, pgx.ErrNoRows) {
		if IsFreeToken(token) {
			balance.CreditsRemaining = l.freeLimit
		}
		return balance, nil
	}
	if err != nil {
		return nil, apperrors.NewStorageError("get balance", err)
	}

	balance.CreditsRemaining = credits
	if passExpires != nil && passExpires.After(now) {
		kind := ""
		if passKind != nil {
			kind = *passKind
		}
		balance.ActivePass = &models.Pass{Kind: types.PassKind(kind), ExpiresAt: passExpires.UTC()}
		balance.DailyUsed = used
	}
	return balance, nil
}

// recordPurchase inserts the purchase row; false means the order was seen before.
func recordPurchase(ctx context.Context, tx pgx.Tx, orderRef, token string, kind models.PurchaseKind, credits int, passKind types.PassKind, now time.Time) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO purchase_events (order_ref, account_token, kind, credits, pass_kind, applied_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
		ON CONFLICT (order_ref) DO NOTHING
	`, orderRef, token, string(kind), credits, string(passKind), now)
	if err != nil {
		return false, fmt.Errorf("record purchase: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AddCredits implements Ledger.
func (l *PostgresLedger) AddCredits(ctx context.Context, token string, amount int, orderRef string) (bool, error) {
	if amount <= 0 {
		return false, apperrors.NewInvalidInputError("credits", "must be positive")
	}
	now := l.now().UTC()
	applied := false

	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		fresh, err := recordPurchase(ctx, tx, orderRef, token, models.PurchaseCredits, amount, "", now)
		if err != nil || !fresh {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO entitlements (account_token, credits, created_at, updated_at)
			VALUES ($1, $2, $3, $3)
			ON CONFLICT (account_token)
			DO UPDATE SET credits = entitlements.credits + EXCLUDED.credits, updated_at = EXCLUDED.updated_at
		`, token, amount, now); err != nil {
			return fmt.Errorf("add credits: %w", err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, apperrors.NewStorageError("add credits", err)
	}
	return applied, nil
}

// AddPass implements Ledger.
func (l *PostgresLedger) AddPass(ctx context.Context, token string, duration time.Duration, kind types.PassKind, orderRef string) (bool, error) {
	if duration <= 0 {
		return false, apperrors.NewInvalidInputError("pass", "duration must be positive")
	}
	now := l.now().UTC()
	applied := false

	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		fresh, err := recordPurchase(ctx, tx, orderRef, token, models.PurchasePass, 0, kind, now)
		if err != nil || !fresh {
			return err
		}

		var current *time.Time
		err = tx.QueryRow(ctx, `
			INSERT INTO entitlements (account_token, credits, created_at, updated_at)
			VALUES ($1, 0, $2, $2)
			ON CONFLICT (account_token) DO UPDATE SET updated_at = EXCLUDED.updated_at
			RETURNING pass_expires_at
		`, token, now).Scan(&current)
		if err != nil {
			return fmt.Errorf("load pass: %w", err)
		}

		base := now
		if current != nil && current.After(now) {
			base = *current
		}
		if _, err := tx.Exec(ctx, `
			UPDATE entitlements SET pass_expires_at = $2, pass_kind = $3
			WHERE account_token = $1
		`, token, base.Add(duration), string(kind)); err != nil {
			return fmt.Errorf("extend pass: %w", err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, apperrors.NewStorageError("add pass", err)
	}
	return applied, nil
}
