package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/citation-checker/internal/errors"
	"github.com/citation-checker/internal/models"
	"github.com/citation-checker/internal/types"
)

// Redis key prefixes for entitlement state.
const (
	KeyPrefixAccount = "ent:acct:"
	KeyPrefixDay     = "ent:day:"
	KeyPrefixOrder   = "ent:order:"
)

// DefaultDayKeyTTL keeps a daily usage counter around a little past its day.
const DefaultDayKeyTTL = 48 * time.Hour

// reserveScript seeds free-tier accounts, then grants against an unexpired
// pass (bounded by the daily cap) or deducts credits with a conditional
// decrement. Returns {granted, from_pass}.
var reserveScript = redis.NewScript(`
	local acct = KEYS[1]
	local day = KEYS[2]
	local requested = tonumber(ARGV[1])
	local now = tonumber(ARGV[2])
	local dailyLimit = tonumber(ARGV[3])
	local dayTTL = tonumber(ARGV[4])
	local seed = tonumber(ARGV[5])

	if seed >= 0 and redis.call('EXISTS', acct) == 0 then
		redis.call('HSET', acct, 'credits', seed, 'created_at', now)
	end

	local expires = tonumber(redis.call('HGET', acct, 'pass_expires') or '0')
	if expires > now then
		local granted = requested
		if dailyLimit > 0 then
			local used = tonumber(redis.call('GET', day) or '0')
			granted = math.max(math.min(requested, dailyLimit - used), 0)
		end
		if granted > 0 then
			redis.call('INCRBY', day, granted)
			redis.call('EXPIRE', day, dayTTL)
		end
		return {granted, 1}
	end

	local credits = tonumber(redis.call('HGET', acct, 'credits') or '0')
	local granted = math.min(requested, credits)
	if granted > 0 then
		redis.call('HINCRBY', acct, 'credits', -granted)
	end
	return {granted, 0}
`)

// releasePassScript lowers a daily usage counter without going below zero.
var releasePassScript = redis.NewScript(`
	local used = tonumber(redis.call('GET', KEYS[1]) or '0')
	local n = math.min(used, tonumber(ARGV[1]))
	if n > 0 then
		redis.call('DECRBY', KEYS[1], n)
	end
	return n
`)

// addCreditsScript applies a credit purchase once per order key.
var addCreditsScript = redis.NewScript(`
	if not redis.call('SET', KEYS[1], ARGV[3], 'NX') then
		return 0
	end
	redis.call('HINCRBY', KEYS[2], 'credits', ARGV[1])
	redis.call('HSETNX', KEYS[2], 'created_at', ARGV[2])
	return 1
`)

// addPassScript applies a pass purchase once per order key. A new pass
// extends from the later of now and the current expiry.
var addPassScript = redis.NewScript(`
	if not redis.call('SET', KEYS[1], ARGV[4], 'NX') then
		return 0
	end
	local now = tonumber(ARGV[2])
	local expires = tonumber(redis.call('HGET', KEYS[2], 'pass_expires') or '0')
	local base = now
	if expires > now then
		base = expires
	end
	redis.call('HSET', KEYS[2], 'pass_expires', base + tonumber(ARGV[1]), 'pass_kind', ARGV[3])
	redis.call('HSETNX', KEYS[2], 'credits', 0)
	redis.call('HSETNX', KEYS[2], 'created_at', now)
	return 1
`)

// RedisLedgerConfig holds configuration for the Redis ledger.
type RedisLedgerConfig struct {
	// Redis is the client shared with the job store. Required.
	Redis redis.Cmdable

	// FreeCitationLimit seeds free-tier accounts on first use.
	FreeCitationLimit int

	// PassDailyLimit caps citations per UTC day under a pass. 0 = unlimited.
	PassDailyLimit int

	// DayKeyTTL is the TTL of daily usage counters. Default: 48h.
	DayKeyTTL time.Duration

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Validate checks if the configuration is valid.
func (c *RedisLedgerConfig) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.FreeCitationLimit < 0 {
		return errors.New("free citation limit cannot be negative")
	}
	if c.PassDailyLimit < 0 {
		return errors.New("pass daily limit cannot be negative")
	}
	return nil
}

// RedisLedger keeps entitlements in Redis hashes and mutates them only
// through Lua scripts.
type RedisLedger struct {
	redis      redis.Cmdable
	freeLimit  int
	dailyLimit int
	dayTTL     time.Duration
	now        func() time.Time
}

// NewRedisLedger creates a ledger with the given configuration.
func NewRedisLedger(cfg *RedisLedgerConfig) (*RedisLedger, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	dayTTL := cfg.DayKeyTTL
	if dayTTL == 0 {
		dayTTL = DefaultDayKeyTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &RedisLedger{
		redis:      cfg.Redis,
		freeLimit:  cfg.FreeCitationLimit,
		dailyLimit: cfg.PassDailyLimit,
		dayTTL:     dayTTL,
		now:        now,
	}, nil
}

func accountKey(token string) string { return KeyPrefixAccount + token }

func dayKey(token, day string) string { return KeyPrefixDay + token + ":" + day }

func orderKey(orderRef string) string { return KeyPrefixOrder + orderRef }

// Reserve implements Ledger.
func (l *RedisLedger) Reserve(ctx context.Context, token string, requested int) (*Reservation, error) {
	if requested <= 0 {
		return nil, apperrors.NewInvalidInputError("citations", "nothing to reserve")
	}

	now := l.now()
	day := dayBucket(now)
	seed := -1
	if IsFreeToken(token) {
		seed = l.freeLimit
	}

	ttlSeconds := int(l.dayTTL.Seconds())
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	res, err := reserveScript.Run(ctx, l.redis,
		[]string{accountKey(token), dayKey(token, day)},
		requested, now.UnixMilli(), l.dailyLimit, ttlSeconds, seed).Int64Slice()
	if err != nil {
		return nil, apperrors.NewStorageError("reserve", err)
	}
	if len(res) != 2 {
		return nil, apperrors.NewStorageError("reserve", fmt.Errorf("unexpected script reply %v", res))
	}

	r := &Reservation{
		Token:     token,
		Requested: requested,
		Granted:   int(res[0]),
		FromPass:  res[1] == 1,
		Day:       day,
	}
	if r.Granted == 0 {
		return r, apperrors.NewEntitlementExhaustedError(requested)
	}
	return r, nil
}

// Release implements Ledger.
func (l *RedisLedger) Release(ctx context.Context, r *Reservation, count int) error {
	n := r.take(count)
	if n == 0 {
		return nil
	}

	var err error
	if r.FromPass {
		err = releasePassScript.Run(ctx, l.redis, []string{dayKey(r.Token, r.Day)}, n).Err()
	} else {
		err = l.redis.HIncrBy(ctx, accountKey(r.Token), "credits", int64(n)).Err()
	}
	if err != nil {
		r.undo(n)
		return apperrors.NewStorageError("release", err)
	}
	return nil
}

// GetBalance implements Ledger.
func (l *RedisLedger) GetBalance(ctx context.Context, token string) (*models.Balance, error) {
	now := l.now()

	pipe := l.redis.Pipeline()
	acctCmd := pipe.HGetAll(ctx, accountKey(token))
	dayCmd := pipe.Get(ctx, dayKey(token, dayBucket(now)))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, apperrors.NewStorageError("get balance", err)
	}

	fields := acctCmd.Val()
	balance := &models.Balance{
		AccountToken: token,
		DailyLimit:   l.dailyLimit,
	}

	if v, ok := fields["credits"]; ok {
		balance.CreditsRemaining, _ = strconv.Atoi(v)
	} else if IsFreeToken(token) {
		balance.CreditsRemaining = l.freeLimit
	}

	if v, ok := fields["pass_expires"]; ok {
		ms, _ := strconv.ParseInt(v, 10, 64)
		if expires := time.UnixMilli(ms); expires.After(now) {
			balance.ActivePass = &models.Pass{
				Kind:      types.PassKind(fields["pass_kind"]),
				ExpiresAt: expires.UTC(),
			}
			balance.DailyUsed = parseIntOrZero(dayCmd)
		}
	}

	return balance, nil
}

// AddCredits implements Ledger.
func (l *RedisLedger) AddCredits(ctx context.Context, token string, amount int, orderRef string) (bool, error) {
	if amount <= 0 {
		return false, apperrors.NewInvalidInputError("credits", "must be positive")
	}
	marker := fmt.Sprintf("credits:%s:%d", token, amount)
	applied, err := addCreditsScript.Run(ctx, l.redis,
		[]string{orderKey(orderRef), accountKey(token)},
		amount, l.now().UnixMilli(), marker).Int()
	if err != nil {
		return false, apperrors.NewStorageError("add credits", err)
	}
	return applied == 1, nil
}

// AddPass implements Ledger.
func (l *RedisLedger) AddPass(ctx context.Context, token string, duration time.Duration, kind types.PassKind, orderRef string) (bool, error) {
	if duration <= 0 {
		return false, apperrors.NewInvalidInputError("pass", "duration must be positive")
	}
	marker := fmt.Sprintf("pass:%s:%s", token, kind)
	applied, err := addPassScript.Run(ctx, l.redis,
		[]string{orderKey(orderRef), accountKey(token)},
		duration.Milliseconds(), l.now().UnixMilli(), string(kind), marker).Int()
	if err != nil {
		return false, apperrors.NewStorageError("add pass", err)
	}
	return applied == 1, nil
}

// parseIntOrZero parses a Redis string command result as int, returning 0 on error.
func parseIntOrZero(cmd *redis.StringCmd) int {
	val, err := cmd.Int()
	if err != nil {
		return 0
	}
	return val
}
