package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citation-checker/internal/entitlement"
	"github.com/citation-checker/internal/models"
)

func setupLedger(t *testing.T) ledgerOpener {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ledger, err := entitlement.NewRedisLedger(&entitlement.RedisLedgerConfig{
		Redis:             client,
		FreeCitationLimit: 10,
		PassDailyLimit:    100,
	})
	require.NoError(t, err)

	return func(ctx context.Context) (entitlement.Ledger, func(), error) {
		return ledger, func() {}, nil
	}
}

func run(t *testing.T, open ledgerOpener, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(open)
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestGrantCreditsThenBalance(t *testing.T) {
	open := setupLedger(t)

	out, err := run(t, open, "grant-credits", "tok-1", "25", "--order-ref", "ord-1")
	require.NoError(t, err)
	assert.Contains(t, out, "applied order ord-1")

	out, err = run(t, open, "grant-credits", "tok-1", "25", "--order-ref", "ord-1")
	require.NoError(t, err)
	assert.Contains(t, out, "already applied")

	out, err = run(t, open, "balance", "tok-1")
	require.NoError(t, err)
	var bal models.Balance
	require.NoError(t, json.Unmarshal([]byte(out), &bal))
	assert.Equal(t, 25, bal.CreditsRemaining)
}

func TestGrantPass(t *testing.T) {
	open := setupLedger(t)

	_, err := run(t, open, "grant-pass", "tok-2", "7day")
	require.NoError(t, err)

	out, err := run(t, open, "balance", "tok-2")
	require.NoError(t, err)
	var bal models.Balance
	require.NoError(t, json.Unmarshal([]byte(out), &bal))
	require.NotNil(t, bal.ActivePass)
	assert.Equal(t, "7day", string(bal.ActivePass.Kind))
}

func TestArgumentValidation(t *testing.T) {
	open := setupLedger(t)

	_, err := run(t, open, "grant-credits", "tok", "-3")
	assert.Error(t, err)

	_, err = run(t, open, "grant-pass", "tok", "forever")
	assert.Error(t, err)

	_, err = run(t, open, "balance")
	assert.Error(t, err)
}
