package govern_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeapps/govern/pkg/govern"
	"github.com/forgeapps/govern/storage/memory"
)

// TestAccountLifecycle walks one account through the whole subsystem:
// registration, quota consumption, key issuance, password recovery,
// and the lifetime statistics view.
func TestAccountLifecycle(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store := memory.New()
	ctx := context.Background()

	auth := newTestAuthority(t, store, govern.AuthorityConfig{Clock: clock.Now})
	keys := newTestRegistry(t, store, clock.Now)
	ledger := newTestLedger(t, store, clock.Now)
	usage := newTestAccumulator(t, store, clock.Now)

	acct, err := auth.Register(ctx, "p1user@example.com", "p1", "P One")
	require.NoError(t, err)
	require.Equal(t, "p1user@example.com", acct.ID)

	// A couple of billable actions.
	for i := 0; i < 3; i++ {
		_, err := ledger.Consume(ctx, acct.ID, govern.KindRequest)
		require.NoError(t, err)
		require.NoError(t, usage.Record(ctx, acct.ID, govern.KindRequest))
	}
	_, err = ledger.Consume(ctx, acct.ID, govern.KindCode)
	require.NoError(t, err)
	require.NoError(t, usage.Record(ctx, acct.ID, govern.KindCode))

	state, err := ledger.State(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, state.Usage.Requests)
	assert.Equal(t, 1, state.Usage.CodeGenerations)

	// Mint an API key and authenticate with it.
	key, err := keys.Create(ctx, acct.ID, "cli")
	require.NoError(t, err)
	require.NotEmpty(t, key.Secret)

	resolved, err := keys.Authenticate(ctx, key.Secret)
	require.NoError(t, err)
	assert.Equal(t, acct.ID, resolved.OwnerID)
	assert.Empty(t, resolved.Secret)

	// Recover the account with a forgotten password.
	rec := govern.NewRecovery(auth)
	require.NoError(t, rec.Forgot())
	require.NoError(t, rec.Identify(ctx, "P1User@Example.com"))
	require.NoError(t, rec.Reset(ctx, "p2", ""))
	require.NoError(t, rec.Acknowledge())

	_, err = auth.Login(ctx, "p1user@example.com", "p1")
	assert.ErrorIs(t, err, govern.ErrInvalidCredential)
	_, err = auth.Login(ctx, "p1user@example.com", "p2")
	assert.NoError(t, err)

	// The recovery left the ledger and key material untouched.
	state, err = ledger.State(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, state.Usage.Requests)
	listed, err := keys.List(ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, int64(1), listed[0].RequestCount)

	// Lifetime statistics reflect everything recorded so far.
	stats, err := usage.GetStats(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.Generations.Code)
	assert.Equal(t, govern.PlanFree, stats.Plan)
}
