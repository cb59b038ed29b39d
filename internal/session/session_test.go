package session

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateThenAdvanceFollowsCustomerPath(t *testing.T) {
	store := NewStore(zerolog.Nop())
	_, err := store.Create("s1", RoleCustomer, StateDiscovering, "customer-addr")
	require.NoError(t, err)

	_, ok := store.Advance("s1", StateDiscovering, StateQuoted)
	require.True(t, ok)
	_, ok = store.Advance("s1", StateQuoted, StateAccepted)
	require.True(t, ok)
	_, ok = store.Advance("s1", StateAccepted, StateContractSigned)
	require.True(t, ok)

	sess, ok := store.MarkPaid("s1", "completion text")
	require.True(t, ok)
	assert.Equal(t, StatePaid, sess.State)

	select {
	case evt := <-store.Complete():
		assert.Equal(t, "s1", evt.SessionID)
		assert.Equal(t, "completion text", evt.Completion)
	case <-time.After(time.Second):
		t.Fatal("expected a completion event")
	}
}

func TestCreateRejectsDuplicateSameRole(t *testing.T) {
	store := NewStore(zerolog.Nop())
	_, err := store.Create("s1", RoleCustomer, StateDiscovering, "addr")
	require.NoError(t, err)

	_, err = store.Create("s1", RoleCustomer, StateDiscovering, "addr")
	require.ErrorIs(t, err, ErrDuplicateSession)
}

func TestAdvanceIsNoOpWhenStateDoesNotMatch(t *testing.T) {
	store := NewStore(zerolog.Nop())
	_, err := store.Create("s1", RoleCustomer, StateDiscovering, "addr")
	require.NoError(t, err)

	_, ok := store.Advance("s1", StateAccepted, StatePaid)
	assert.False(t, ok)

	sess, _ := store.Get("s1")
	assert.Equal(t, StateDiscovering, sess.State)
}

func TestProviderPathReachesInferred(t *testing.T) {
	store := NewStore(zerolog.Nop())
	_, err := store.Create("s1", RoleProvider, StateQuoted, "")
	require.NoError(t, err)

	_, ok := store.Advance("s1", StateQuoted, StateContractCreated)
	require.True(t, ok)
	_, ok = store.Advance("s1", StateContractCreated, StateInferring)
	require.True(t, ok)
	sess, ok := store.Advance("s1", StateInferring, StateInferred)
	require.True(t, ok)
	assert.Equal(t, StateInferred, sess.State)
}

func TestGCEvictsIdleSessions(t *testing.T) {
	store := NewStore(zerolog.Nop())
	_, err := store.Create("s1", RoleCustomer, StateDiscovering, "addr")
	require.NoError(t, err)

	store.mu.Lock()
	store.sessions["s1"].LastActivity = time.Now().Add(-idleGCCeiling - time.Minute)
	store.mu.Unlock()

	store.GC()
	_, ok := store.Get("s1")
	assert.False(t, ok)
}
