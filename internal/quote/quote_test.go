package quote

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diiisco/core/internal/collaborators"
	"github.com/diiisco/core/internal/collaborators/collaboratorstest"
	"github.com/diiisco/core/internal/metrics"
)

func newTestMetrics() *metrics.Registry {
	return metrics.NewRegistry(prometheus.NewRegistry())
}

func TestCheapestWinsOnTotalPrice(t *testing.T) {
	engine, err := NewEngine(50*time.Millisecond, PolicyCheapest, collaboratorstest.NewLedger(), newTestMetrics(), zerolog.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	engine.AddBid(ctx, "s1", Bid{FromPeerID: "p1", Quote: collaborators.Quote{TotalPrice: 0.02, ProviderWalletAddr: "p1addr"}})
	engine.AddBid(ctx, "s1", Bid{FromPeerID: "p2", Quote: collaborators.Quote{TotalPrice: 0.017, ProviderWalletAddr: "p2addr"}})

	select {
	case sel := <-engine.Selected():
		assert.Equal(t, "s1", sel.SessionID)
		assert.Equal(t, "p2", sel.Winner.FromPeerID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for selection")
	}
}

func TestBidsAfterWindowCloseAreDiscarded(t *testing.T) {
	engine, err := NewEngine(20*time.Millisecond, PolicyFirst, collaboratorstest.NewLedger(), newTestMetrics(), zerolog.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	engine.AddBid(ctx, "s1", Bid{FromPeerID: "p1", Quote: collaborators.Quote{TotalPrice: 1}})

	select {
	case <-engine.Selected():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for selection")
	}

	// Late bid must not produce a second selection event.
	engine.AddBid(ctx, "s1", Bid{FromPeerID: "p2", Quote: collaborators.Quote{TotalPrice: 0}})
	select {
	case sel := <-engine.Selected():
		t.Fatalf("unexpected second selection: %+v", sel)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHighestStakeConsultsLedgerBalance(t *testing.T) {
	ledger := collaboratorstest.NewLedger()
	ledger.SetBalance("p1addr", 0, 100)
	ledger.SetBalance("p2addr", 0, 500)

	engine, err := NewEngine(20*time.Millisecond, PolicyHighestStake, ledger, newTestMetrics(), zerolog.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	engine.AddBid(ctx, "s1", Bid{FromPeerID: "p1", Quote: collaborators.Quote{ProviderWalletAddr: "p1addr"}})
	engine.AddBid(ctx, "s1", Bid{FromPeerID: "p2", Quote: collaborators.Quote{ProviderWalletAddr: "p2addr"}})

	select {
	case sel := <-engine.Selected():
		assert.Equal(t, "p2", sel.Winner.FromPeerID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for selection")
	}
}

func TestNewEngineRejectsUnknownPolicy(t *testing.T) {
	_, err := NewEngine(time.Second, Policy("coinflip"), collaboratorstest.NewLedger(), newTestMetrics(), zerolog.Nop())
	require.ErrorIs(t, err, ErrUnknownPolicy)
}

func TestShutdownStopsPendingTimers(t *testing.T) {
	engine, err := NewEngine(time.Hour, PolicyFirst, collaboratorstest.NewLedger(), newTestMetrics(), zerolog.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	engine.AddBid(ctx, "s1", Bid{FromPeerID: "p1", Quote: collaborators.Quote{TotalPrice: 1}})
	engine.Shutdown()

	select {
	case sel := <-engine.Selected():
		t.Fatalf("unexpected selection after shutdown: %+v", sel)
	case <-time.After(50 * time.Millisecond):
	}
}
