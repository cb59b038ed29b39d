package network

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diiisco/core/internal/collaborators/collaboratorstest"
)

func TestResolveBootstrapAddrsResolvesAlias(t *testing.T) {
	ledger := collaboratorstest.NewLedger()
	ledger.SetAlias("bootstrap1.diiisco.network", "/dns4/bootstrap1.example.com/tcp/4001/p2p/QmNnooDu7bfjPFoTZYxMNLWUQJyrVwtbZg5gBMjTezGAJN")

	addrs, err := ResolveBootstrapAddrs(context.Background(), ledger, []string{"bootstrap1.diiisco.network"})
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	assert.Equal(t, "/dns4/bootstrap1.example.com/tcp/4001/p2p/QmNnooDu7bfjPFoTZYxMNLWUQJyrVwtbZg5gBMjTezGAJN", addrs[0].String())
}

func TestResolveBootstrapAddrsRejectsMalformedAddress(t *testing.T) {
	ledger := collaboratorstest.NewLedger()
	_, err := ResolveBootstrapAddrs(context.Background(), ledger, []string{"not-a-multiaddr"})
	require.Error(t, err)
}

func TestResolveBootstrapAddrsPassesThroughLiteralAddress(t *testing.T) {
	ledger := collaboratorstest.NewLedger()
	addrs, err := ResolveBootstrapAddrs(context.Background(), ledger, []string{"/ip4/127.0.0.1/tcp/4001/p2p/QmaCpDMGvV2BGHeYERUEnRQAwe3N8SzbUtfsmvsqQLuvuJ"})
	require.NoError(t, err)
	require.Len(t, addrs, 1)
}
