package router

import (
	"context"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diiisco/core/internal/envelope"
	"github.com/diiisco/core/internal/metrics"
)

type fakeDirect struct {
	succeed bool
	calls   int
}

func (f *fakeDirect) SendDirect(_ context.Context, _ peer.ID, _ []byte) bool {
	f.calls++
	return f.succeed
}

type fakeBroadcast struct {
	err   error
	calls int
}

func (f *fakeBroadcast) Publish(_ context.Context, _ []byte) error {
	f.calls++
	return f.err
}

func testTarget(t *testing.T) peer.ID {
	t.Helper()
	return peer.ID("test-peer")
}

func newTestMetrics() *metrics.Registry {
	return metrics.NewRegistry(prometheus.NewRegistry())
}

func TestSendPrefersDirectForDirectPreferredRole(t *testing.T) {
	direct := &fakeDirect{succeed: true}
	broadcast := &fakeBroadcast{}
	r := New(direct, broadcast, true, true, newTestMetrics(), zerolog.Nop())

	target := testTarget(t)
	err := r.Send(context.Background(), envelope.Envelope{Role: envelope.RoleQuoteAccepted}, &target)
	require.NoError(t, err)
	assert.Equal(t, 1, direct.calls)
	assert.Equal(t, 0, broadcast.calls)
}

func TestSendFallsBackToBroadcastOnDirectFailure(t *testing.T) {
	direct := &fakeDirect{succeed: false}
	broadcast := &fakeBroadcast{}
	r := New(direct, broadcast, true, true, newTestMetrics(), zerolog.Nop())

	target := testTarget(t)
	err := r.Send(context.Background(), envelope.Envelope{Role: envelope.RoleQuoteAccepted}, &target)
	require.NoError(t, err)
	assert.Equal(t, 1, direct.calls)
	assert.Equal(t, 1, broadcast.calls)
}

func TestSendFailsWhenFallbackDisabledAndDirectFails(t *testing.T) {
	direct := &fakeDirect{succeed: false}
	broadcast := &fakeBroadcast{}
	r := New(direct, broadcast, true, false, newTestMetrics(), zerolog.Nop())

	target := testTarget(t)
	err := r.Send(context.Background(), envelope.Envelope{Role: envelope.RoleQuoteAccepted}, &target)
	require.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Equal(t, 0, broadcast.calls)
}

func TestSendBroadcastsBroadcastOnlyRoleDirectly(t *testing.T) {
	direct := &fakeDirect{succeed: true}
	broadcast := &fakeBroadcast{}
	r := New(direct, broadcast, true, true, newTestMetrics(), zerolog.Nop())

	err := r.Send(context.Background(), envelope.Envelope{Role: envelope.RoleQuoteRequest}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, direct.calls)
	assert.Equal(t, 1, broadcast.calls)
}
