package reconnect

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	mh "github.com/multiformats/go-multihash"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDialer struct {
	mu          sync.Mutex
	connected   map[peer.ID]bool
	dialResults map[string]error
	bootstrap   []multiaddr.Multiaddr
	dialCalls   int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		connected:   make(map[peer.ID]bool),
		dialResults: make(map[string]error),
	}
}

func (f *fakeDialer) Dial(_ context.Context, addrs []multiaddr.Multiaddr) (peer.ID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialCalls++
	if len(addrs) == 0 {
		return "", fmt.Errorf("no addrs")
	}
	if err, ok := f.dialResults[addrs[0].String()]; ok && err != nil {
		return "", err
	}
	return "", nil
}

func (f *fakeDialer) IsConnected(p peer.ID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[p]
}

func (f *fakeDialer) ConnectionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, ok := range f.connected {
		if ok {
			count++
		}
	}
	return count
}

func (f *fakeDialer) BootstrapAddrs() []multiaddr.Multiaddr {
	return f.bootstrap
}

func testPeerID(t *testing.T, seed byte) peer.ID {
	t.Helper()
	digest := make([]byte, 32)
	digest[0] = seed
	hash, err := mh.Sum(digest, mh.SHA2_256, -1)
	require.NoError(t, err)
	return peer.ID(hash)
}

func testAddr(t *testing.T, s string) multiaddr.Multiaddr {
	t.Helper()
	a, err := multiaddr.NewMultiaddr(s)
	require.NoError(t, err)
	return a
}

func TestOnDiscoveryMergesAddressesBySetUnion(t *testing.T) {
	dialer := newFakeDialer()
	sup := NewSupervisor(dialer, zerolog.Nop())
	p := testPeerID(t, 1)

	sup.OnDiscovery(p, []multiaddr.Multiaddr{testAddr(t, "/ip4/127.0.0.1/tcp/4001")})
	sup.OnDiscovery(p, []multiaddr.Multiaddr{testAddr(t, "/ip4/127.0.0.1/tcp/4001"), testAddr(t, "/ip4/10.0.0.1/tcp/4001")})

	recs := sup.PeerRecords()
	assert.Len(t, recs[p].Multiaddrs, 2)
}

func TestOnConnectClearsReconnectState(t *testing.T) {
	dialer := newFakeDialer()
	sup := NewSupervisor(dialer, zerolog.Nop())
	p := testPeerID(t, 2)

	sup.OnDisconnect(context.Background(), p)
	sup.mu.Lock()
	_, armed := sup.timers[p]
	sup.mu.Unlock()
	assert.True(t, armed)

	sup.OnConnect(p)
	sup.mu.Lock()
	_, stillArmed := sup.timers[p]
	sup.mu.Unlock()
	assert.False(t, stillArmed)
}

func TestScheduleReconnectStopsAfterMaxAttempts(t *testing.T) {
	dialer := newFakeDialer()
	sup := NewSupervisor(dialer, zerolog.Nop())
	p := testPeerID(t, 3)

	sup.mu.Lock()
	sup.states[p] = &ReconnectState{AttemptCount: maxAttempts, LastAttemptAt: time.Now()}
	sup.mu.Unlock()

	sup.scheduleReconnect(context.Background(), p)

	sup.mu.Lock()
	_, armed := sup.timers[p]
	sup.mu.Unlock()
	assert.False(t, armed, "no new timer should be armed once attempts are exhausted")
}

func TestReconnectToBootstrapCountsSuccesses(t *testing.T) {
	dialer := newFakeDialer()
	addr1 := testAddr(t, "/ip4/127.0.0.1/tcp/4001")
	addr2 := testAddr(t, "/ip4/127.0.0.1/tcp/4002")
	dialer.bootstrap = []multiaddr.Multiaddr{addr1, addr2}
	dialer.dialResults[addr2.String()] = fmt.Errorf("refused")

	sup := NewSupervisor(dialer, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	succeeded := sup.ReconnectToBootstrap(ctx)
	assert.Equal(t, 1, succeeded)
}

func TestEvictStaleRecordsRemovesOldEntries(t *testing.T) {
	dialer := newFakeDialer()
	sup := NewSupervisor(dialer, zerolog.Nop())
	p := testPeerID(t, 4)

	sup.mu.Lock()
	sup.records[p] = &PeerRecord{LastSeen: time.Now().Add(-25 * time.Hour)}
	sup.mu.Unlock()

	sup.evictStaleRecords()

	recs := sup.PeerRecords()
	_, present := recs[p]
	assert.False(t, present)
}
