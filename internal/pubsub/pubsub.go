// Package pubsub implements C4: the topic-addressed, unreliable,
// at-most-once broadcast bus the whole application shares one topic on.
//
// Grounded on EveShark-CyberMesh's Router.Publish/Subscribe wiring of
// go-libp2p-pubsub; message signing is left to the core's own envelope
// signatures (§6), not GossipSub's transport-level signing, so it is
// disabled here to avoid a redundant second signature.
package pubsub

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"
)

// WellKnownTopic is the single application topic (§4.4/§6).
const WellKnownTopic = "diiisco/models/1.0.0"

// ErrNoMesh is returned by WaitForMesh on timeout.
var ErrNoMesh = fmt.Errorf("pubsub: no mesh")

// messageID derives GossipSub's duplicate-detection id from the message
// body alone rather than the default from+seqno pair, so two peers
// republishing the same signed envelope (e.g. a provider's own
// list-models-response echoed back by mesh peers) collapse to one
// delivery instead of being treated as distinct messages.
func messageID(pmsg *pb.Message) string {
	sum := blake3.Sum256(pmsg.Data)
	return hex.EncodeToString(sum[:])
}

// Bus implements C4 over a single well-known topic.
type Bus struct {
	ps     *pubsub.PubSub
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	logger zerolog.Logger

	inbound chan Message
}

// Message is one inbound pub/sub delivery, including the node's own
// publications (emit-self, §4.4).
type Message struct {
	From peer.ID
	Data []byte
}

// New joins WellKnownTopic on h and starts consuming it.
func New(ctx context.Context, h host.Host, logger zerolog.Logger) (*Bus, error) {
	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithMessageSignaturePolicy(pubsub.StrictNoSign),
		pubsub.WithMessageIdFn(messageID),
	)
	if err != nil {
		return nil, fmt.Errorf("pubsub: new gossipsub: %w", err)
	}
	topic, err := ps.Join(WellKnownTopic)
	if err != nil {
		return nil, fmt.Errorf("pubsub: join topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("pubsub: subscribe: %w", err)
	}

	b := &Bus{
		ps:      ps,
		topic:   topic,
		sub:     sub,
		logger:  logger,
		inbound: make(chan Message, 256),
	}
	go b.consume(ctx)
	return b, nil
}

func (b *Bus) consume(ctx context.Context) {
	for {
		msg, err := b.sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn().Err(err).Msg("pubsub subscription read failed")
			continue
		}
		select {
		case b.inbound <- Message{From: msg.ReceivedFrom, Data: msg.Data}:
		case <-ctx.Done():
			return
		}
	}
}

// Inbound exposes every delivery on the well-known topic, including the
// node's own publications.
func (b *Bus) Inbound() <-chan Message {
	return b.inbound
}

// Publish is best-effort: GossipSub's default accepts zero-peer publishes,
// satisfying the requirement that a node subscribed alone can still emit
// to an empty mesh (§4.4).
func (b *Bus) Publish(ctx context.Context, data []byte) error {
	if err := b.topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("pubsub: publish: %w", err)
	}
	return nil
}

// WaitForMesh blocks until at least minSubs peers are in the topic mesh, or
// fails with ErrNoMesh after timeout.
func (b *Bus) WaitForMesh(ctx context.Context, minSubs int, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	if len(b.topic.ListPeers()) >= minSubs {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrNoMesh
		case <-ticker.C:
			if len(b.topic.ListPeers()) >= minSubs {
				return nil
			}
		}
	}
}

// Close unsubscribes from the topic and leaves it, the C4 step of graceful
// shutdown (§5).
func (b *Bus) Close() error {
	b.sub.Cancel()
	return b.topic.Close()
}
