// Package router implements C6: the egress side of message delivery,
// selecting direct-then-broadcast-fallback per the closed DeliveryRole
// taxonomy in §3.
package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"

	"github.com/diiisco/core/internal/envelope"
	"github.com/diiisco/core/internal/metrics"
)

// ErrDeliveryFailed is returned when neither direct delivery nor broadcast
// fallback succeeds (§4.6).
var ErrDeliveryFailed = fmt.Errorf("router: delivery failed")

// DirectSender is the subset of C5 the router calls through.
type DirectSender interface {
	SendDirect(ctx context.Context, target peer.ID, data []byte) bool
}

// Broadcaster is the subset of C4 the router calls through.
type Broadcaster interface {
	Publish(ctx context.Context, data []byte) error
}

// Router implements C6.
type Router struct {
	direct              DirectSender
	broadcast           Broadcaster
	directEnabled       bool
	fallbackToGossipsub bool
	metrics             *metrics.Registry
	logger              zerolog.Logger
}

// New constructs a Router. directEnabled and fallbackToGossipsub mirror the
// directMessaging.enabled / .fallbackToGossipsub config keys (§6).
func New(direct DirectSender, broadcast Broadcaster, directEnabled, fallbackToGossipsub bool, reg *metrics.Registry, logger zerolog.Logger) *Router {
	return &Router{
		direct:              direct,
		broadcast:           broadcast,
		directEnabled:       directEnabled,
		fallbackToGossipsub: fallbackToGossipsub,
		metrics:             reg,
		logger:              logger,
	}
}

// Send implements §4.6's send(message, targetPeerId?).
func (r *Router) Send(ctx context.Context, env envelope.Envelope, target *peer.ID) error {
	role := string(env.Role)
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("router: encode envelope: %w", err)
	}

	if envelope.DirectPreferred[env.Role] && r.directEnabled && target != nil {
		if r.direct.SendDirect(ctx, *target, data) {
			r.metrics.DirectDelivered.WithLabelValues(role).Inc()
			return nil
		}
		r.logger.Debug().Str("role", role).Str("peer", target.String()).Msg("direct delivery failed")
	}

	if !r.fallbackToGossipsub {
		r.metrics.DeliveryFailed.WithLabelValues(role).Inc()
		return fmt.Errorf("%w: role %s", ErrDeliveryFailed, role)
	}

	if err := r.broadcast.Publish(ctx, data); err != nil {
		r.metrics.DeliveryFailed.WithLabelValues(role).Inc()
		return fmt.Errorf("%w: role %s: %v", ErrDeliveryFailed, role, err)
	}
	r.metrics.BroadcastDelivered.WithLabelValues(role).Inc()
	return nil
}
