// Package direct implements C5: a single named protocol serving one
// length-prefixed message per stream, with an optional zstd-compressed
// frame body.
//
// Grounded on the teacher's protocol registration idiom
// (internal/network/p2p.go's SetStreamHandler usage), framed with
// go-msgio — the natural companion of go-libp2p for exactly the
// "read one frame, enforce a byte cap before allocating" requirement the
// Design Notes call out.
package direct

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-msgio"
	"github.com/rs/zerolog"
)

// ErrOversizeFrame is logged when an inbound frame exceeds maxMessageSize
// (§4.5). The stream is always reset alongside this error.
var ErrOversizeFrame = fmt.Errorf("direct: oversize frame")

const compressionThreshold = 256 // bytes; frames smaller than this are sent raw

// Config bounds C5 (§6).
type Config struct {
	Protocol       protocol.ID
	MaxMessageSize int64
	StreamTimeout  time.Duration
}

// DefaultConfig returns the §6 defaults.
func DefaultConfig() Config {
	return Config{
		Protocol:       "/diiisco/direct/1.0.0",
		MaxMessageSize: 10 << 20,
		StreamTimeout:  10 * time.Second,
	}
}

// IngressHandler processes one inbound frame's decoded bytes from
// sourcePeer. C5 never interprets the bytes itself; that is C7's job.
type IngressHandler func(sourcePeer peer.ID, data []byte)

// Protocol implements C5's registerProtocol/sendDirect pair over host h.
type Protocol struct {
	host   hostStreamer
	cfg    Config
	logger zerolog.Logger
}

// hostStreamer is the subset of host.Host this package needs, kept narrow
// so it can be faked in tests without a real libp2p host.
type hostStreamer interface {
	SetStreamHandler(pid protocol.ID, handler network.StreamHandler)
	NewStream(ctx context.Context, p peer.ID, pids ...protocol.ID) (network.Stream, error)
}

// New constructs a Protocol bound to h and registers the ingress handler.
func New(h hostStreamer, cfg Config, logger zerolog.Logger, ingress IngressHandler) *Protocol {
	p := &Protocol{host: h, cfg: cfg, logger: logger}
	h.SetStreamHandler(cfg.Protocol, p.handleStream(ingress))
	return p
}

// handleStream implements §4.5's registerProtocol: read one frame with the
// size cap, decode, invoke the ingress handler. Errors abort the stream
// with a cause and never leak to the caller.
func (p *Protocol) handleStream(ingress IngressHandler) network.StreamHandler {
	return func(s network.Stream) {
		defer s.Close()
		remote := s.Conn().RemotePeer()

		reader := msgio.NewVarintReaderSize(s, int(p.cfg.MaxMessageSize))
		frame, err := reader.ReadMsg()
		if err != nil {
			if err == msgio.ErrMsgTooLarge {
				p.logger.Warn().Err(ErrOversizeFrame).Str("peer", remote.String()).Msg("direct: frame exceeded maxMessageSize")
			} else {
				p.logger.Debug().Err(err).Str("peer", remote.String()).Msg("direct: frame read failed")
			}
			s.Reset()
			return
		}
		defer reader.ReleaseMsg(frame)

		data, err := decompress(frame)
		if err != nil {
			p.logger.Debug().Err(err).Str("peer", remote.String()).Msg("direct: decompress failed")
			s.Reset()
			return
		}
		ingress(remote, data)
	}
}

// SendDirect implements §4.5's sendDirect(peer, message) → bool: open a
// stream with an abort-on-timeout, write one length-prefixed frame, close
// the write half. No retries at this layer.
func (p *Protocol) SendDirect(ctx context.Context, target peer.ID, data []byte) bool {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.StreamTimeout)
	defer cancel()

	s, err := p.host.NewStream(ctx, target, p.cfg.Protocol)
	if err != nil {
		p.logger.Debug().Err(err).Str("peer", target.String()).Msg("direct: open stream failed")
		return false
	}
	defer s.Close()

	frame, err := compress(data)
	if err != nil {
		p.logger.Debug().Err(err).Msg("direct: compress failed")
		s.Reset()
		return false
	}
	if int64(len(frame)) > p.cfg.MaxMessageSize {
		p.logger.Debug().Str("peer", target.String()).Msg("direct: outbound frame exceeds max size")
		s.Reset()
		return false
	}

	writer := msgio.NewVarintWriter(s)
	if err := writer.WriteMsg(frame); err != nil {
		p.logger.Debug().Err(err).Str("peer", target.String()).Msg("direct: write failed")
		s.Reset()
		return false
	}
	if err := s.CloseWrite(); err != nil {
		p.logger.Debug().Err(err).Str("peer", target.String()).Msg("direct: close write failed")
		return false
	}
	return true
}

// compress zstd-encodes data when it is large enough to be worth it. Every
// frame carries a one-byte flag saying whether its body is compressed, and
// decompress reads that flag, so this is an internal wire optimization
// rather than a negotiated capability.
func compress(data []byte) ([]byte, error) {
	if len(data) < compressionThreshold {
		return prefixed(false, data), nil
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("direct: new zstd writer: %w", err)
	}
	defer enc.Close()
	return prefixed(true, enc.EncodeAll(data, nil)), nil
}

func decompress(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("direct: empty frame")
	}
	compressed, body := frame[0] == 1, frame[1:]
	if !compressed {
		return body, nil
	}
	dec, err := zstd.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("direct: new zstd reader: %w", err)
	}
	defer dec.Close()
	out, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("direct: zstd decode: %w", err)
	}
	return out, nil
}

// prefixed tags the frame body with a one-byte compression flag.
func prefixed(compressed bool, body []byte) []byte {
	out := make([]byte, 0, len(body)+1)
	if compressed {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	return append(out, body...)
}
