// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"crypto/x509"
	"errors"

	"github.com/absmach/mitmqtt/pkg/packet"
)

// Protocol names reported in Context.Protocol.
const (
	ProtocolMQTT  = "mqtt"
	ProtocolMQTTS = "mqtts"
)

// Context contains session metadata shared by every callback of one session.
type Context struct {
	// SessionID is a unique identifier for this session.
	SessionID string

	// ClientID is taken from the client's CONNECT packet.
	ClientID string

	// Username is taken from the client's CONNECT packet, if present.
	Username string

	// RemoteAddr is the client's network address.
	RemoteAddr string

	// Protocol is ProtocolMQTT or ProtocolMQTTS.
	Protocol string

	// Cert is the client's TLS certificate, when one was presented.
	Cert *x509.Certificate
}

// Handler receives notifications for session events. Sessions call these
// methods from their relay goroutines, so implementations must be safe for
// concurrent use and should return quickly. Errors are logged by the session
// and never stop relaying.
type Handler interface {
	// OnConnect is called when a client session has been accepted and, for
	// TLS sessions, the handshake has completed.
	OnConnect(ctx context.Context, hctx *Context) error

	// OnBrokerConnect is called once the broker leg of a session is up.
	OnBrokerConnect(ctx context.Context, hctx *Context) error

	// OnPacket is called for every inspected packet, in read order per leg.
	OnPacket(ctx context.Context, hctx *Context, dir packet.Direction, pkt packet.Packet) error

	// OnReply is called when the proxy itself writes a packet to the client,
	// either an automatic response or an injected or replayed packet.
	OnReply(ctx context.Context, hctx *Context, pkt packet.Packet) error

	// OnDisconnect is called exactly once when a session stops.
	OnDisconnect(ctx context.Context, hctx *Context) error
}

// NoopHandler is a Handler implementation that ignores every event.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) OnConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnBrokerConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnPacket(ctx context.Context, hctx *Context, dir packet.Direction, pkt packet.Packet) error {
	return nil
}

func (h *NoopHandler) OnReply(ctx context.Context, hctx *Context, pkt packet.Packet) error {
	return nil
}

func (h *NoopHandler) OnDisconnect(ctx context.Context, hctx *Context) error {
	return nil
}

// Chain fans events out to several handlers in order. Every handler is called
// even if an earlier one fails; the errors are joined.
type Chain []Handler

var _ Handler = Chain(nil)

// NewChain builds a Chain, skipping nil handlers.
func NewChain(handlers ...Handler) Chain {
	c := make(Chain, 0, len(handlers))
	for _, h := range handlers {
		if h != nil {
			c = append(c, h)
		}
	}
	return c
}

func (c Chain) each(fn func(Handler) error) error {
	var errs []error
	for _, h := range c {
		if err := fn(h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c Chain) OnConnect(ctx context.Context, hctx *Context) error {
	return c.each(func(h Handler) error { return h.OnConnect(ctx, hctx) })
}

func (c Chain) OnBrokerConnect(ctx context.Context, hctx *Context) error {
	return c.each(func(h Handler) error { return h.OnBrokerConnect(ctx, hctx) })
}

func (c Chain) OnPacket(ctx context.Context, hctx *Context, dir packet.Direction, pkt packet.Packet) error {
	return c.each(func(h Handler) error { return h.OnPacket(ctx, hctx, dir, pkt) })
}

func (c Chain) OnReply(ctx context.Context, hctx *Context, pkt packet.Packet) error {
	return c.each(func(h Handler) error { return h.OnReply(ctx, hctx, pkt) })
}

func (c Chain) OnDisconnect(ctx context.Context, hctx *Context) error {
	return c.each(func(h Handler) error { return h.OnDisconnect(ctx, hctx) })
}
