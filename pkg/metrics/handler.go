// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/absmach/mitmqtt/pkg/handler"
	"github.com/absmach/mitmqtt/pkg/packet"
)

var _ handler.Handler = (*Handler)(nil)

// Handler records session and packet metrics. Chain it next to other
// handlers with handler.NewChain.
type Handler struct {
	metrics *Metrics

	mu     sync.Mutex
	starts map[string]time.Time
}

// NewHandler returns a handler recording into m.
func NewHandler(m *Metrics) *Handler {
	return &Handler{
		metrics: m,
		starts:  make(map[string]time.Time),
	}
}

func (h *Handler) OnConnect(ctx context.Context, hctx *handler.Context) error {
	h.mu.Lock()
	h.starts[hctx.SessionID] = time.Now()
	h.mu.Unlock()

	h.metrics.SessionsTotal.WithLabelValues(hctx.Protocol).Inc()
	h.metrics.ActiveSessions.WithLabelValues(hctx.Protocol).Inc()
	return nil
}

func (h *Handler) OnBrokerConnect(ctx context.Context, hctx *handler.Context) error {
	return nil
}

func (h *Handler) OnPacket(ctx context.Context, hctx *handler.Context, dir packet.Direction, pkt packet.Packet) error {
	h.metrics.Packets.WithLabelValues(pkt.Kind.String(), dir.String()).Inc()
	h.metrics.PacketBytes.WithLabelValues(dir.String()).Add(float64(len(pkt.Raw)))
	return nil
}

func (h *Handler) OnReply(ctx context.Context, hctx *handler.Context, pkt packet.Packet) error {
	h.metrics.Replies.WithLabelValues(pkt.Kind.String()).Inc()
	return nil
}

func (h *Handler) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	h.mu.Lock()
	start, ok := h.starts[hctx.SessionID]
	delete(h.starts, hctx.SessionID)
	h.mu.Unlock()

	h.metrics.ActiveSessions.WithLabelValues(hctx.Protocol).Dec()
	if ok {
		h.metrics.SessionDuration.WithLabelValues(hctx.Protocol).Observe(time.Since(start).Seconds())
	}
	return nil
}
