// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package console

import (
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/absmach/mitmqtt/pkg/proxy"
)

// handleStream upgrades to a WebSocket and writes one JSON event per observed
// packet. A slow client loses events instead of stalling relays.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("stream upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	events := make(chan proxy.Event, s.cfg.StreamBuffer)
	var dropped atomic.Uint64
	unsubscribe := s.ctrl.Subscribe(func(ev proxy.Event) {
		select {
		case events <- ev:
		default:
			dropped.Add(1)
		}
	})
	defer unsubscribe()

	remote := slog.String("remote", r.RemoteAddr)
	s.logger.Info("stream client connected", remote)
	defer func() {
		s.logger.Info("stream client disconnected", remote, slog.Uint64("dropped", dropped.Load()))
	}()

	closed := make(chan struct{})
	go s.readPump(conn, closed)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// readPump discards client messages and closes closed when the peer leaves.
func (s *Server) readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("stream read failed", slog.String("error", err.Error()))
			}
			return
		}
	}
}
