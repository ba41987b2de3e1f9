// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the interface that links relaying sessions to
// the code observing them.
//
// # Data Flow
//
//	Client → Session (inspects) → Handler (notified) → Broker
//	Broker → Session (inspects) → Handler (notified) → Client
//
// Handlers only observe. Bytes are forwarded exactly as read whatever a
// handler returns.
//
// # Handler Methods
//
//   - OnConnect: a client session was accepted
//   - OnBrokerConnect: the broker leg was dialed after the client's CONNECT
//   - OnPacket: a packet was read from either leg
//   - OnReply: the proxy wrote its own packet to the client
//   - OnDisconnect: the session stopped
//
// # Context
//
// The Context struct carries session metadata across all handler calls:
//   - SessionID: Unique identifier for this session
//   - ClientID, Username: Taken from the CONNECT packet
//   - RemoteAddr: Client's network address
//   - Protocol: mqtt or mqtts
//   - Cert: Client certificate for TLS sessions
//
// # Composition
//
// Chain fans every event out to several handlers, so capture, metrics and
// the console tap can all observe the same sessions.
//
// # Example
//
//	type TopicLogger struct {
//		logger *slog.Logger
//	}
//
//	func (h *TopicLogger) OnPacket(ctx context.Context, hctx *handler.Context, dir packet.Direction, pkt packet.Packet) error {
//		if pkt.Kind == packet.Publish {
//			h.logger.Info("publish", "client", hctx.ClientID, "topic", pkt.Topic)
//		}
//		return nil
//	}
package handler
