// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package proxy coordinates the MQTT interception proxy: a plain and a
// TLS-terminating listener, the sessions they accept, the capture store and
// the operator actions that act on live sessions.
//
// # Architecture
//
//	client ──► tcp.Server ──► session.Session ──► broker
//	                              │
//	                              ▼
//	                   handler.Chain (capture, user handler)
//	                              │
//	                 ┌────────────┴────────────┐
//	                 ▼                         ▼
//	           store.Store                 observers
//
// Each accepted connection becomes a session. The broker is dialed only when
// the client sends CONNECT, through a circuit breaker that fails fast while
// the broker is unreachable. Every packet seen on either leg is stored in a
// bounded FIFO and published to observers.
//
// # Operator actions
//
// InjectPacket writes a synthesized QoS 0 PUBLISH to the client or broker leg
// of the target session. ReplayPacket writes stored bytes verbatim to the
// client leg. The target is the oldest live TLS session, or the oldest live
// plain one when no TLS session exists. InjectPacketTo addresses one session
// by ID.
//
// # Usage
//
//	p := proxy.New(proxy.Config{
//		BrokerHost: "broker.local",
//		BrokerPort: 1883,
//		Reassemble: true,
//		Logger:     logger,
//	})
//	if err := p.LoadServerCredential("ca.crt", "ca.key"); err != nil {
//		return err
//	}
//	if err := p.StartPlain("0.0.0.0", 1883); err != nil {
//		return err
//	}
//	if err := p.StartTLS("0.0.0.0", 8883); err != nil {
//		return err
//	}
//	defer p.Stop()
//
//	unsubscribe := p.Subscribe(func(ev proxy.Event) {
//		fmt.Println(ev.Direction, ev.Type, ev.Topic)
//	})
//	defer unsubscribe()
package proxy
