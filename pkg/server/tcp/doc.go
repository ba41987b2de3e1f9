// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the accept loop behind each proxy listener.
//
// # Overview
//
// A Server binds one address, optionally wraps it in TLS, and hands every
// accepted connection to a ConnHandler in its own goroutine. It knows nothing
// about MQTT; the proxy package supplies a handler that builds a session.
//
// # Connection Flow
//
//  1. Listen binds the address and reports bind errors synchronously
//  2. Serve accepts connections
//  3. Each connection runs ConnHandler(ctx, conn) in a new goroutine
//  4. Serve returns once the listener is closed and handlers have drained
//
// # Graceful Shutdown
//
// When the Serve context is cancelled or Close is called:
//
//  1. Server stops accepting new connections
//  2. Server waits for active handlers (with timeout)
//  3. After ShutdownTimeout, cancels the handler context
//  4. Returns ErrShutdownTimeout if timeout exceeded
//
// # TLS Support
//
// With TLSConfig set, accepted connections are *tls.Conn values whose
// handshake has not run yet. The handler decides when to run it:
//
//	cfg := tcp.Config{
//		Address:   ":8883",
//		TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
//	}
//
// # Example
//
//	srv := tcp.New(tcp.Config{Address: ":1883"}, func(ctx context.Context, conn net.Conn) {
//		defer conn.Close()
//		io.Copy(conn, conn)
//	})
//	if err := srv.Listen(); err != nil {
//		return err
//	}
//	go srv.Serve(ctx)
package tcp
