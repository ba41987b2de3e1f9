// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for mitmqtt.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrNoSession indicates an operator action found no live session to target.
	ErrNoSession = errors.New("no live session")

	// ErrInvalidIndex indicates a replay index outside the captured range.
	ErrInvalidIndex = errors.New("packet index out of range")

	// ErrNoCredential indicates TLS termination was requested without a server credential.
	ErrNoCredential = errors.New("server credential not loaded")

	// ErrAlreadyRunning indicates a listener of that kind is already accepting.
	ErrAlreadyRunning = errors.New("listener already running")

	// ErrNotRunning indicates no listener is accepting.
	ErrNotRunning = errors.New("listener not running")

	// ErrBrokerNotConnected indicates a write to a broker leg that was never dialed.
	ErrBrokerNotConnected = errors.New("broker leg not connected")

	// ErrSessionStopped indicates the session has already been torn down.
	ErrSessionStopped = errors.New("session stopped")

	// ErrMalformedPacket indicates bytes that cannot be framed as MQTT.
	ErrMalformedPacket = errors.New("malformed packet")
)

// SessionError wraps a transport failure with the session it happened on.
type SessionError struct {
	Op         string // Operation that failed (read, write, dial, handshake)
	Kind       string // Session kind (plain, tls)
	SessionID  string // Session identifier
	RemoteAddr string // Client address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s %s [%s] %s: %v", e.Kind, e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Kind, e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *SessionError) Unwrap() error {
	return e.Err
}

// New creates a new SessionError. It returns nil for a nil err.
func New(op, kind, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &SessionError{
		Op:         op,
		Kind:       kind,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
