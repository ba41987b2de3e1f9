// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/absmach/mitmqtt/pkg/breaker"
)

// ErrNoListener is reported when neither listener accepts clients.
var ErrNoListener = errors.New("no listener running")

// Listeners fails while both the plain and the TLS listener are stopped.
func Listeners(running func() (plainOn, tlsOn bool)) CheckFunc {
	return func(context.Context) error {
		plainOn, tlsOn := running()
		if !plainOn && !tlsOn {
			return ErrNoListener
		}
		return nil
	}
}

// Breaker fails while the broker dial breaker is open.
func Breaker(state func() breaker.State) CheckFunc {
	return func(context.Context) error {
		if s := state(); s == breaker.StateOpen {
			return fmt.Errorf("broker dials rejected: %w", breaker.ErrCircuitOpen)
		}
		return nil
	}
}
