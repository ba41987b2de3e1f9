// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"net"

	"github.com/absmach/mitmqtt/pkg/breaker"
	"github.com/absmach/mitmqtt/pkg/metrics"
	"github.com/absmach/mitmqtt/pkg/session"
)

var _ session.Dialer = (*guardedDialer)(nil)

// guardedDialer fails broker dials fast while the breaker is open.
type guardedDialer struct {
	base    session.Dialer
	breaker *breaker.CircuitBreaker
	metrics *metrics.Metrics
}

func newGuardedDialer(base session.Dialer, cfg breaker.Config, m *metrics.Metrics) *guardedDialer {
	if base == nil {
		base = &net.Dialer{}
	}
	cb := breaker.New(cfg)
	if m != nil {
		cb.OnStateChange(func(_, to breaker.State) {
			m.SetBreakerState(to)
		})
	}
	return &guardedDialer{
		base:    base,
		breaker: cb,
		metrics: m,
	}
}

func (d *guardedDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	var conn net.Conn
	err := d.breaker.CallContext(ctx, func() error {
		c, err := d.base.DialContext(ctx, network, address)
		conn = c
		return err
	})
	if d.metrics != nil {
		d.metrics.ObserveDial(err)
	}
	return conn, err
}
