// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tap prints observed packets to a terminal.
package tap

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/absmach/mitmqtt/pkg/proxy"
)

const timeFormat = "15:04:05.000"

// Printer writes one colored line per event. It is safe for concurrent use.
type Printer struct {
	mu sync.Mutex
	w  io.Writer
}

// New returns a printer writing to w. A nil w writes to color.Output.
func New(w io.Writer) *Printer {
	if w == nil {
		w = color.Output
	}
	return &Printer{w: w}
}

// Observe prints ev. Its method value is a proxy.Observer.
func (p *Printer) Observe(ev proxy.Event) {
	arrow := color.GreenString("C->B")
	if ev.Direction == "downstream" {
		arrow = color.CyanString("B->C")
	}

	line := fmt.Sprintf("%s | %s | %-11s | %s",
		color.HiBlackString(ev.Time.Format(timeFormat)),
		arrow,
		color.YellowString(ev.Type),
		shortID(ev.SessionID),
	)
	if ev.Topic != "" {
		line += " | " + color.MagentaString(ev.Topic)
	}
	if ev.Payload != "" {
		line += " | " + ev.Payload
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, line)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
