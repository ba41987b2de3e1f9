// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packet

import (
	"fmt"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// Kind is the 4-bit MQTT control packet type.
type Kind uint8

// Control packet types. Values outside this set are carried as-is.
const (
	Connect     Kind = packets.Connect
	Connack     Kind = packets.Connack
	Publish     Kind = packets.Publish
	Puback      Kind = packets.Puback
	Pubrec      Kind = packets.Pubrec
	Pubrel      Kind = packets.Pubrel
	Pubcomp     Kind = packets.Pubcomp
	Subscribe   Kind = packets.Subscribe
	Suback      Kind = packets.Suback
	Unsubscribe Kind = packets.Unsubscribe
	Unsuback    Kind = packets.Unsuback
	Pingreq     Kind = packets.Pingreq
	Pingresp    Kind = packets.Pingresp
	Disconnect  Kind = packets.Disconnect
)

// String returns the packet type label, e.g. "PUBLISH".
func (k Kind) String() string {
	if name, ok := packets.PacketNames[uint8(k)]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(k))
}

// Known reports whether k is one of the MQTT 3.1.1 control packet types.
func (k Kind) Known() bool {
	return k >= Connect && k <= Disconnect
}

// Direction indicates the direction of packet flow.
type Direction int

const (
	// Upstream represents packets flowing from client to broker.
	Upstream Direction = iota

	// Downstream represents packets flowing from broker to client.
	Downstream
)

// String returns a string representation of the direction.
func (d Direction) String() string {
	switch d {
	case Upstream:
		return "upstream"
	case Downstream:
		return "downstream"
	default:
		return "unknown"
	}
}

// Packet is a decoded view of one MQTT frame. It is not modified after
// Decode returns it.
type Packet struct {
	Kind Kind

	// Dup, QoS and Retain come from the low nibble of the first byte and are
	// only set for PUBLISH.
	Dup    bool
	QoS    byte
	Retain bool

	// RemainingLength is the declared variable header + payload size.
	RemainingLength int

	// PacketID is set for PUBLISH with QoS > 0 and for packets whose variable
	// header starts with an identifier (PUBACK..UNSUBACK).
	PacketID uint16

	// Topic and Payload are set for PUBLISH only.
	Topic   string
	Payload []byte

	// ClientID and Username are set for well-formed CONNECT packets.
	ClientID string
	Username string

	// Malformed reports that at least one field could not be extracted.
	Malformed bool

	// Raw is the input buffer, copied verbatim.
	Raw []byte
}
