// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import "github.com/absmach/mitmqtt/pkg/packet"

// Reply returns the packet the proxy writes to the client on its own behalf
// when it observes pkt from the client, or nil when no reply is due.
//
//	CONNECT          → CONNACK (accepted, no session present)
//	PUBLISH, QoS 1   → PUBACK with the publish packet id
//	SUBSCRIBE        → SUBACK granting QoS 0 to a single filter
//	PINGREQ          → PINGRESP
//
// Replies are unconditional: credentials and topic filters are not checked.
func Reply(pkt packet.Packet) []byte {
	switch pkt.Kind {
	case packet.Connect:
		return packet.EncodeConnack()
	case packet.Publish:
		// Id 0 is never valid for QoS 1; it means the header was cut short.
		if pkt.QoS == 1 && pkt.PacketID != 0 {
			return packet.EncodePuback(pkt.PacketID)
		}
	case packet.Subscribe:
		return packet.EncodeSuback(pkt.PacketID)
	case packet.Pingreq:
		return packet.EncodePingresp()
	}
	return nil
}
