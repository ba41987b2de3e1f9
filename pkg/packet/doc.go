// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package packet implements the MQTT codec used by the intercepting proxy.
//
// # Decoding
//
// Decode turns one byte buffer, as read off a socket, into a Packet view. It
// never fails: truncated or adversarial input yields a Packet with Malformed
// set, whatever fields could be extracted, and Raw holding the input verbatim
// so replay is bit-exact.
//
//	pkt := packet.Decode(chunk)
//	if pkt.Kind == packet.Publish {
//		fmt.Println(pkt.Topic, packet.Display(pkt.Payload))
//	}
//
// # Remaining Length
//
// The fixed header carries a variable-length integer of 1 to 4 bytes, 7 bits
// per byte, least significant group first, with bit 7 as continuation flag:
//
//	0        -> 0x00
//	127      -> 0x7F
//	128      -> 0x80 0x01
//	16383    -> 0xFF 0x7F
//	16384    -> 0x80 0x80 0x01
//	2097151  -> 0xFF 0xFF 0x7F
//
// A continuation flag still set on the fourth byte is a protocol violation.
//
// # Encoding
//
// The proxy synthesizes four acknowledgements on behalf of the broker and
// injects QoS 0 PUBLISH packets:
//
//	EncodeConnack()        20 02 00 00
//	EncodePuback(id)       40 02 <id>
//	EncodeSuback(id)       90 03 <id> 00
//	EncodePingresp()       D0 00
//	EncodePublish(t, p)    30 <len> <topic len> <topic> <payload>
//
// # Framing
//
// A Framer reassembles frames split across reads and splits reads holding
// several frames, so every frame on a leg can be inspected while forwarding
// stays byte-transparent.
package packet
