// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packet

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

var (
	// ErrTopicTooLong is returned when a topic does not fit the 2-byte length prefix.
	ErrTopicTooLong = errors.New("topic exceeds 65535 bytes")

	// ErrPacketTooLarge is returned when a packet exceeds MaxRemainingLength.
	ErrPacketTooLarge = errors.New("packet exceeds maximum remaining length")
)

// AppendRemainingLength appends the variable-length encoding of n to b.
func AppendRemainingLength(b []byte, n int) ([]byte, error) {
	if n < 0 || n > MaxRemainingLength {
		return b, fmt.Errorf("%w: %d", ErrPacketTooLarge, n)
	}
	for {
		digit := byte(n % 128)
		n /= 128
		if n > 0 {
			digit |= 0x80
		}
		b = append(b, digit)
		if n == 0 {
			return b, nil
		}
	}
}

// EncodeConnack returns a CONNACK accepting the connection: 20 02 00 00.
func EncodeConnack() []byte {
	pkt := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
	pkt.SessionPresent = false
	pkt.ReturnCode = packets.Accepted
	return write(pkt)
}

// EncodePuback returns a PUBACK echoing id: 40 02 <id>.
func EncodePuback(id uint16) []byte {
	pkt := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
	pkt.MessageID = id
	return write(pkt)
}

// EncodeSuback returns a SUBACK granting a single QoS 0 subscription: 90 03 <id> 00.
func EncodeSuback(id uint16) []byte {
	pkt := packets.NewControlPacket(packets.Suback).(*packets.SubackPacket)
	pkt.MessageID = id
	pkt.ReturnCodes = []byte{0x00}
	return write(pkt)
}

// EncodePingresp returns D0 00.
func EncodePingresp() []byte {
	return write(packets.NewControlPacket(packets.Pingresp))
}

// EncodePublish returns a QoS 0 PUBLISH with no retain or dup flag.
func EncodePublish(topic string, payload []byte) ([]byte, error) {
	if len(topic) > math.MaxUint16 {
		return nil, ErrTopicTooLong
	}
	if remaining := 2 + len(topic) + len(payload); remaining > MaxRemainingLength {
		return nil, fmt.Errorf("%w: %d", ErrPacketTooLarge, remaining)
	}
	pkt := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	pkt.Qos = 0
	pkt.TopicName = topic
	pkt.Payload = payload
	return write(pkt), nil
}

// write serializes into memory, where Write cannot fail.
func write(pkt packets.ControlPacket) []byte {
	var buf bytes.Buffer
	_ = pkt.Write(&buf)
	return buf.Bytes()
}
