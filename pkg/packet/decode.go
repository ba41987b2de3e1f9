// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packet

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// MaxLengthBytes is the longest legal remaining-length encoding.
const MaxLengthBytes = 4

// MaxRemainingLength is the largest value four length bytes can carry.
const MaxRemainingLength = 268435455

var (
	// ErrTruncatedLength is returned when the buffer ends before the
	// terminating remaining-length byte.
	ErrTruncatedLength = errors.New("remaining length truncated")

	// ErrLengthOverflow is returned when the continuation flag is still set
	// after four bytes.
	ErrLengthOverflow = errors.New("remaining length exceeds 4 bytes")
)

// DecodeRemainingLength decodes the variable-length integer at the start of b.
// It returns the value and the number of bytes it occupied.
func DecodeRemainingLength(b []byte) (int, int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < MaxLengthBytes; i++ {
		if i >= len(b) {
			return 0, 0, ErrTruncatedLength
		}
		value += int(b[i]&127) * multiplier
		multiplier *= 128
		if b[i]&128 == 0 {
			return value, i + 1, nil
		}
	}
	return 0, 0, ErrLengthOverflow
}

// Decode interprets the first frame in buf. Fields that cannot be safely
// extracted are left empty and Malformed is set; Raw always holds a copy of buf.
func Decode(buf []byte) Packet {
	p := Packet{Raw: bytes.Clone(buf)}
	if len(buf) == 0 {
		p.Malformed = true
		return p
	}

	p.Kind = Kind(buf[0] >> 4)
	flags := buf[0] & 0x0F
	if p.Kind == Publish {
		p.Dup = flags&0x08 != 0
		p.QoS = (flags >> 1) & 0x03
		p.Retain = flags&0x01 != 0
	}

	length, n, err := DecodeRemainingLength(buf[1:])
	if err != nil {
		p.Malformed = true
		return p
	}
	p.RemainingLength = length

	// Bytes beyond the declared length belong to the next frame.
	body := buf[1+n:]
	complete := len(body) >= length
	if complete {
		body = body[:length]
	}

	switch p.Kind {
	case Publish:
		p.decodePublish(body)
	case Puback, Pubrec, Pubrel, Pubcomp, Subscribe, Suback, Unsubscribe, Unsuback:
		if len(body) < 2 {
			p.Malformed = true
			break
		}
		p.PacketID = binary.BigEndian.Uint16(body[:2])
	case Connect:
		if !complete {
			p.Malformed = true
			break
		}
		p.decodeConnect(buf[:1+n+length])
	}
	if !complete {
		p.Malformed = true
	}
	return p
}

func (p *Packet) decodePublish(body []byte) {
	if len(body) < 2 {
		p.Malformed = true
		return
	}
	topicLen := int(binary.BigEndian.Uint16(body[:2]))
	if len(body) < 2+topicLen {
		p.Malformed = true
		return
	}
	p.Topic = string(body[2 : 2+topicLen])
	rest := body[2+topicLen:]

	if p.QoS > 0 {
		if len(rest) < 2 {
			p.Malformed = true
			return
		}
		p.PacketID = binary.BigEndian.Uint16(rest[:2])
		rest = rest[2:]
	}
	p.Payload = bytes.Clone(rest)
}

func (p *Packet) decodeConnect(frame []byte) {
	cp, err := packets.ReadPacket(bytes.NewReader(frame))
	if err != nil {
		p.Malformed = true
		return
	}
	if connect, ok := cp.(*packets.ConnectPacket); ok {
		p.ClientID = connect.ClientIdentifier
		p.Username = connect.Username
	}
}
