// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"fmt"
	"io"
	"net"

	"github.com/absmach/mitmqtt/pkg/packet"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const (
	snapLen    = 65535
	brokerPort = 1883
	// maxSegment is the TCP payload size of an Ethernet MTU segment.
	maxSegment = 1460
	// Sessions get client ports from this base in order of first appearance.
	clientPortBase = 40000
)

var (
	clientIP  = net.IPv4(10, 0, 0, 1)
	brokerIP  = net.IPv4(10, 0, 0, 2)
	clientMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	brokerMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

// flow tracks TCP sequence numbers for one session in both directions.
type flow struct {
	port      uint16
	clientSeq uint32
	brokerSeq uint32
}

// WritePCAP writes the capture as a pcap file of synthetic Ethernet/IPv4/TCP
// segments so MQTT dissectors can read it. Each session is a separate TCP
// flow between 10.0.0.1 and 10.0.0.2:1883. Packets larger than one segment
// are split into consecutive segments of at most maxSegment bytes.
func (s *Store) WritePCAP(w io.Writer) error {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		return fmt.Errorf("failed to write pcap header: %w", err)
	}

	flows := make(map[string]*flow)
	for _, e := range s.Entries() {
		f, ok := flows[e.SessionID]
		if !ok {
			f = &flow{port: uint16(clientPortBase + len(flows)), clientSeq: 1, brokerSeq: 1}
			flows[e.SessionID] = f
		}

		payload := e.Packet.Raw
		for {
			n := min(len(payload), maxSegment)
			if err := writeSegment(pw, f, e, payload[:n], n == len(payload)); err != nil {
				return err
			}
			payload = payload[n:]
			if len(payload) == 0 {
				break
			}
		}
	}
	return nil
}

func writeSegment(pw *pcapgo.Writer, f *flow, e Entry, payload []byte, last bool) error {
	eth := &layers.Ethernet{EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP}
	tcp := &layers.TCP{PSH: last, ACK: true, Window: 65535}

	if e.Direction == packet.Upstream {
		eth.SrcMAC, eth.DstMAC = clientMAC, brokerMAC
		ip.SrcIP, ip.DstIP = clientIP, brokerIP
		tcp.SrcPort, tcp.DstPort = layers.TCPPort(f.port), brokerPort
		tcp.Seq, tcp.Ack = f.clientSeq, f.brokerSeq
		f.clientSeq += uint32(len(payload))
	} else {
		eth.SrcMAC, eth.DstMAC = brokerMAC, clientMAC
		ip.SrcIP, ip.DstIP = brokerIP, clientIP
		tcp.SrcPort, tcp.DstPort = brokerPort, layers.TCPPort(f.port)
		tcp.Seq, tcp.Ack = f.brokerSeq, f.clientSeq
		f.brokerSeq += uint32(len(payload))
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("failed to serialize packet: %w", err)
	}
	data := buf.Bytes()
	ci := gopacket.CaptureInfo{
		Timestamp:     e.Time,
		CaptureLength: len(data),
		Length:        len(data),
	}
	if err := pw.WritePacket(ci, data); err != nil {
		return fmt.Errorf("failed to write pcap record: %w", err)
	}
	return nil
}
