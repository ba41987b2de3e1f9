// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package store keeps the bounded, insertion-ordered capture of decoded
// packets used for display, export and replay.
//
// Indices are positions in the current window: index 0 is the oldest packet
// still held. An index handed out for display can refer to a different packet
// after the next eviction.
package store

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/absmach/mitmqtt/pkg/errors"
	"github.com/absmach/mitmqtt/pkg/packet"
)

// DefaultCapacity is the number of packets held before the oldest is evicted.
const DefaultCapacity = 1000

// Entry is one captured packet.
type Entry struct {
	Time      time.Time
	SessionID string
	Direction packet.Direction
	Packet    packet.Packet
}

// Record is the export form of an Entry.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Session   string    `json:"session"`
	Direction string    `json:"direction"`
	Type      string    `json:"type"`
	Topic     string    `json:"topic,omitempty"`
	Payload   string    `json:"payload"`
}

// Store is a FIFO ring of captured packets. It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries []Entry
	head    int
	size    int
	evicted uint64
}

// New creates a store holding up to capacity packets.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		entries: make([]Entry, capacity),
	}
}

// Add appends e, evicting the oldest entry when the store is full. It
// reports whether an entry was evicted.
func (s *Store) Add(e Entry) bool {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tail := (s.head + s.size) % len(s.entries)
	s.entries[tail] = e
	if s.size < len(s.entries) {
		s.size++
		return false
	}
	s.head = (s.head + 1) % len(s.entries)
	s.evicted++
	return true
}

// Get returns the entry at index, 0 being the oldest held.
func (s *Store) Get(index int) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if index < 0 || index >= s.size {
		return Entry{}, errors.ErrInvalidIndex
	}
	return s.entries[(s.head+index)%len(s.entries)], nil
}

// Len returns the number of entries held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Cap returns the store capacity.
func (s *Store) Cap() int {
	return len(s.entries)
}

// Evicted returns how many entries have been dropped since creation.
func (s *Store) Evicted() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.evicted
}

// Entries returns a snapshot of held entries, oldest first.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, s.size)
	for i := range out {
		out[i] = s.entries[(s.head+i)%len(s.entries)]
	}
	return out
}

// Clear drops every entry.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.entries)
	s.head = 0
	s.size = 0
}

// Export returns the capture as ordered records.
func (s *Store) Export() []Record {
	entries := s.Entries()
	records := make([]Record, len(entries))
	for i, e := range entries {
		records[i] = Record{
			Timestamp: e.Time,
			Session:   e.SessionID,
			Direction: e.Direction.String(),
			Type:      e.Packet.Kind.String(),
			Topic:     e.Packet.Topic,
			Payload:   packet.Display(e.Packet.Payload),
		}
	}
	return records
}

// WriteJSON writes the exported capture to w as a JSON array.
func (s *Store) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s.Export())
}
