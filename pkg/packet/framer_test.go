// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packet

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFramer_SingleFrame(t *testing.T) {
	f := NewFramer(0)
	frames, err := f.Feed(EncodePingresp())
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, EncodePingresp(), frames[0])
	assert.Zero(t, f.Buffered())
}

func TestFramer_Coalesced(t *testing.T) {
	pub, err := EncodePublish("t", []byte("hi"))
	require.NoError(t, err)

	var chunk []byte
	chunk = append(chunk, minimalConnect...)
	chunk = append(chunk, pub...)
	chunk = append(chunk, 0xC0, 0x00)

	frames, err := NewFramer(0).Feed(chunk)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	assert.Equal(t, minimalConnect, frames[0])
	assert.Equal(t, pub, frames[1])
	assert.Equal(t, []byte{0xC0, 0x00}, frames[2])
}

func TestFramer_Split(t *testing.T) {
	pub, err := EncodePublish("sensors/temp", bytes.Repeat([]byte("x"), 300))
	require.NoError(t, err)

	f := NewFramer(0)
	var got [][]byte
	for i := 0; i < len(pub); i += 7 {
		end := min(i+7, len(pub))
		frames, err := f.Feed(pub[i:end])
		require.NoError(t, err)
		got = append(got, frames...)
	}
	require.Len(t, got, 1)
	assert.Equal(t, pub, got[0])
	assert.Zero(t, f.Buffered())
}

func TestFramer_SplitInsideLength(t *testing.T) {
	pub, err := EncodePublish("t", make([]byte, 200))
	require.NoError(t, err)

	f := NewFramer(0)
	frames, err := f.Feed(pub[:2])
	require.NoError(t, err)
	assert.Empty(t, frames)
	assert.Equal(t, 2, f.Buffered())

	frames, err = f.Feed(pub[2:])
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, pub, frames[0])
}

func TestFramer_Oversized(t *testing.T) {
	pub, err := EncodePublish("big", bytes.Repeat([]byte("y"), 100))
	require.NoError(t, err)
	next := EncodePingresp()

	f := NewFramer(32)
	frames, err := f.Feed(pub[:40])
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, pub[:40], frames[0])

	pkt := Decode(frames[0])
	assert.Equal(t, "big", pkt.Topic)
	assert.True(t, pkt.Malformed)

	// Tail of the oversized frame is skipped, the following frame is found.
	rest := append(append([]byte{}, pub[40:]...), next...)
	frames, err = f.Feed(rest)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, next, frames[0])
}

func TestFramer_CorruptLength(t *testing.T) {
	f := NewFramer(0)
	frames, err := f.Feed([]byte{0xC0, 0x00, 0x30, 0xFF, 0xFF, 0xFF, 0xFF, 0x01})
	assert.ErrorIs(t, err, ErrLengthOverflow)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{0xC0, 0x00}, frames[0])
	assert.Zero(t, f.Buffered())

	frames, err = f.Feed(EncodePingresp())
	require.NoError(t, err)
	assert.Len(t, frames, 1)
}

func TestFramer_Reset(t *testing.T) {
	f := NewFramer(0)
	_, err := f.Feed([]byte{0x30, 0x10, 0x00})
	require.NoError(t, err)
	assert.Equal(t, 3, f.Buffered())

	f.Reset()
	assert.Zero(t, f.Buffered())
}
