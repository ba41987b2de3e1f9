// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packet

import (
	"bytes"
	"errors"
)

// DefaultMaxFrame bounds how much of a single frame a Framer buffers.
const DefaultMaxFrame = 1 << 20

// Framer splits a byte stream into MQTT frames for inspection.
// It is not safe for concurrent use; each session leg owns one.
type Framer struct {
	buf  []byte
	skip int
	max  int
}

// NewFramer returns a Framer buffering frames up to maxFrame bytes.
// Larger frames are reported once, truncated, and their tail is skipped.
func NewFramer(maxFrame int) *Framer {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	return &Framer{max: maxFrame}
}

// Feed appends chunk to the stream and returns every frame it completes.
// On a corrupt length field the buffered bytes are dropped and
// ErrLengthOverflow is returned alongside any frames completed before it.
func (f *Framer) Feed(chunk []byte) ([][]byte, error) {
	if f.skip > 0 {
		if len(chunk) <= f.skip {
			f.skip -= len(chunk)
			return nil, nil
		}
		chunk = chunk[f.skip:]
		f.skip = 0
	}
	f.buf = append(f.buf, chunk...)

	var frames [][]byte
	for len(f.buf) >= 2 {
		length, n, err := DecodeRemainingLength(f.buf[1:])
		if errors.Is(err, ErrTruncatedLength) {
			break
		}
		if err != nil {
			f.buf = nil
			return frames, err
		}

		total := 1 + n + length
		if len(f.buf) >= total {
			frames = append(frames, bytes.Clone(f.buf[:total]))
			f.buf = f.buf[total:]
			continue
		}
		if total > f.max {
			frames = append(frames, bytes.Clone(f.buf))
			f.skip = total - len(f.buf)
			f.buf = nil
		}
		break
	}

	if len(f.buf) == 0 {
		f.buf = nil
	} else {
		f.buf = bytes.Clone(f.buf)
	}
	return frames, nil
}

// Buffered returns the number of bytes held for an incomplete frame.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Reset drops any partial frame.
func (f *Framer) Reset() {
	f.buf = nil
	f.skip = 0
}
