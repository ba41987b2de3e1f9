// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packet

// BinaryMarker replaces payloads that are not printable text.
const BinaryMarker = "Binary data"

// Display returns payload as text when every byte is printable ASCII or
// whitespace, and BinaryMarker otherwise.
func Display(payload []byte) string {
	for _, b := range payload {
		if !printable(b) {
			return BinaryMarker
		}
	}
	return string(payload)
}

func printable(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return b > 0x20 && b < 0x7F
}
