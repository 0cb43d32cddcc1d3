// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

// MaxVBI is the largest value a Variable Byte Integer can hold.
const MaxVBI = 268435455

// DecodeVBI decodes a Variable Byte Integer from the start of b and returns
// the value and the number of bytes consumed. ErrBufferTooShort means more
// input is needed; ErrBadLength means the encoding is invalid.
func DecodeVBI(b []byte) (int, int, error) {
	var v uint32
	var shift uint
	for i := 0; i < 4; i++ {
		if i >= len(b) {
			return 0, 0, ErrBufferTooShort
		}
		c := b[i]
		v |= uint32(c&0x7F) << shift
		if c&0x80 == 0 {
			// A trailing zero group makes the encoding longer than needed.
			if i > 0 && c == 0 {
				return 0, 0, ErrBadLength
			}
			return int(v), i + 1, nil
		}
		shift += 7
	}
	return 0, 0, ErrBadLength
}

// VBISize returns the number of bytes needed to encode n.
func VBISize(n int) int {
	switch {
	case n < 128:
		return 1
	case n < 16384:
		return 2
	case n < 2097152:
		return 3
	default:
		return 4
	}
}

// AppendVBI appends the minimal Variable Byte Integer encoding of n.
func AppendVBI(b []byte, n int) []byte {
	v := uint32(n)
	for {
		c := byte(v & 0x7F)
		v >>= 7
		if v > 0 {
			c |= 0x80
		}
		b = append(b, c)
		if v == 0 {
			return b
		}
	}
}

// EncodeVBI returns the minimal Variable Byte Integer encoding of n.
func EncodeVBI(n int) []byte {
	return AppendVBI(make([]byte, 0, 4), n)
}

// ParseHeader parses the fixed header at the start of b. It returns the
// header length and the remaining length of the packet.
func ParseHeader(b []byte) (int, int, error) {
	if len(b) < 2 {
		return 0, 0, ErrBufferTooShort
	}
	rl, n, err := DecodeVBI(b[1:])
	if err != nil {
		return 0, 0, err
	}
	return 1 + n, rl, nil
}
