// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/binary"
	"errors"
)

var (
	ErrBufferTooShort = errors.New("buffer too short")
	ErrBadLength      = errors.New("malformed length")
	ErrStringTooLong  = errors.New("string exceeds buffer")
)

// Reader is a bounds checked cursor over a packet body. Returned slices
// alias the body; a failed read leaves the cursor where it was.
type Reader struct {
	buf []byte
	pos int
}

// NewReader returns a cursor at the start of b.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Remaining is the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.pos
}

// Offset is the cursor position.
func (r *Reader) Offset() int {
	return r.pos
}

func (r *Reader) take(n int) ([]byte, bool) {
	if n < 0 || n > r.Remaining() {
		return nil, false
	}
	b := r.buf[r.pos : r.pos+n : r.pos+n]
	r.pos += n
	return b, true
}

func (r *Reader) ReadByte() (byte, error) {
	b, ok := r.take(1)
	if !ok {
		return 0, ErrBufferTooShort
	}
	return b[0], nil
}

func (r *Reader) ReadUint16() (uint16, error) {
	b, ok := r.take(2)
	if !ok {
		return 0, ErrBufferTooShort
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	b, ok := r.take(4)
	if !ok {
		return 0, ErrBufferTooShort
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *Reader) ReadUint64() (uint64, error) {
	b, ok := r.take(8)
	if !ok {
		return 0, ErrBufferTooShort
	}
	return binary.BigEndian.Uint64(b), nil
}

// ReadVBI reads a variable byte integer. Non minimal encodings fail with
// ErrBadLength.
func (r *Reader) ReadVBI() (int, error) {
	v, n, err := DecodeVBI(r.buf[r.pos:])
	if err != nil {
		return 0, err
	}
	r.pos += n
	return v, nil
}

// ReadBytes reads binary data with a two byte length prefix.
func (r *Reader) ReadBytes() ([]byte, error) {
	start := r.pos
	n, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}
	b, ok := r.take(int(n))
	if !ok {
		r.pos = start
		return nil, ErrStringTooLong
	}
	return b, nil
}

// ReadString reads a length prefixed string. The result is a copy.
func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadN reads exactly n bytes.
func (r *Reader) ReadN(n int) ([]byte, error) {
	b, ok := r.take(n)
	if !ok {
		return nil, ErrBufferTooShort
	}
	return b, nil
}

// ReadRemaining consumes the rest of the body.
func (r *Reader) ReadRemaining() []byte {
	b, _ := r.take(r.Remaining())
	return b
}
