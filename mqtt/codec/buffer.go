// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import "encoding/binary"

// HeadRoom is reserved in front of every Buffer so the fixed header can be
// written after the body without moving it.
const HeadRoom = 16

// Buffer is a growable encode buffer for one outgoing packet.
type Buffer struct {
	b []byte
}

// NewBuffer returns a Buffer with room for size body bytes.
func NewBuffer(size int) *Buffer {
	if size < 0 {
		size = 0
	}
	b := make([]byte, HeadRoom, HeadRoom+size)
	return &Buffer{b: b}
}

// Reset empties the body and keeps the allocated capacity.
func (b *Buffer) Reset() {
	b.b = b.b[:HeadRoom]
}

// Len returns the number of body bytes written.
func (b *Buffer) Len() int {
	return len(b.b) - HeadRoom
}

// Body returns the body written so far.
func (b *Buffer) Body() []byte {
	return b.b[HeadRoom:]
}

func (b *Buffer) WriteByte(c byte) error {
	b.b = append(b.b, c)
	return nil
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.b = append(b.b, p...)
	return len(p), nil
}

func (b *Buffer) WriteUint16(v uint16) {
	b.b = binary.BigEndian.AppendUint16(b.b, v)
}

func (b *Buffer) WriteUint32(v uint32) {
	b.b = binary.BigEndian.AppendUint32(b.b, v)
}

func (b *Buffer) WriteUint64(v uint64) {
	b.b = binary.BigEndian.AppendUint64(b.b, v)
}

func (b *Buffer) WriteVBI(v int) {
	b.b = AppendVBI(b.b, v)
}

// WriteBinary writes a two byte length followed by p.
func (b *Buffer) WriteBinary(p []byte) {
	b.WriteUint16(uint16(len(p)))
	b.b = append(b.b, p...)
}

// WriteString writes a two byte length followed by s.
func (b *Buffer) WriteString(s string) {
	b.WriteUint16(uint16(len(s)))
	b.b = append(b.b, s...)
}

// Frame prefixes the body with the fixed header byte and remaining length
// and returns the complete packet. The result aliases the buffer.
func (b *Buffer) Frame(header byte) []byte {
	n := b.Len()
	start := HeadRoom - 1 - VBISize(n)
	b.b[start] = header
	AppendVBI(b.b[start+1:start+1], n)
	return b.b[start:]
}
