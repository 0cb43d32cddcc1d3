// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"errors"

	"github.com/gorilla/websocket"
)

var (
	ErrTooLarge  = errors.New("packet exceeds maximum size")
	ErrNotBinary = errors.New("websocket message is not binary")
)

// Frame is one complete MQTT control packet.
type Frame struct {
	Header byte
	// Raw holds the fixed header, remaining length and body.
	Raw []byte
	// Body holds the bytes after the remaining length.
	Body []byte
}

// Type returns the control packet type.
func (f Frame) Type() byte {
	return f.Header >> 4
}

// Flags returns the low nibble of the fixed header.
func (f Frame) Flags() byte {
	return f.Header & 0x0F
}

// Framer splits a byte stream into MQTT frames. Bytes of an incomplete frame
// are kept until the next call. Frames passed to the callback are only valid
// for the duration of the call.
type Framer struct {
	// MaxSize bounds the complete frame size. Zero disables the check.
	MaxSize  int
	overflow []byte
}

// NewFramer returns a Framer enforcing maxSize.
func NewFramer(maxSize int) *Framer {
	return &Framer{MaxSize: maxSize}
}

// Buffered returns the number of bytes held for an incomplete frame.
func (f *Framer) Buffered() int {
	return len(f.overflow)
}

// Reset drops any buffered bytes.
func (f *Framer) Reset() {
	f.overflow = f.overflow[:0]
}

// Feed consumes data and calls fn once per complete frame, in order.
// The first error returned by fn stops processing and is returned.
func (f *Framer) Feed(data []byte, fn func(Frame) error) error {
	buf := data
	if len(f.overflow) > 0 {
		f.overflow = append(f.overflow, data...)
		buf = f.overflow
	}

	off := 0
	for off < len(buf) {
		hl, rl, err := ParseHeader(buf[off:])
		if errors.Is(err, ErrBufferTooShort) {
			break
		}
		if err != nil {
			return err
		}
		total := hl + rl
		if f.MaxSize > 0 && total > f.MaxSize {
			return ErrTooLarge
		}
		if off+total > len(buf) {
			break
		}
		raw := buf[off : off+total]
		off += total
		if err := fn(Frame{Header: raw[0], Raw: raw, Body: raw[hl:]}); err != nil {
			f.keep(buf[off:])
			return err
		}
	}
	f.keep(buf[off:])
	return nil
}

// FeedMessage consumes one WebSocket message. MQTT frames may span or share
// messages; only binary messages are accepted.
func (f *Framer) FeedMessage(messageType int, data []byte, fn func(Frame) error) error {
	if messageType != websocket.BinaryMessage {
		return ErrNotBinary
	}
	return f.Feed(data, fn)
}

func (f *Framer) keep(rest []byte) {
	if len(rest) == 0 {
		f.overflow = f.overflow[:0]
		return
	}
	// rest may alias overflow; append moves overlapping bytes safely.
	f.overflow = append(f.overflow[:0], rest...)
}
