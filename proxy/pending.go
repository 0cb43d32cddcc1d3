// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"errors"

	"github.com/absmach/mqproxy/mqtt/codec"
	"github.com/absmach/mqproxy/mqtt/packets"
)

// PendingBuffer holds complete backend frames produced before the backend
// accepted the session. Frames are kept byte for byte.
type PendingBuffer struct {
	frames [][]byte
	size   int
	soft   int
	hard   int
	lost   int
}

// NewPendingBuffer creates a buffer with soft and hard byte limits. Zero
// disables a limit.
func NewPendingBuffer(soft, hard int) *PendingBuffer {
	return &PendingBuffer{soft: soft, hard: hard}
}

// Append takes ownership of frame. Above the hard limit every frame is
// refused with ErrPendingFull. Above the soft limit QoS 0 publications are
// dropped with ErrDiscarded and counted lost.
func (b *PendingBuffer) Append(frame []byte) error {
	n := b.size + len(frame)
	if b.hard > 0 && n > b.hard {
		return ErrPendingFull
	}
	if b.soft > 0 && n > b.soft && isQoS0Publish(frame) {
		b.lost++
		return ErrDiscarded
	}
	b.frames = append(b.frames, frame)
	b.size = n
	return nil
}

// Len returns the number of buffered frames.
func (b *PendingBuffer) Len() int {
	return len(b.frames)
}

// Size returns the number of buffered bytes.
func (b *PendingBuffer) Size() int {
	return b.size
}

// Lost returns the number of frames discarded by Append.
func (b *PendingBuffer) Lost() int {
	return b.lost
}

// Replay empties the buffer, passing each frame to fn in order. A frame fn
// rejects is not counted as processed; a closing *Error stops the replay and
// drops the remaining frames.
func (b *PendingBuffer) Replay(fn func(codec.Frame) error) (processed, total int, err error) {
	frames := b.frames
	b.frames = nil
	b.size = 0
	total = len(frames)
	for _, raw := range frames {
		hl, rl, perr := codec.ParseHeader(raw)
		if perr != nil || hl+rl != len(raw) {
			continue
		}
		ferr := fn(codec.Frame{Header: raw[0], Raw: raw, Body: raw[hl:]})
		if ferr == nil {
			processed++
			continue
		}
		var e *Error
		if errors.As(ferr, &e) && e.Closes() {
			return processed, total, e
		}
	}
	return processed, total, nil
}

func isQoS0Publish(frame []byte) bool {
	return len(frame) > 0 && frame[0]>>4 == packets.PublishType && (frame[0]>>1)&0x03 == 0
}
