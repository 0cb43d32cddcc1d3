// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"errors"
	"testing"

	"github.com/absmach/mqproxy/mqtt/codec"
	"github.com/absmach/mqproxy/mqtt/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func publishFrame(topic string, qos byte, id uint16, payload string) []byte {
	p := &packets.Publish{Topic: topic, QoS: qos, PacketID: id, Payload: []byte(payload)}
	return p.Encode(packets.V311)
}

func TestPendingLimits(t *testing.T) {
	qos0 := publishFrame("a/b", 0, 0, "0123456789")
	qos1 := publishFrame("a/b", 1, 1, "0123456789")
	n := len(qos0)

	b := NewPendingBuffer(2*n, 4*n)
	require.NoError(t, b.Append(qos0))
	require.NoError(t, b.Append(qos0))
	assert.ErrorIs(t, b.Append(qos0), ErrDiscarded)
	assert.Equal(t, 1, b.Lost())

	require.NoError(t, b.Append(qos1))
	assert.ErrorIs(t, b.Append(qos1), ErrPendingFull)
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, 2*n+len(qos1), b.Size())
}

func TestPendingReplayIsByteIdentical(t *testing.T) {
	frames := [][]byte{
		publishFrame("a/1", 0, 0, "first"),
		publishFrame("a/2", 1, 7, "second"),
		packets.NewAck(packets.PubackType, 3, packets.Success, "").Encode(packets.V311),
	}
	b := NewPendingBuffer(0, 0)
	for _, f := range frames {
		require.NoError(t, b.Append(f))
	}

	var got [][]byte
	processed, total, err := b.Replay(func(f codec.Frame) error {
		got = append(got, f.Raw)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, processed)
	assert.Equal(t, 3, total)
	assert.Equal(t, frames, got)
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 0, b.Size())
}

func TestPendingReplayRejections(t *testing.T) {
	b := NewPendingBuffer(0, 0)
	for i := 1; i <= 4; i++ {
		require.NoError(t, b.Append(publishFrame("a/b", 1, uint16(i), "x")))
	}

	calls := 0
	processed, total, err := b.Replay(func(f codec.Frame) error {
		calls++
		switch calls {
		case 1:
			return errors.New("not authorized")
		case 3:
			return protocolError("closing").closing()
		}
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls, "a closing error stops the replay")
	assert.Equal(t, 1, processed)
	assert.Equal(t, 4, total)
}

func TestFilterMerge(t *testing.T) {
	m := newFilterMerge(4)
	m.reject(1, packets.NotAuthorized)
	for _, i := range []int{0, 2, 3} {
		m.forwarded[i] = true
	}
	m.rejectForwarded(1, packets.TopicFilterInvalid)

	got := m.merge([]byte{packets.GrantedQoS1})
	assert.Equal(t, []byte{packets.GrantedQoS1, packets.NotAuthorized, packets.TopicFilterInvalid, packets.UnspecifiedError}, got)
}
