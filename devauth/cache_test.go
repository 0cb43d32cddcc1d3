// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package devauth

import (
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var dev = Key{Org: "org1", Type: "sensor", ID: "dev1"}

func newTestCache(cfg Config) (*Cache, *time.Time) {
	c := New(cfg, nil)
	now := time.Unix(1700000000, 0)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestKeyString(t *testing.T) {
	assert.Equal(t, "org1:sensor:dev1", dev.String())
}

func TestAuthorizeQueuesOneDispatch(t *testing.T) {
	c, _ := newTestCache(DefaultConfig())

	d, err := c.Authorize(dev, "gw1", Request{Frame: []byte{1}})
	require.NoError(t, err)
	assert.Equal(t, Unknown, d.Outcome)
	assert.True(t, d.Dispatch)

	d, err = c.Authorize(dev, "gw1", Request{Frame: []byte{2}})
	require.NoError(t, err)
	assert.Equal(t, Unknown, d.Outcome)
	assert.False(t, d.Dispatch)

	reqs := c.Complete(dev, "gw1", Allowed, "").Requests
	require.Len(t, reqs, 2)
	assert.Equal(t, []byte{1}, reqs[0].Frame)
	assert.Equal(t, []byte{2}, reqs[1].Frame)

	d, err = c.Authorize(dev, "gw1", Request{})
	require.NoError(t, err)
	assert.Equal(t, Allowed, d.Outcome)
	assert.False(t, d.Dispatch)
}

func TestAuthorizeConcurrentSameDevice(t *testing.T) {
	c, _ := newTestCache(DefaultConfig())

	var dispatches atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := c.Authorize(dev, "gw1", Request{Value: i})
			assert.NoError(t, err)
			if d.Dispatch {
				dispatches.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), dispatches.Load())
	res := c.Complete(dev, "gw1", Denied, "not registered")
	assert.Equal(t, Denied, res.Outcome)
	assert.Len(t, res.Requests, 16)
}

func TestAuthorizeSeparateConnections(t *testing.T) {
	c, _ := newTestCache(DefaultConfig())

	d1, err := c.Authorize(dev, "gw1", Request{})
	require.NoError(t, err)
	d2, err := c.Authorize(dev, "gw2", Request{})
	require.NoError(t, err)
	assert.True(t, d1.Dispatch)
	assert.True(t, d2.Dispatch)

	assert.Len(t, c.Complete(dev, "gw1", Allowed, "").Requests, 1)
	o, _ := c.Check(dev, "gw2")
	assert.Equal(t, Unknown, o, "gw2 still waits for its own outcome")
	assert.Len(t, c.Complete(dev, "gw2", Allowed, "").Requests, 1)
}

func TestDenialExpires(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TTL = time.Minute
	c, now := newTestCache(cfg)

	_, err := c.Authorize(dev, "gw1", Request{})
	require.NoError(t, err)
	c.Complete(dev, "gw1", Denied, "device not registered")

	o, reason := c.Check(dev, "gw1")
	assert.Equal(t, Denied, o)
	assert.Equal(t, "device not registered", reason)

	*now = now.Add(2 * time.Minute)
	o, _ = c.Check(dev, "gw1")
	assert.Equal(t, Unknown, o)

	d, err := c.Authorize(dev, "gw1", Request{})
	require.NoError(t, err)
	assert.True(t, d.Dispatch)
}

func TestTooManyDevices(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDevices = 2
	c, _ := newTestCache(cfg)

	for _, id := range []string{"a", "b"} {
		_, err := c.Authorize(Key{Org: "o", Type: "t", ID: id}, "gw1", Request{})
		require.NoError(t, err)
	}
	_, err := c.Authorize(Key{Org: "o", Type: "t", ID: "c"}, "gw1", Request{})
	assert.ErrorIs(t, err, ErrTooManyDevices)

	_, err = c.Authorize(Key{Org: "o", Type: "t", ID: "a"}, "gw1", Request{})
	assert.NoError(t, err, "a known device does not count twice")

	_, err = c.Authorize(Key{Org: "o", Type: "t", ID: "c"}, "gw2", Request{})
	assert.NoError(t, err, "the bound is per connection")
	assert.Equal(t, 2, c.Devices("gw1"))
}

func TestRelease(t *testing.T) {
	c, _ := newTestCache(DefaultConfig())

	_, err := c.Authorize(dev, "gw1", Request{})
	require.NoError(t, err)
	_, err = c.Authorize(dev, "gw1", Request{})
	require.NoError(t, err)

	assert.Equal(t, 2, c.Release("gw1"))
	assert.Equal(t, 0, c.Devices("gw1"))
	assert.Empty(t, c.Complete(dev, "gw1", Allowed, "").Requests)
}

func TestDeleteAndSweep(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TTL = time.Minute
	c, now := newTestCache(cfg)

	_, err := c.Authorize(dev, "gw1", Request{})
	require.NoError(t, err)
	c.Complete(dev, "gw1", Allowed, "")
	assert.True(t, c.Delete(dev))
	assert.False(t, c.Delete(dev))
	assert.Nil(t, c.Lookup(dev))

	other := Key{Org: "o", Type: "t", ID: "x"}
	_, err = c.Authorize(other, "gw1", Request{})
	require.NoError(t, err)
	assert.Equal(t, 0, c.Sweep(), "entries with queued requests stay")

	c.Complete(other, "gw1", Allowed, "")
	assert.Equal(t, 0, c.Sweep())
	*now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 0, c.Len())
}

func TestDeleteWithQueuedRequests(t *testing.T) {
	c, _ := newTestCache(DefaultConfig())

	for i := range 2 {
		_, err := c.Authorize(dev, "gw1", Request{Value: i})
		require.NoError(t, err)
	}
	assert.True(t, c.Delete(dev))
	assert.Equal(t, 1, c.Len(), "entry kept while requests are queued")

	res := c.Complete(dev, "gw1", Allowed, "")
	assert.Equal(t, Denied, res.Outcome)
	assert.Equal(t, "device deleted", res.Reason)
	require.Len(t, res.Requests, 2)
	assert.Equal(t, 0, res.Requests[0].Value)
	assert.Equal(t, 1, res.Requests[1].Value)

	o, _ := c.Check(dev, "gw1")
	assert.Equal(t, Unknown, o, "a deleted device is not cached")
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 0, c.Len())
}

func TestDeleteOnlyRevokesEarlierRequests(t *testing.T) {
	c, _ := newTestCache(DefaultConfig())

	_, err := c.Authorize(dev, "gw1", Request{})
	require.NoError(t, err)
	require.True(t, c.Delete(dev))

	d, err := c.Authorize(dev, "gw2", Request{})
	require.NoError(t, err)
	assert.True(t, d.Dispatch)

	assert.Equal(t, Denied, c.Complete(dev, "gw1", Allowed, "").Outcome)
	res := c.Complete(dev, "gw2", Allowed, "")
	assert.Equal(t, Allowed, res.Outcome)
	assert.Len(t, res.Requests, 1)
}

func TestReleaseAfterDelete(t *testing.T) {
	c, _ := newTestCache(DefaultConfig())

	_, err := c.Authorize(dev, "gw1", Request{})
	require.NoError(t, err)
	require.True(t, c.Delete(dev))
	assert.Equal(t, 1, c.Release("gw1"))
	assert.Equal(t, 1, c.Sweep())
}

func TestSweepDuringAuthorize(t *testing.T) {
	c, _ := newTestCache(DefaultConfig())

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				c.Sweep()
			}
		}
	}()

	for i := range 200 {
		key := Key{Org: "org1", Type: "sensor", ID: strconv.Itoa(i)}
		d, err := c.Authorize(key, "gw1", Request{Value: i})
		require.NoError(t, err)
		require.True(t, d.Dispatch)
		res := c.Complete(key, "gw1", Allowed, "")
		require.Len(t, res.Requests, 1, "request on %s lost", key)
	}
	close(stop)
	wg.Wait()
}

func TestEntryLocking(t *testing.T) {
	c, _ := newTestCache(DefaultConfig())

	e := c.GetOrCreate(dev)
	assert.Equal(t, dev, e.Key())
	assert.True(t, e.RecordPending("gw1", Request{}))
	assert.False(t, e.RecordPending("gw1", Request{}))
	e.Unlock()

	e = c.Lookup(dev)
	require.NotNil(t, e)
	assert.True(t, e.HasPending("gw1"))
	assert.Len(t, e.TakePending("gw1"), 2)
	e.Unlock()
}
