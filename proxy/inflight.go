// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import "sync/atomic"

// closeBias is subtracted from the counter when the session closes. The
// counter then stays negative and reaches exactly -closeBias once every
// operation accepted before the close has finished.
const closeBias = int64(1) << 40

// inflight counts operations in progress on a session.
type inflight struct {
	n atomic.Int64
}

// acquire registers a new operation. It fails once the session is closing.
func (g *inflight) acquire() bool {
	for {
		v := g.n.Load()
		if v < 0 {
			return false
		}
		if g.n.CompareAndSwap(v, v+1) {
			return true
		}
	}
}

// release finishes an operation. It reports whether the caller finished the
// last operation of a closing session and must tear it down. ok is false
// when there was nothing to release; the counter is left unchanged.
func (g *inflight) release() (teardown, ok bool) {
	v := g.n.Add(-1)
	if v < -closeBias || v == -1 {
		g.n.Add(1)
		return false, false
	}
	return v == -closeBias, true
}

// close marks the session closing. The first call reports whether nothing
// is in flight, in which case the caller tears down immediately; later
// calls return false.
func (g *inflight) close() bool {
	for {
		v := g.n.Load()
		if v < 0 {
			return false
		}
		if g.n.CompareAndSwap(v, v-closeBias) {
			return v == 0
		}
	}
}

// count returns the number of operations in progress.
func (g *inflight) count() int64 {
	v := g.n.Load()
	if v < 0 {
		return v + closeBias
	}
	return v
}

// closing reports whether close was called.
func (g *inflight) closing() bool {
	return g.n.Load() < 0
}
