// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSender struct {
	mu       sync.Mutex
	count    atomic.Int32
	fail     atomic.Int32
	status   atomic.Int32
	payloads [][]byte
	urls     []string
}

func (m *mockSender) Send(_ context.Context, url string, _ map[string]string, payload []byte, _ bool) error {
	m.count.Add(1)
	if code := m.status.Load(); code != 0 {
		return &StatusError{Code: int(code)}
	}
	if m.fail.Load() > 0 {
		m.fail.Add(-1)
		return errors.New("endpoint down")
	}
	m.mu.Lock()
	m.payloads = append(m.payloads, payload)
	m.urls = append(m.urls, url)
	m.mu.Unlock()
	return nil
}

func (m *mockSender) delivered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payloads)
}

func testConfig(endpoints ...Endpoint) Config {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.QueueSize = 100
	cfg.Workers = 2
	cfg.ShutdownTimeout = time.Second
	cfg.Defaults.Retry.InitialInterval = 10 * time.Millisecond
	cfg.Endpoints = endpoints
	return cfg
}

func TestNewRouterNilSender(t *testing.T) {
	_, err := New(testConfig(), "proxy1", nil, nil)
	assert.ErrorIs(t, err, ErrNilSender)
}

func TestRouteMessage(t *testing.T) {
	sender := &mockSender{}
	r, err := New(testConfig(
		Endpoint{Name: "events", URL: "http://events", TopicFilters: []string{"iot-2/+/type/+/id/+/evt/#"}},
		Endpoint{Name: "archive", URL: "http://archive", Orgs: []string{"org2"}, Exclusive: true},
	), "proxy1", sender, nil)
	require.NoError(t, err)
	defer r.Close()

	cases := []struct {
		desc      string
		msg       Message
		toBackend bool
		routed    uint64
	}{
		{desc: "event matches filter", msg: Message{Org: "org1", Topic: "iot-2/org1/type/t/id/d/evt/e/fmt/json"}, toBackend: true, routed: 1},
		{desc: "command does not match", msg: Message{Org: "org1", Topic: "iot-2/org1/type/t/id/d/cmd/c/fmt/json"}, toBackend: true, routed: 0},
		{desc: "exclusive org endpoint", msg: Message{Org: "org2", Topic: "a/b"}, toBackend: false, routed: 1},
		{desc: "both endpoints", msg: Message{Org: "org2", Topic: "iot-2/org2/type/t/id/d/evt/e/fmt/json"}, toBackend: false, routed: 2},
	}

	var total uint64
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.toBackend, r.RouteMessage(tc.msg))
			total += tc.routed
			assert.Equal(t, total, r.Stats().Routed)
		})
	}

	assert.Eventually(t, func() bool { return sender.delivered() == 4 }, time.Second, 10*time.Millisecond)

	var env envelope
	require.NoError(t, json.Unmarshal(sender.payloads[0], &env))
	assert.Equal(t, "proxy1", env.ProxyID)
	assert.Equal(t, "message.published", env.Type)
	assert.NotEmpty(t, env.ID)
}

func TestRouteMessageRetry(t *testing.T) {
	sender := &mockSender{}
	sender.fail.Store(2)
	r, err := New(testConfig(Endpoint{Name: "ep", URL: "http://ep"}), "proxy1", sender, nil)
	require.NoError(t, err)
	defer r.Close()

	assert.True(t, r.RouteMessage(Message{Org: "o", Topic: "t", Payload: []byte("hi")}))
	assert.Eventually(t, func() bool { return sender.delivered() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), sender.count.Load())
	assert.Equal(t, uint64(1), r.Stats().Delivered)
}

func TestRouteMessageGivesUp(t *testing.T) {
	sender := &mockSender{}
	sender.fail.Store(100)
	cfg := testConfig(Endpoint{Name: "ep", URL: "http://ep"})
	cfg.Defaults.Retry.MaxAttempts = 2
	r, err := New(cfg, "proxy1", sender, nil)
	require.NoError(t, err)
	defer r.Close()

	r.RouteMessage(Message{Topic: "t"})
	assert.Eventually(t, func() bool { return r.Stats().Failed == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), sender.count.Load())
}

func TestRouteMessageRejectedNotRetried(t *testing.T) {
	sender := &mockSender{}
	sender.status.Store(http.StatusBadRequest)
	r, err := New(testConfig(Endpoint{Name: "ep", URL: "http://ep"}), "proxy1", sender, nil)
	require.NoError(t, err)
	defer r.Close()

	r.RouteMessage(Message{Topic: "t"})
	assert.Eventually(t, func() bool { return r.Stats().Failed == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), sender.count.Load())
}

func TestRetryable(t *testing.T) {
	assert.True(t, retryable(errors.New("connection refused")))
	assert.True(t, retryable(&StatusError{Code: http.StatusServiceUnavailable}))
	assert.True(t, retryable(&StatusError{Code: http.StatusTooManyRequests}))
	assert.True(t, retryable(fmt.Errorf("wrapped: %w", &StatusError{Code: http.StatusRequestTimeout})))
	assert.False(t, retryable(&StatusError{Code: http.StatusBadRequest}))
	assert.False(t, retryable(&StatusError{Code: http.StatusUnauthorized}))
}

func TestRetryDelay(t *testing.T) {
	cfg := RetryConfig{InitialInterval: time.Second, MaxInterval: 5 * time.Second, Multiplier: 2}
	assert.Equal(t, 2*time.Second, retryDelay(1, cfg))
	assert.Equal(t, 4*time.Second, retryDelay(2, cfg))
	assert.Equal(t, 5*time.Second, retryDelay(3, cfg))
}

func TestHTTPSender(t *testing.T) {
	var (
		mu       sync.Mutex
		body     []byte
		encoding string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		encoding = r.Header.Get("Content-Encoding")
		var rd io.Reader = r.Body
		if encoding == "gzip" {
			zr, err := gzip.NewReader(r.Body)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			rd = zr
		}
		body, _ = io.ReadAll(rd)
		if string(body) == "fail" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	s := NewHTTPSender()
	ctx := context.Background()

	require.NoError(t, s.Send(ctx, srv.URL, nil, []byte(`{"a":1}`), false))
	mu.Lock()
	assert.Equal(t, `{"a":1}`, string(body))
	assert.Empty(t, encoding)
	mu.Unlock()

	require.NoError(t, s.Send(ctx, srv.URL, map[string]string{"X-Key": "k"}, []byte(`{"b":2}`), true))
	mu.Lock()
	assert.Equal(t, `{"b":2}`, string(body))
	assert.Equal(t, "gzip", encoding)
	mu.Unlock()

	err := s.Send(ctx, srv.URL, nil, []byte("fail"), false)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
}
