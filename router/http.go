// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/absmach/mqproxy/internal/bufpool"
	"github.com/klauspost/compress/gzip"
)

// drainLimit bounds how much of a response body is read so the connection
// can be reused.
const drainLimit = 4 << 10

// StatusError is a non-2xx endpoint answer.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("endpoint returned status %d", e.Code)
}

// Temporary reports whether the endpoint may accept the event later:
// server errors, timeouts and throttling.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests
}

// retryable reports whether a delivery error is worth another attempt.
// Transport errors are; rejections by the endpoint are not.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}

// HTTPSender posts events as JSON.
type HTTPSender struct {
	client *http.Client
}

func NewHTTPSender() *HTTPSender {
	return &HTTPSender{client: &http.Client{Timeout: 30 * time.Second}}
}

// Send posts payload to url, gzip compressed when requested.
func (s *HTTPSender) Send(ctx context.Context, url string, headers map[string]string, payload []byte, compress bool) error {
	body := payload
	if compress {
		buf := bufpool.Get()
		defer bufpool.Put(buf)
		if err := gzipTo(buf, payload); err != nil {
			return fmt.Errorf("failed to compress event: %w", err)
		}
		body = buf.Bytes()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "mqproxy")
	if compress {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post event: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, drainLimit))

	if resp.StatusCode/100 != 2 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

func gzipTo(w io.Writer, payload []byte) error {
	zw := gzip.NewWriter(w)
	if _, err := zw.Write(payload); err != nil {
		return err
	}
	return zw.Close()
}
