// Copyright (c) 2021 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package httpserver

import (
	"net/http"
	"testing"
)

// newTestRequest returns a request suitable for driving the work queue and
// registry directly in tests, bypassing the HTTP layer.
func newTestRequest(method, uri string) *Request {
	return &Request{
		method:      method,
		uri:         uri,
		header:      make(http.Header),
		peerAddr:    "127.0.0.1",
		replyHeader: make(http.Header),
		replyReady:  make(chan struct{}),
	}
}

// newTestServer initializes a server bound to ephemeral loopback ports with
// the given worker and queue sizing.  The returned cleanup function tears the
// server down.
func newTestServer(t *testing.T, threads, queueDepth int) (*Server, func()) {
	t.Helper()

	s, err := New(&Config{
		Threads:    threads,
		QueueDepth: queueDepth,
	})
	if err != nil {
		t.Fatalf("unable to initialize server: %v", err)
	}
	cleanup := func() {
		if err := s.Stop(); err != nil {
			t.Errorf("unable to stop server: %v", err)
		}
	}
	return s, cleanup
}
