// Copyright (c) 2021 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package httpserver

import (
	"io/ioutil"
	"net"
	"net/http"
	"sync"
)

// Request represents a single in-flight HTTP exchange.  It carries the parsed
// method, URI, headers, body bytes and peer address of the underlying request
// together with the reply produced by a handler.
//
// A request is owned by exactly one goroutine at a time: the connection's
// serving goroutine hands it to a work item on enqueue and regains it when the
// reply is posted.  Exactly one reply is ever emitted per request; additional
// WriteReply calls are ignored.  The connection's serving goroutine is the
// only one that touches the socket, so posting a reply never performs I/O
// itself.  It just releases the serving goroutine to do the write.
type Request struct {
	method   string
	uri      string
	header   http.Header
	body     []byte
	peerAddr string

	mtx         sync.Mutex
	replied     bool
	status      int
	replyBody   []byte
	replyHeader http.Header

	// replyReady is closed once the reply has been posted, releasing the
	// serving goroutine blocked in the front-end to flush it.
	replyReady chan struct{}
}

// newRequest wraps an incoming HTTP request, draining its body up to the
// given limit.  The limit is enforced through the response writer so an
// oversized body terminates the read with an error rather than buffering
// without bound.
func newRequest(w http.ResponseWriter, r *http.Request, maxBody int64) (*Request, error) {
	body, err := ioutil.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		return nil, err
	}

	// RemoteAddr always carries a port for tcp connections, but fall back
	// to the raw string for transports that don't.
	peerAddr := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peerAddr); err == nil {
		peerAddr = host
	}

	return &Request{
		method:      r.Method,
		uri:         r.RequestURI,
		header:      r.Header,
		body:        body,
		peerAddr:    peerAddr,
		replyHeader: make(http.Header),
		replyReady:  make(chan struct{}),
	}, nil
}

// Method returns the HTTP method of the request.
func (r *Request) Method() string {
	return r.method
}

// URI returns the full request URI.
func (r *Request) URI() string {
	return r.uri
}

// Body returns the raw request body bytes.
func (r *Request) Body() []byte {
	return r.body
}

// PeerAddr returns the host portion of the peer's network address.
func (r *Request) PeerAddr() string {
	return r.peerAddr
}

// Header performs a case-insensitive lookup of the given request header,
// returning whether it is present along with its first value.
func (r *Request) Header(key string) (string, bool) {
	values := r.header[http.CanonicalHeaderKey(key)]
	if len(values) == 0 {
		return "", false
	}
	return values[0], true
}

// WriteHeader records a header to emit with the reply.  It has no effect once
// WriteReply has been called.
func (r *Request) WriteHeader(key, value string) {
	r.mtx.Lock()
	if !r.replied {
		r.replyHeader.Set(key, value)
	}
	r.mtx.Unlock()
}

// WriteReply posts the reply for the request and hands ownership back to the
// connection's serving goroutine, which performs the socket write.  Only the
// first call has any effect.
func (r *Request) WriteReply(status int, body []byte) {
	r.mtx.Lock()
	if r.replied {
		r.mtx.Unlock()
		return
	}
	r.replied = true
	r.status = status
	r.replyBody = body
	r.mtx.Unlock()

	close(r.replyReady)
}

// Replied returns whether a reply has been posted for the request.
func (r *Request) Replied() bool {
	r.mtx.Lock()
	replied := r.replied
	r.mtx.Unlock()
	return replied
}

// waitReply blocks until a reply has been posted and returns it.
func (r *Request) waitReply() (int, http.Header, []byte) {
	<-r.replyReady

	r.mtx.Lock()
	status, header, body := r.status, r.replyHeader, r.replyBody
	r.mtx.Unlock()
	return status, header, body
}
