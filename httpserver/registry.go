// Copyright (c) 2021 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package httpserver

import (
	"strings"
	"sync"
)

// Handler is a collaborator-supplied callable invoked by a work queue worker
// to produce a reply for a dispatched request.  The path argument carries the
// portion of the request URI remaining after the matched registration prefix.
//
// A handler must eventually call WriteReply on the request.  One that returns
// without doing so causes the server to synthesize an internal error reply on
// its behalf.
type Handler func(req *Request, path string)

// pathHandler associates a URI prefix with a handler.  When exactMatch is set
// the request URI must equal the prefix, otherwise it only needs to begin with
// it.
type pathHandler struct {
	prefix     string
	exactMatch bool
	handler    Handler
}

// handlerRegistry maps request URIs to handlers.  Registrations form an
// ordered sequence consulted in insertion order with the first hit winning.
//
// Handlers are expected to be registered before Start and unregistered after
// Interrupt, but the registry takes its own lock regardless so a collaborator
// that mutates it mid-flight races on registration order at worst.
type handlerRegistry struct {
	mtx      sync.Mutex
	handlers []pathHandler
}

// register appends a handler record to the registry.
func (r *handlerRegistry) register(prefix string, exactMatch bool, handler Handler) {
	r.mtx.Lock()
	r.handlers = append(r.handlers, pathHandler{
		prefix:     prefix,
		exactMatch: exactMatch,
		handler:    handler,
	})
	r.mtx.Unlock()
}

// unregister removes the first record matching (prefix, exactMatch).  It is a
// no-op if no such record exists.
func (r *handlerRegistry) unregister(prefix string, exactMatch bool) {
	r.mtx.Lock()
	for i, ph := range r.handlers {
		if ph.prefix == prefix && ph.exactMatch == exactMatch {
			r.handlers = append(r.handlers[:i], r.handlers[i+1:]...)
			break
		}
	}
	r.mtx.Unlock()
}

// lookup returns the first registered handler matching the given URI along
// with the portion of the URI remaining after the matched prefix.  The boolean
// return is false when no registration matches.
func (r *handlerRegistry) lookup(uri string) (Handler, string, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	for _, ph := range r.handlers {
		if ph.exactMatch {
			if uri == ph.prefix {
				return ph.handler, "", true
			}
			continue
		}
		if strings.HasPrefix(uri, ph.prefix) {
			return ph.handler, uri[len(ph.prefix):], true
		}
	}
	return nil, "", false
}
