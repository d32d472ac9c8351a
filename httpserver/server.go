// Copyright (c) 2021 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package httpserver provides the concurrent HTTP front-end of the RPC
// service runtime: it binds the configured listening sockets, gates incoming
// requests against an address allow list and the supported method set, routes
// them through an ordered path-handler registry, and executes the matched
// handlers on a bounded pool of worker goroutines fed by a backpressured work
// queue.  Replies always flow back through the goroutine owning the
// connection, never from a worker.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	golog "log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// maxRequestHeaderSize is the maximum combined size of the request line
	// and all request headers the server accepts.
	maxRequestHeaderSize = 8192

	// defaultMaxBodySize is the maximum request body size accepted when the
	// config does not override it.
	defaultMaxBodySize = 32 << 20 // 32 MiB

	// defaultTimeout is the connection inactivity timeout applied when the
	// config does not override it.
	defaultTimeout = 30 * time.Second

	// defaultThreads is the number of work queue workers spawned when the
	// config does not override it.
	defaultThreads = 4

	// defaultQueueDepth is the work queue capacity used when the config
	// does not override it.
	defaultQueueDepth = 16

	// shutdownTimeout is how long Stop waits for the HTTP layer to finish
	// in-flight writes before forcibly closing the remaining connections.
	shutdownTimeout = 2 * time.Second
)

// Config encompasses the caller-supplied knobs of the HTTP front-end.  The
// zero value of every optional field is replaced by its documented default
// during initialization.
type Config struct {
	// Listeners is the set of interfaces to bind in host[:port] form,
	// taken from -rpcbind.  Entries lacking a port use RPCPort.  The set
	// is ignored, with a warning, unless AllowIPs is non-empty so a bind
	// can never implicitly expose the server beyond loopback.
	Listeners []string

	// AllowIPs is the set of additional subnets allowed to contact the
	// server, taken from -rpcallowip.  Each entry must be an IP address or
	// CIDR subnet.  Loopback peers are always allowed.
	AllowIPs []string

	// RPCPort is the port applied to listen addresses without an explicit
	// one.
	RPCPort uint16

	// TLS must be false.  The server does not terminate TLS and refuses to
	// start when it is requested.
	TLS bool

	// Threads is the number of work queue workers.  Values below one are
	// raised to one; zero selects the default of 4.
	Threads int

	// QueueDepth is the work queue capacity.  Values below one are raised
	// to one; zero selects the default of 16.
	QueueDepth int

	// Timeout is the connection inactivity timeout.  Zero selects the
	// default of 30 seconds.
	Timeout time.Duration

	// MaxBodySize caps the size of accepted request bodies.  Zero selects
	// the default of 32 MiB.
	MaxBodySize int64

	// QueueStatsTicker optionally signals when the server should log a
	// snapshot of the work queue depth.  No snapshots are logged when nil.
	QueueStatsTicker ticker.Ticker
}

// Server is the HTTP front-end of the RPC service runtime.  Its lifecycle is
// phase driven: New performs initialization and binds the listeners, Start
// spawns the serving and worker goroutines, Interrupt detaches the listeners
// and rejects further work, and Stop joins everything and frees the queue.
type Server struct {
	started     int32 // accessed atomically
	interrupted int32 // accessed atomically
	shutdown    int32 // accessed atomically

	cfg       Config
	acl       *accessList
	registry  *handlerRegistry
	workQueue *workQueue

	httpServer *http.Server
	listeners  []net.Listener

	quit chan struct{}
	wg   sync.WaitGroup
}

// New initializes a server from the given config: it builds the access list,
// selects and binds the listen addresses, and creates the work queue.  No
// goroutines are spawned until Start.  Initialization fails when TLS is
// requested, when an allow list entry is malformed, or when not a single
// listen address could be bound.
func New(cfg *Config) (*Server, error) {
	if cfg.TLS {
		return nil, errors.New("SSL termination is not supported, " +
			"-rpcssl must not be set")
	}

	s := &Server{
		cfg:      *cfg,
		registry: &handlerRegistry{},
		quit:     make(chan struct{}),
	}
	if s.cfg.Threads == 0 {
		s.cfg.Threads = defaultThreads
	}
	if s.cfg.Threads < 1 {
		s.cfg.Threads = 1
	}
	if s.cfg.QueueDepth == 0 {
		s.cfg.QueueDepth = defaultQueueDepth
	}
	if s.cfg.QueueDepth < 1 {
		s.cfg.QueueDepth = 1
	}
	if s.cfg.Timeout == 0 {
		s.cfg.Timeout = defaultTimeout
	}
	if s.cfg.MaxBodySize == 0 {
		s.cfg.MaxBodySize = defaultMaxBodySize
	}

	acl, err := newAccessList(s.cfg.AllowIPs)
	if err != nil {
		return nil, err
	}
	s.acl = acl

	listeners, err := buildListeners(&s.cfg)
	if err != nil {
		return nil, err
	}
	s.listeners = listeners

	s.workQueue = newWorkQueue(s.cfg.QueueDepth)

	s.httpServer = &http.Server{
		Handler:           s,
		MaxHeaderBytes:    maxRequestHeaderSize,
		ReadHeaderTimeout: s.cfg.Timeout,
		IdleTimeout:       s.cfg.Timeout,
		ErrorLog:          golog.New(httpLogAdapter{}, "", 0),
	}

	log.Tracef("HTTP server configuration: %s", newLogClosure(func() string {
		return spew.Sdump(s.cfg)
	}))

	return s, nil
}

// buildListeners selects the listen addresses per the binding policy and
// binds them, requiring at least one success.
func buildListeners(cfg *Config) ([]net.Listener, error) {
	port := fmt.Sprintf("%d", cfg.RPCPort)

	var addrs []string
	switch {
	case len(cfg.AllowIPs) == 0:
		// Without an allow list only loopback peers may connect, so
		// only loopback interfaces are bound.  An explicit bind list
		// would otherwise silently expose the server.
		if len(cfg.Listeners) > 0 {
			log.Warnf("Config option -rpcbind is ignored because " +
				"-rpcallowip was not specified, refusing to " +
				"listen on non-loopback interfaces")
		}
		addrs = []string{
			net.JoinHostPort("127.0.0.1", port),
			net.JoinHostPort("::1", port),
		}

	case len(cfg.Listeners) > 0:
		for _, addr := range cfg.Listeners {
			addrs = append(addrs, addPort(addr, port))
		}

	default:
		addrs = []string{
			net.JoinHostPort("0.0.0.0", port),
			net.JoinHostPort("::", port),
		}
	}

	netAddrs, err := parseListeners(addrs)
	if err != nil {
		return nil, err
	}

	var listeners []net.Listener
	for _, addr := range netAddrs {
		listener, err := net.Listen(addr.network, addr.address)
		if err != nil {
			log.Warnf("Can't listen on %s: %v", addr.address, err)
			continue
		}
		listeners = append(listeners, listener)
	}
	if len(listeners) == 0 {
		return nil, errors.New("unable to bind any RPC listen address")
	}
	return listeners, nil
}

// listenAddr pairs a network with a listen address so IPv4 and IPv6 wildcards
// can be bound independently.
type listenAddr struct {
	network string
	address string
}

// parseListeners splits the given listen addresses into IPv4 and IPv6 slots.
// An empty host is bound on both stacks.  Hostnames are rejected since a
// resolved bind address is ambiguous.
func parseListeners(addrs []string) ([]listenAddr, error) {
	netAddrs := make([]listenAddr, 0, len(addrs)*2)
	for _, addr := range addrs {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid listen address %q: %v",
				addr, err)
		}
		if host == "" {
			netAddrs = append(netAddrs,
				listenAddr{network: "tcp4", address: addr},
				listenAddr{network: "tcp6", address: addr})
			continue
		}

		ip := net.ParseIP(host)
		switch {
		case ip == nil:
			return nil, fmt.Errorf("%q is not a valid IP address",
				host)
		case ip.To4() != nil:
			netAddrs = append(netAddrs,
				listenAddr{network: "tcp4", address: addr})
		default:
			netAddrs = append(netAddrs,
				listenAddr{network: "tcp6", address: addr})
		}
	}
	return netAddrs, nil
}

// addPort appends the default port to the given address unless it already has
// one.
func addPort(addr, defaultPort string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, defaultPort)
}

// RegisterHandler appends a handler for the given URI prefix.  With
// exactMatch set the request URI must equal the prefix, otherwise it only
// needs to begin with it.  Registrations are consulted in insertion order and
// the first hit wins.  Handlers should be registered before Start.
func (s *Server) RegisterHandler(prefix string, exactMatch bool, handler Handler) {
	log.Debugf("Registering HTTP handler for %s (exactmatch %v)", prefix,
		exactMatch)
	s.registry.register(prefix, exactMatch, handler)
}

// UnregisterHandler removes the first handler registered for (prefix,
// exactMatch).  It is a no-op when no such registration exists.  Handlers
// should be unregistered after Interrupt.
func (s *Server) UnregisterHandler(prefix string, exactMatch bool) {
	log.Debugf("Unregistering HTTP handler for %s (exactmatch %v)", prefix,
		exactMatch)
	s.registry.unregister(prefix, exactMatch)
}

// ListenerAddrs returns the addresses of the bound listeners.  It is mostly
// useful when listening on port 0 to discover the assigned ports.
func (s *Server) ListenerAddrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, listener := range s.listeners {
		addrs = append(addrs, listener.Addr())
	}
	return addrs
}

// QueueDepth returns the current work queue depth.  The value is advisory.
func (s *Server) QueueDepth() int {
	return s.workQueue.Depth()
}

// Start spawns one serving goroutine per bound listener and the configured
// number of work queue workers.  It has no effect when called more than once.
func (s *Server) Start() {
	if atomic.AddInt32(&s.started, 1) != 1 {
		return
	}

	log.Trace("Starting HTTP server")
	for _, listener := range s.listeners {
		s.wg.Add(1)
		go func(listener net.Listener) {
			defer s.wg.Done()

			log.Infof("RPC server listening on %s", listener.Addr())
			err := s.httpServer.Serve(listener)
			if err != http.ErrServerClosed &&
				atomic.LoadInt32(&s.interrupted) == 0 {

				log.Errorf("Unable to serve RPC connections "+
					"on %s: %v", listener.Addr(), err)
			}
		}(listener)
	}

	log.Debugf("Starting %d RPC worker(s) with queue depth %d",
		s.cfg.Threads, s.cfg.QueueDepth)
	for i := 0; i < s.cfg.Threads; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.workQueue.Run()
		}()
	}

	if s.cfg.QueueStatsTicker != nil {
		s.wg.Add(1)
		go s.queueStatsHandler()
	}
}

// queueStatsHandler periodically logs a snapshot of the work queue depth
// until the server shuts down.
func (s *Server) queueStatsHandler() {
	defer s.wg.Done()

	s.cfg.QueueStatsTicker.Resume()
	defer s.cfg.QueueStatsTicker.Stop()

	for {
		select {
		case <-s.cfg.QueueStatsTicker.Ticks():
			log.Debugf("Work queue depth: %d (capacity %d)",
				s.workQueue.Depth(), s.cfg.QueueDepth)

		case <-s.quit:
			return
		}
	}
}

// Interrupt transitions the server out of the accepting phase: the bound
// listeners are detached so no new connections arrive, requests still
// in-flight on existing connections receive 503 replies, and the work queue
// stops admitting items so workers exit without starting the items still
// queued.  Handlers already running
// continue to completion and their replies are still delivered.  Interrupt is
// idempotent.
func (s *Server) Interrupt() {
	if !atomic.CompareAndSwapInt32(&s.interrupted, 0, 1) {
		return
	}

	log.Trace("Interrupting HTTP server")
	for _, listener := range s.listeners {
		if err := listener.Close(); err != nil {
			log.Warnf("Unable to close listener %s: %v",
				listener.Addr(), err)
		}
	}
	s.workQueue.Interrupt()
}

// Stop finishes the teardown started by Interrupt: it waits for all workers
// to exit, destroys the queue along with any items that never ran, and gives
// the HTTP layer a bounded window to flush in-flight replies before forcing
// the remaining connections closed.  Stop returns once every goroutine has
// been joined.
func (s *Server) Stop() error {
	if atomic.AddInt32(&s.shutdown, 1) != 1 {
		log.Info("HTTP server is already in the process of shutting down")
		return nil
	}

	log.Trace("Stopping HTTP server")
	s.Interrupt()

	s.workQueue.WaitExit()
	s.workQueue.destroy()

	// In-flight replies have all been posted at this point, so a graceful
	// shutdown normally completes well within the deadline.  Trading the
	// last few pending writes for a bounded shutdown is deliberate.
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Warnf("HTTP server did not shut down within %v: %v -- "+
			"forcing close", shutdownTimeout, err)
		if err := s.httpServer.Close(); err != nil {
			log.Warnf("Unable to close HTTP server: %v", err)
		}
	}

	close(s.quit)
	s.wg.Wait()
	log.Trace("HTTP server stopped")
	return nil
}

// ServeHTTP implements the generic request callback.  It runs on the
// connection's serving goroutine, which retains exclusive ownership of the
// socket: the request is gated, dispatched onto the work queue, and the
// goroutine then blocks until a reply is posted before performing the write
// itself.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Once interrupted, in-flight connections are answered with 503 until
	// the server stops.
	if atomic.LoadInt32(&s.interrupted) != 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	req, err := newRequest(w, r, s.cfg.MaxBodySize)
	if err != nil {
		log.Debugf("Rejecting oversized or unreadable request from "+
			"%s: %v", r.RemoteAddr, err)
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return
	}

	switch {
	// Early address-based allow check.
	case !s.acl.isAllowed(net.ParseIP(req.PeerAddr())):
		log.Warnf("Request from %s rejected: address not allowed",
			req.PeerAddr())
		log.Tracef("Rejected request headers: %s",
			newLogClosure(func() string {
				return spew.Sdump(req.header)
			}))
		req.WriteReply(http.StatusForbidden, nil)

	// Early reject unknown HTTP methods.
	case !validMethod(req.Method()):
		log.Debugf("Request from %s rejected: method %s not allowed",
			req.PeerAddr(), req.Method())
		req.WriteReply(http.StatusMethodNotAllowed, nil)

	default:
		handler, path, ok := s.registry.lookup(req.URI())
		if !ok {
			req.WriteReply(http.StatusNotFound, nil)
			break
		}

		// Ownership of the request transfers into the queue with the
		// item.  A refused enqueue keeps it here, where the
		// backpressure reply is produced.
		item := &workItem{req: req, handler: handler, path: path}
		if !s.workQueue.Enqueue(item) {
			log.Warnf("Request from %s rejected: work queue depth "+
				"%d exceeded", req.PeerAddr(), s.cfg.QueueDepth)
			req.WriteReply(http.StatusInternalServerError,
				[]byte("Work queue depth exceeded"))
		}
	}

	status, header, body := req.waitReply()
	for key, values := range header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(status)
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			log.Debugf("Unable to write reply to %s: %v",
				req.PeerAddr(), err)
		}
	}
}

// validMethod returns whether the given HTTP method is one the server
// dispatches to handlers.
func validMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodHead, http.MethodPut:
		return true
	default:
		return false
	}
}

// httpLogAdapter routes the error output of the net/http machinery into the
// package logger at debug level since it mostly reports misbehaving clients.
type httpLogAdapter struct{}

// Write implements io.Writer.
func (httpLogAdapter) Write(p []byte) (int, error) {
	log.Debugf("net/http: %s", p)
	return len(p), nil
}
