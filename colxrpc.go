// Copyright (c) 2021 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// colxrpc hosts the RPC service runtime of the colx node suite: the HTTP
// front-end with its bounded work queue, and the delayed-task scheduler the
// node's maintenance subsystems post to.  The RPC, REST and health-check
// subsystems plug their handlers into the front-end through the registration
// interface; this daemon only wires the machinery together.
package main

import (
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
	"github.com/tinhnguyenhn/colxrpc/httpserver"
	"github.com/tinhnguyenhn/colxrpc/scheduler"
)

// queueStatsInterval is how often a snapshot of the work queue depth is
// logged at debug level.
const queueStatsInterval = time.Minute

// startTime records process startup so the status endpoint can report uptime.
var startTime = time.Now()

func main() {
	if err := rpcMain(); err != nil {
		os.Exit(1)
	}
}

// rpcMain is the real main function for colxrpc.  It is invoked from main so
// defers run before the process exit code is decided.
func rpcMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()
	defer log.Info("Shutdown complete")

	log.Infof("Version %s", version())

	interrupt := interruptListener()

	// The scheduler is serviced by a single goroutine.  Subsystems that
	// need serialized callbacks layer a SerialRunner on top of it.
	sched := scheduler.New()
	var schedWG sync.WaitGroup
	schedWG.Add(1)
	go func() {
		defer schedWG.Done()
		sched.ServiceQueue()
	}()

	server, err := httpserver.New(&httpserver.Config{
		Listeners:        cfg.RPCBind,
		AllowIPs:         cfg.RPCAllowIP,
		RPCPort:          cfg.RPCPort,
		TLS:              cfg.RPCSSL,
		Threads:          cfg.RPCThreads,
		QueueDepth:       cfg.RPCWorkQueue,
		Timeout:          time.Duration(cfg.RPCServerTimeout) * time.Second,
		QueueStatsTicker: ticker.New(queueStatsInterval),
	})
	if err != nil {
		log.Errorf("Unable to initialize the RPC server: %v", err)
		return err
	}

	// The status handler stands in until the RPC and REST subsystems
	// register their own endpoints.
	server.RegisterHandler("/", true, statusHandler)
	server.Start()

	// Periodic maintenance in the style of the node's ops modules.
	sched.ScheduleEvery(func() {
		count, first, _ := sched.QueueInfo()
		schdLog.Tracef("Scheduler queue: %d task(s), next deadline %v",
			count, first)
	}, queueStatsInterval)

	<-interrupt
	log.Info("Gracefully shutting down the RPC server...")

	server.Interrupt()
	server.UnregisterHandler("/", true)
	if err := server.Stop(); err != nil {
		log.Errorf("Unable to stop the RPC server: %v", err)
	}

	sched.Stop(false)
	schedWG.Wait()

	return nil
}

// statusHandler answers the root endpoint with a small readiness document so
// monitoring can probe the daemon.
func statusHandler(req *httpserver.Request, _ string) {
	status := struct {
		Version string `json:"version"`
		Uptime  int64  `json:"uptime"`
	}{
		Version: version(),
		Uptime:  int64(time.Since(startTime) / time.Second),
	}
	body, err := json.Marshal(&status)
	if err != nil {
		req.WriteReply(http.StatusInternalServerError, nil)
		return
	}
	req.WriteHeader("Content-Type", "application/json")
	req.WriteReply(http.StatusOK, body)
}
