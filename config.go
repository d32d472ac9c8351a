// Copyright (c) 2021 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "colxrpc.conf"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "colxrpc.log"
	defaultLogLevel       = "info"

	defaultRPCPort          = 51473
	defaultRPCThreads       = 4
	defaultRPCWorkQueue     = 16
	defaultRPCServerTimeout = 30
)

var (
	defaultAppDataDir = appDataDir()
	defaultConfigFile = filepath.Join(defaultAppDataDir, defaultConfigFilename)
	defaultLogDir     = filepath.Join(defaultAppDataDir, defaultLogDirname)
)

// config defines the configuration options for colxrpc.
//
// See loadConfig for details on the configuration load process.
type config struct {
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	LogDir      string `long:"logdir" description:"Directory to log output."`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`

	RPCBind          []string `long:"rpcbind" description:"Add an interface/port to listen for RPC connections (default port: 51473).  Ignored unless -rpcallowip is also specified"`
	RPCAllowIP       []string `long:"rpcallowip" description:"Allow RPC connections from the specified source, an IP address or a network in CIDR notation.  Loopback clients are always allowed"`
	RPCPort          uint16   `long:"rpcport" description:"Default port used for RPC listen addresses without one"`
	RPCThreads       int      `long:"rpcthreads" description:"Number of worker goroutines servicing RPC calls"`
	RPCWorkQueue     int      `long:"rpcworkqueue" description:"Maximum depth of the RPC work queue"`
	RPCServerTimeout uint     `long:"rpcservertimeout" description:"Number of seconds an RPC connection may remain idle"`
	RPCSSL           bool     `long:"rpcssl" description:"Accept RPC connections over SSL (unsupported, must not be set)"`
}

// appDataDir returns the default data directory for colxrpc.
func appDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".colxrpc")
}

// cleanAndExpandPath expands environment variables and leading ~ in the passed
// path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = strings.Replace(path, "~", home, 1)
		}
	}
	return filepath.Clean(os.ExpandEnv(path))
}

// normalizeAddresses returns a new slice with all the passed peer addresses
// normalized with the given default port, and all duplicates removed.
func normalizeAddresses(addrs []string, defaultPort string) []string {
	result := make([]string, 0, len(addrs))
	seen := map[string]struct{}{}
	for _, addr := range addrs {
		addr = normalizeAddress(addr, defaultPort)
		if _, ok := seen[addr]; ok {
			continue
		}
		result = append(result, addr)
		seen[addr] = struct{}{}
	}
	return result
}

// normalizeAddress returns addr with the passed default port appended if there
// is not already a port specified.
func normalizeAddress(addr, defaultPort string) string {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return net.JoinHostPort(addr, defaultPort)
	}
	return addr
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//	1) Start with a default config with sane settings
//	2) Pre-parse the command line to check for an alternative config file
//	3) Load configuration file overwriting defaults with any specified options
//	4) Parse CLI options and overwrite/add any specified options
//
// The above results in functioning properly without any config settings while
// still allowing the user to override settings with config files and command
// line options.  Command line options always take precedence.
func loadConfig() (*config, []string, error) {
	cfg := config{
		ConfigFile:       defaultConfigFile,
		LogDir:           defaultLogDir,
		DebugLevel:       defaultLogLevel,
		RPCPort:          defaultRPCPort,
		RPCThreads:       defaultRPCThreads,
		RPCWorkQueue:     defaultRPCWorkQueue,
		RPCServerTimeout: defaultRPCServerTimeout,
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			preParser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Show the version and exit if the version flag was specified.
	funcName := "loadConfig"
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version())
		os.Exit(0)
	}

	// Load additional config from file.
	parser := flags.NewParser(&cfg, flags.Default)
	configFilePath := cleanAndExpandPath(preCfg.ConfigFile)
	err = flags.NewIniParser(parser).ParseFile(configFilePath)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return nil, nil, err
		}
		// Missing config file is only an error when one was explicitly
		// specified on the command line.
		if preCfg.ConfigFile != defaultConfigFile {
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %v", funcName, err.Error())
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	// The worker pool and queue minimums mirror what the server enforces
	// so the effective values show up in the log.
	if cfg.RPCThreads < 1 {
		log.Warnf("Config option rpcthreads raised to the minimum of 1")
		cfg.RPCThreads = 1
	}
	if cfg.RPCWorkQueue < 1 {
		log.Warnf("Config option rpcworkqueue raised to the minimum of 1")
		cfg.RPCWorkQueue = 1
	}

	defaultPort := fmt.Sprintf("%d", cfg.RPCPort)
	cfg.RPCBind = normalizeAddresses(cfg.RPCBind, defaultPort)

	return &cfg, remainingArgs, nil
}
