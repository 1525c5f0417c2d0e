// Command smtpkitd is a small demo listener built on the server
// package: it accepts connections, drives a server.Engine per
// connection, and logs accepted mail. It mirrors goms's
// main.go/smtpd/control.go daemon-management shape, trimmed of the
// SIGHUP multi-listener reload dance (this package serves the
// listeners named in one config file per invocation; a configuration
// change requires a restart).
package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/sevlyar/go-daemon"

	smtpkitconfig "github.com/abligh/smtpkit/config"
	"github.com/abligh/smtpkit/grammar"
	"github.com/abligh/smtpkit/logging"
	"github.com/abligh/smtpkit/server"
	"github.com/abligh/smtpkit/session"
	"github.com/abligh/smtpkit/transaction"
	"github.com/abligh/smtpkit/transport"
)

var (
	configFile = flag.String("c", "/etc/smtpkitd.yaml", "Path to YAML config file")
	pidFile    = flag.String("p", "/var/run/smtpkitd.pid", "Path to PID file")
	sendSignal = flag.String("s", "", `Send signal to daemon ("stop")`)
	foreground = flag.Bool("f", false, "Run in foreground (not as daemon)")
	pprofFlag  = flag.Bool("pprof", false, "Expose net/http/pprof on :8080")
	tlsCert    = flag.String("tls-cert", "", "Path to TLS certificate (enables TLS)")
	tlsKey     = flag.String("tls-key", "", "Path to TLS key")
)

const envConfFile = "_SMTPKITD_CONFFILE"

func termHandler(sig os.Signal) error {
	return daemon.ErrStop
}

func main() {
	flag.Parse()

	if *pprofFlag {
		runtime.MemProfileRate = 1
		go http.ListenAndServe(":8080", nil)
	}

	bootLogger := log.New(os.Stderr, "smtpkitd:", log.LstdFlags)

	daemon.AddCommand(daemon.StringFlag(sendSignal, "stop"), syscall.SIGTERM, termHandler)
	daemon.SetSigHandler(termHandler, syscall.SIGINT)

	if daemon.WasReborn() {
		if val := os.Getenv(envConfFile); val != "" {
			*configFile = val
		}
	}

	var err error
	if *configFile, err = filepath.Abs(*configFile); err != nil {
		bootLogger.Fatalf("[CRIT] Error canonicalising config file path: %v", err)
	}

	// Parse early so a bad config fails loudly before daemonizing, when
	// stderr is still attached to a terminal.
	if _, err := smtpkitconfig.Parse(*configFile); err != nil {
		bootLogger.Fatalf("[CRIT] Cannot parse configuration file: %v", err)
	}

	if *foreground {
		run(bootLogger)
		return
	}

	os.Setenv(envConfFile, *configFile)

	d := &daemon.Context{
		PidFileName: *pidFile,
		PidFilePerm: 0644,
		Umask:       027,
	}

	if len(daemon.ActiveFlags()) > 0 {
		p, err := d.Search()
		if err != nil {
			bootLogger.Fatalf("[CRIT] Unable to send signal to the daemon: not running")
		}
		if err := daemon.SendCommands(p); err != nil {
			bootLogger.Fatalf("[CRIT] Could not deliver signal: %v", err)
		}
		return
	}

	child, err := d.Reborn()
	if err != nil {
		bootLogger.Fatalf("[CRIT] Daemonize: %v", err)
	}
	if child != nil {
		return
	}
	defer d.Release()

	run(bootLogger)
}

// run parses the configuration, opens each listener, and serves
// connections until interrupted.
func run(bootLogger *log.Logger) {
	cfg, err := smtpkitconfig.Parse(*configFile)
	if err != nil {
		bootLogger.Fatalf("[CRIT] Cannot parse configuration file: %v", err)
	}

	logger, closer, err := logging.NewLogger(logging.Config{
		File:           cfg.Logging.File,
		FileMode:       cfg.Logging.FileMode,
		SyslogFacility: cfg.Logging.SyslogFacility,
		Date:           cfg.Logging.Date,
		Time:           cfg.Logging.Time,
		Microseconds:   cfg.Logging.Microseconds,
		UTC:            cfg.Logging.UTC,
		SourceFile:     cfg.Logging.SourceFile,
	})
	if err != nil {
		bootLogger.Fatalf("[CRIT] Could not build logger: %v", err)
	}
	if closer != nil {
		defer closer.Close()
	}

	var tlsConfig *tls.Config
	if *tlsCert != "" && *tlsKey != "" {
		cert, err := tls.LoadX509KeyPair(*tlsCert, *tlsKey)
		if err != nil {
			logger.Fatalf("[CRIT] Could not load TLS keypair: %v", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	for _, l := range cfg.Listeners {
		go serveListener(logger, l, tlsConfig)
	}

	if err := daemon.ServeSignals(); err != nil {
		logger.Printf("[ERROR] ServeSignals: %v", err)
	}
	logger.Println("[INFO] Shutting down")
}

func serveListener(logger *log.Logger, l smtpkitconfig.ListenerConfig, tlsConfig *tls.Config) {
	logger.Printf("[INFO] Starting listener %s:%s", l.Protocol, l.Address)
	ln, err := net.Listen(l.Protocol, l.Address)
	if err != nil {
		logger.Printf("[ERROR] Could not listen on %s:%s: %v", l.Protocol, l.Address, err)
		return
	}
	defer ln.Close()
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}

	cfg := l.ServerConfig()
	for {
		conn, err := ln.Accept()
		if err != nil {
			logger.Printf("[ERROR] Accept failed on %s: %v", l.Address, err)
			return
		}
		go serveConn(logger, conn, cfg)
	}
}

// serveConn drives one server.Engine to completion over a single
// connection, the role goms's InboundConnection.Serve plays,
// generalized to the toolkit's non-blocking engine by letting the
// blocking Read inside Transport.Fetch pace the HandleIO loop.
func serveConn(logger *log.Logger, conn net.Conn, cfg server.Config) {
	defer conn.Close()

	t := transport.NewConn(conn)
	handlers := server.Handlers{
		OnDataComplete: func(e *server.Engine, txn *transaction.Transaction) grammar.Response {
			r, err := txn.Body.Reader()
			if err != nil {
				logger.Printf("[ERROR] Could not open spilled body: %v", err)
				return grammar.Single(451, "Local error in processing")
			}
			defer r.Close()
			logger.Printf("[INFO] Accepted message from %s to %d recipient(s), %d byte(s)",
				txn.ReversePath.Mailbox, len(txn.ForwardPaths), txn.Body.Size())
			return grammar.Single(250, fmt.Sprintf("2.0.0 OK: queued as %s", conn.RemoteAddr()))
		},
	}

	e := server.New(t, nil, cfg, handlers, logger)
	for {
		e.HandleIO()
		switch e.State() {
		case session.Quit, session.Abort:
			return
		}
	}
}
