package main

import (
	"context"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/neovim/go-client/nvim"

	"copilotd/auth"
	"copilotd/cache"
	"copilotd/client/copilot"
	"copilotd/config"
	"copilotd/editor"
	"copilotd/engine"
	"copilotd/logger"
	"copilotd/metrics"
)

type Daemon struct {
	config      config.Config
	telemetry   *metrics.Provider
	engine      *engine.Engine
	hub         *editor.Hub
	listener    net.Listener
	socketPath  string
	pidPath     string
	clientCount int64
	ctx         context.Context
	cancel      context.CancelFunc
}

func NewDaemon(cfg config.Config) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	telemetry, err := metrics.Setup(ctx, metrics.Config{
		ServiceName:   "copilotd",
		EnableMetrics: cfg.Telemetry.Metrics,
		EnableTraces:  cfg.Telemetry.Traces,
		PropagateHTTP: cfg.Telemetry.Propagate,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	instruments := telemetry.Instruments()

	creds := auth.NewStatic(cfg.Auth.Token, cfg.Auth.TokenEnv, cfg.Server.DataDir)
	cc := cfg.Completion
	builder := copilot.NewBuilder(copilot.BuilderConfig{
		URL:                 cc.URL,
		Organization:        cfg.Auth.Organization,
		EditorVersion:       cfg.Editor.Version,
		EditorPluginVersion: cfg.Editor.PluginVersion,
		Intent:              cfg.Editor.Intent,
		MaxTokens:           cc.MaxTokens,
		Temperature:         cc.Temperature,
		TopP:                cc.TopP,
		N:                   cc.N,
		Stop:                cc.Stop,
		NWO:                 cc.NWO,
		PathPrefix:          cc.PathPrefix,
		Compress:            cc.Compress,
		MaxPromptTokens:     cc.MaxPromptTokens,
		MaxSuffixTokens:     cc.MaxSuffixTokens,
	}, creds, instruments)
	fetcher := copilot.NewFetcher(&http.Client{}, cc.Timeout())

	eng := engine.NewEngine(builder, fetcher, engine.EngineConfig{
		Debounce: cc.Debounce(),
		Cache: cache.Options{
			TTL:      cfg.Cache.TTL(),
			MaxLines: uint64(cfg.Cache.MaxLines),
			Policy:   cfg.Cache.Invalidation,
		},
		Metrics: instruments,
	})
	logger.Info("session %s, machine %s", builder.SessionID(), creds.MachineID())

	return &Daemon{
		config:     cfg,
		telemetry:  telemetry,
		engine:     eng,
		hub:        editor.NewHub(ctx, eng),
		socketPath: getSocketPath(),
		pidPath:    getPidPath(),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

func (d *Daemon) Start() error {
	// Setup logging and PID management
	d.writePidFile()
	defer d.removePidFile()

	// Setup socket
	if err := d.setupSocket(); err != nil {
		return err
	}
	defer d.cleanup()

	log.Printf("daemon listening on socket: %s", d.socketPath)

	// Start engine
	d.engine.Start(d.ctx)

	// Setup shutdown handling
	d.setupShutdownHandling()

	// Start connection handling
	go d.acceptConnections()

	// Start idle monitoring
	go d.monitorIdleShutdown()

	// Wait for shutdown
	<-d.ctx.Done()
	log.Printf("daemon shutting down with %d open documents, %d pending requests", d.engine.Documents(), d.engine.Pending())
	d.engine.Stop()
	d.hub.Wait()
	d.flushTelemetry()
	return nil
}

func (d *Daemon) setupSocket() error {
	// Remove existing socket
	os.Remove(d.socketPath)

	// Listen on Unix socket
	listener, err := net.Listen("unix", d.socketPath)
	if err != nil {
		return err
	}
	d.listener = listener
	return nil
}

func (d *Daemon) setupShutdownHandling() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("received shutdown signal")
		d.Stop()
	}()
}

func (d *Daemon) acceptConnections() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-d.ctx.Done():
				return // Server is shutting down
			default:
				log.Printf("error accepting connection: %v", err)
				continue
			}
		}

		atomic.AddInt64(&d.clientCount, 1)
		log.Printf("new client connected, total clients: %d", atomic.LoadInt64(&d.clientCount))
		go d.handleConnection(conn)
	}
}

func (d *Daemon) handleConnection(conn net.Conn) {
	defer conn.Close()
	defer func() {
		atomic.AddInt64(&d.clientCount, -1)
		log.Printf("client disconnected, remaining clients: %d", atomic.LoadInt64(&d.clientCount))
	}()

	// Create Neovim client from the connection
	n, err := nvim.New(conn, conn, conn, log.Printf)
	if err != nil {
		log.Printf("error creating nvim client: %v", err)
		return
	}

	bridge, err := d.hub.Attach(n)
	if err != nil {
		logger.Error("error attaching editor: %v", err)
		return
	}
	defer d.hub.Detach(bridge)

	// Serve this connection until it closes or context is done
	select {
	case <-d.ctx.Done():
		return
	default:
		if err := n.Serve(); err != nil && err != io.EOF {
			log.Printf("error serving connection: %v", err)
		}
	}
}

func (d *Daemon) monitorIdleShutdown() {
	idle := d.config.Server.IdleShutdown()
	if idle == 0 {
		return
	}

	idleTimer := time.NewTimer(idle)
	defer idleTimer.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-idleTimer.C:
			if atomic.LoadInt64(&d.clientCount) == 0 {
				log.Printf("no clients connected for %s, shutting down daemon", idle)
				d.Stop()
				return
			}
			logger.Debug("idle check: %d open documents, %d pending requests", d.engine.Documents(), d.engine.Pending())
		}
		idleTimer.Reset(idle)
	}
}

func (d *Daemon) Stop() {
	if d.listener != nil {
		d.listener.Close()
	}
	d.cancel()
}

// flushTelemetry logs the counters of this run and shuts the providers down
func (d *Daemon) flushTelemetry() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	totals, err := d.telemetry.Totals(ctx)
	if err != nil {
		logger.Warn("error collecting metrics: %v", err)
	}
	names := make([]string, 0, len(totals))
	for name := range totals {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		logger.Info("metric %s = %d", name, totals[name])
	}

	if err := d.telemetry.Shutdown(ctx); err != nil {
		logger.Warn("error shutting down telemetry: %v", err)
	}
}

func (d *Daemon) cleanup() {
	os.Remove(d.socketPath)
}

func (d *Daemon) writePidFile() {
	pid := os.Getpid()
	err := os.WriteFile(d.pidPath, []byte(strconv.Itoa(pid)), 0644)
	if err != nil {
		log.Printf("warning: could not write PID file: %v", err)
	}
	log.Printf("server started with PID %d", pid)
}

func (d *Daemon) removePidFile() {
	if err := os.Remove(d.pidPath); err != nil && !os.IsNotExist(err) {
		log.Printf("warning: could not remove PID file: %v", err)
	}
}
