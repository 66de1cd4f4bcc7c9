package main

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/helioloureiro/greyd/internal/audit"
	"github.com/helioloureiro/greyd/internal/blacklist"
	"github.com/helioloureiro/greyd/internal/conn"
	"github.com/helioloureiro/greyd/internal/config"
	"github.com/helioloureiro/greyd/internal/db"
	"github.com/helioloureiro/greyd/internal/db/memory"
	"github.com/helioloureiro/greyd/internal/db/sqlite"
	"github.com/helioloureiro/greyd/internal/firewall"
	"github.com/helioloureiro/greyd/internal/grey"
	"github.com/helioloureiro/greyd/internal/logging"
	"github.com/helioloureiro/greyd/internal/metrics"
	greysync "github.com/helioloureiro/greyd/internal/sync"
)

// server holds every long-lived subsystem assembled from a Config, plus
// the pieces (registry, listener) that a SIGHUP reload or SIGTERM drain
// needs to reach directly.
type server struct {
	cfg      config.Config
	log      *logging.Logger
	audit    *audit.Logger
	metrics  *metrics.Metrics
	registry *blacklist.Registry

	driver db.Driver
	grey   *grey.Engine
	pipe   *grey.Pipe
	sync   *greysync.Engine
	fw     firewall.Driver

	mu       sync.Mutex
	listener net.Listener
	active   sync.WaitGroup

	// clients and blackClients track live connections against
	// config.FirewallConfig's MaxCons/MaxBlack caps (spec §4.2 "Resource
	// caps"), mirroring the original's gs.clients/gs.black_clients.
	clients      atomic.Int64
	blackClients atomic.Int64
}

// newServer wires every subsystem from cfg. The database driver is opened
// and the initial blacklist set is built before returning, so a caller can
// treat a non-nil error as "never started".
func newServer(ctx context.Context, cfg config.Config, log *logging.Logger) (*server, error) {
	s := &server{
		cfg:     cfg,
		log:     log,
		audit:   audit.NewLogger(log),
		metrics: metrics.New(),
	}

	durations, err := cfg.Grey.Durations()
	if err != nil {
		return nil, fmt.Errorf("greyd: resolve grey durations: %w", err)
	}

	driver, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	s.driver = driver

	lists, err := config.BuildBlacklists(cfg.Blacklists)
	if err != nil {
		return nil, fmt.Errorf("greyd: build blacklists: %w", err)
	}
	s.registry = blacklist.NewRegistry()
	s.registry.Reload(lists)

	fw, err := openFirewall(cfg.Firewall, log)
	if err != nil {
		return nil, err
	}
	s.fw = fw

	syncEngine, err := greysync.New(toSyncConfig(cfg.Sync), log)
	if err != nil {
		return nil, fmt.Errorf("greyd: configure sync engine: %w", err)
	}
	if syncEngine != nil {
		if err := syncEngine.Start(); err != nil {
			return nil, fmt.Errorf("greyd: start sync engine: %w", err)
		}
	}
	s.sync = syncEngine

	sink := &firewall.Sink{
		Driver: s.fw,
		Sync:   s.sync,
		Name:   cfg.Grey.TraplistName,
		Msg:    cfg.Grey.TraplistMessage,
	}

	greyCfg := grey.Config{
		PassTime:     durations.PassTime,
		GreyExpiry:   durations.GreyExpiry,
		WhiteExp:     durations.WhiteExp,
		TrapExpiry:   durations.TrapExpiry,
		LowPrioMX:    cfg.LowPrioMX,
		Domains:      cfg.Grey.PermittedDomains,
		UseDBDomains: cfg.Grey.DBPermittedDomains,
	}
	s.grey = grey.New(s.driver, greyCfg, log, s.audit, sink)
	s.pipe = grey.NewPipe(s.grey, log, 256)
	go func() {
		if err := s.pipe.Run(ctx); err != nil && ctx.Err() == nil {
			log.Warn("grey: pipe reader exited", "error", err)
		}
	}()

	if s.sync != nil {
		bridge := &greysync.Bridge{Handler: s.pipe, Log: log}
		go func() {
			if err := s.sync.Run(ctx, bridge); err != nil && ctx.Err() == nil {
				log.Warn("sync: run loop exited", "error", err)
			}
		}()
	}

	return s, nil
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (db.Driver, error) {
	var d db.Driver
	switch cfg.Driver {
	case "memory":
		d = memory.New()
	case "sqlite", "":
		d = sqlite.New(cfg.Path)
	default:
		return nil, fmt.Errorf("greyd: unknown database driver %q", cfg.Driver)
	}
	if err := d.Open(ctx); err != nil {
		return nil, fmt.Errorf("greyd: open database: %w", err)
	}
	return d, nil
}

func openFirewall(cfg config.FirewallConfig, log *logging.Logger) (firewall.Driver, error) {
	switch cfg.Driver {
	case "noop":
		return firewall.NoopDriver{}, nil
	case "nftables", "":
		return firewall.NewNFTablesDriver(cfg.Table, log)
	default:
		return nil, fmt.Errorf("greyd: unknown firewall driver %q", cfg.Driver)
	}
}

func toSyncConfig(cfg config.SyncConfig) greysync.Config {
	return greysync.Config{
		Enable:        cfg.Enable,
		Port:          cfg.Port,
		Hosts:         cfg.Hosts,
		Iface:         cfg.Iface,
		MulticastAddr: cfg.MCastAddress,
		TTL:           cfg.TTL,
		Verify:        cfg.Verify,
		KeyPath:       cfg.Key,
		BindAddress:   cfg.BindAddress,
	}
}

// emitter adapts *grey.Pipe to internal/conn's EventEmitter, the seam the
// connection engine uses to hand off a completed (ip, helo, from, to)
// tuple without importing internal/grey directly.
type emitter struct{ pipe *grey.Pipe }

func (e emitter) EmitGrey(ctx context.Context, ip, helo, from, to string) error {
	return e.pipe.EmitGrey(ctx, ip, helo, from, to)
}

// connConfig translates the daemon's Config into the connection engine's
// narrower Config.
func (s *server) connConfig() conn.Config {
	stutter, _ := time.ParseDuration(s.cfg.Grey.Stutter)
	return conn.Config{
		Hostname: s.cfg.Hostname,
		Banner:   s.cfg.Banner,
		Stutter:  stutter,
		Timeout:  30 * time.Second,
		MaxCons:  s.cfg.Firewall.MaxCons,
		MaxBlack: s.cfg.Firewall.MaxBlack,
	}
}

// serveListener runs the accept loop until the listener is closed or ctx
// is cancelled, spawning one goroutine per accepted connection and tracking
// it in s.active so Shutdown can drain in-flight sessions.
func (s *server) serveListener(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	ccfg := s.connConfig()
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		s.active.Add(1)
		go func() {
			defer s.active.Done()
			s.handleConn(ctx, c, ccfg)
		}()
	}
}

func (s *server) handleConn(ctx context.Context, c net.Conn, ccfg conn.Config) {
	defer c.Close()

	if ccfg.MaxCons > 0 && s.clients.Load() >= int64(ccfg.MaxCons) {
		s.log.Warn("greyd: refusing connection, max_cons reached", "remote", c.RemoteAddr(), "max_cons", ccfg.MaxCons)
		return
	}
	s.clients.Add(1)
	defer s.clients.Add(-1)

	session, err := conn.New(c, ccfg, s.registry, emitter{pipe: s.pipe}, s.log)
	if err != nil {
		s.log.Warn("greyd: reject connection", "remote", c.RemoteAddr(), "error", err)
		return
	}

	if session.Blacklisted() {
		black := s.blackClients.Add(1)
		defer s.blackClients.Add(-1)
		if ccfg.MaxBlack > 0 && black > int64(ccfg.MaxBlack) {
			s.log.Debug("greyd: max_black reached, demoting stutter", "remote", c.RemoteAddr(), "max_black", ccfg.MaxBlack)
			session.DemoteStutter()
		}
	}

	s.metrics.ActiveConnections.Inc()
	defer s.metrics.ActiveConnections.Dec()

	if err := session.Serve(ctx); err != nil {
		s.log.Warn("greyd: session ended with error", "remote", c.RemoteAddr(), "error", err)
	}

	outcome := "greylist"
	if session.Blacklisted() {
		outcome = "tarpit"
		s.metrics.BlacklistedConns.Inc()
	}
	s.metrics.ConnectionsTotal.WithLabelValues(outcome).Inc()
}

// runScanLoop periodically applies the expiry/promotion scan until ctx is
// cancelled (spec §4.4's periodic reader-side scan).
func (s *server) runScanLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if _, err := s.grey.ScanOnce(ctx); err != nil {
				s.log.Warn("greyd: scan pass failed", "error", err)
			}
			s.metrics.ScanDuration.Observe(time.Since(start).Seconds())
		}
	}
}

// reload rebuilds the blacklist registry from a freshly loaded config file,
// leaving every other subsystem untouched (spec §6's SIGHUP contract).
func (s *server) reload(path string) error {
	cfg, err := config.LoadFile(path)
	if err != nil {
		s.metrics.ObserveReload(false)
		return err
	}
	lists, err := config.BuildBlacklists(cfg.Blacklists)
	if err != nil {
		s.metrics.ObserveReload(false)
		return err
	}
	s.registry.Reload(lists)
	s.cfg = *cfg
	s.metrics.ObserveReload(true)
	s.log.Info("greyd: reloaded configuration", "blacklists", len(lists))
	return nil
}

// shutdown closes the listener and waits up to grace for in-flight
// sessions to finish on their own.
func (s *server) shutdown(grace time.Duration) {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		s.log.Warn("greyd: shutdown grace period elapsed with sessions still active")
	}

	if s.driver != nil {
		if err := s.driver.Close(); err != nil {
			s.log.Warn("greyd: close database", "error", err)
		}
	}
	if s.sync != nil {
		if err := s.sync.Stop(); err != nil {
			s.log.Warn("greyd: stop sync engine", "error", err)
		}
	}
}

func (s *server) registerMetrics(reg *prometheus.Registry) error {
	return s.metrics.Register(reg)
}
