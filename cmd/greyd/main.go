// Command greyd is a greylisting SMTP tarpit daemon: it accepts SMTP
// connections, greylists unseen (ip, helo, from, to) tuples, tarpits known
// spammers with a stuttered reply, and pushes the resulting whitelist and
// trap membership to a firewall driver, optionally replicated to peer
// instances over the sync protocol.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/helioloureiro/greyd/internal/config"
	"github.com/helioloureiro/greyd/internal/logging"
)

func main() {
	var (
		configPath = flag.String("config", "/etc/greyd/greyd.conf", "path to the HCL configuration file")
		listenAddr = flag.String("listen", ":25", "address to accept SMTP connections on")
		metricsAddr = flag.String("metrics-listen", ":9325", "address to expose Prometheus metrics on, empty to disable")
		scanInterval = flag.Duration("scan-interval", time.Minute, "how often to run the expiry/promotion scan")
		shutdownGrace = flag.Duration("shutdown-grace", 10*time.Second, "how long to wait for in-flight sessions to finish on SIGTERM")
		logLevel = flag.String("log-level", "info", "log level: debug, info, warn, error")
		printConfig = flag.Bool("print-config", false, "load and print the effective configuration, then exit")
	)
	flag.Parse()

	log := logging.New(logging.Config{
		Level:      parseLevel(*logLevel),
		Output:     os.Stderr,
		ReportTime: true,
		Prefix:     "greyd",
	})

	if *printConfig {
		cfg, err := config.LoadFile(*configPath)
		if err != nil {
			log.Error("greyd: fatal", "error", err)
			os.Exit(1)
		}
		os.Stdout.Write(config.Dump(*cfg))
		return
	}

	if err := run(log, *configPath, *listenAddr, *metricsAddr, *scanInterval, *shutdownGrace); err != nil {
		log.Error("greyd: fatal", "error", err)
		os.Exit(1)
	}
}

func parseLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

func run(log *logging.Logger, configPath, listenAddr, metricsAddr string, scanInterval, shutdownGrace time.Duration) error {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("greyd: load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := newServer(ctx, *cfg, log)
	if err != nil {
		return fmt.Errorf("greyd: initialize: %w", err)
	}

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("greyd: listen on %s: %w", listenAddr, err)
	}
	log.Info("greyd: accepting connections", "addr", listenAddr)

	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		if err := srv.registerMetrics(reg); err != nil {
			return fmt.Errorf("greyd: register metrics: %w", err)
		}
		go serveMetrics(log, metricsAddr, reg)
	}

	go srv.runScanLoop(ctx, scanInterval)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.serveListener(ctx, ln) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)

	for {
		select {
		case err := <-serveErr:
			cancel()
			srv.shutdown(shutdownGrace)
			return err
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				log.Info("greyd: received SIGHUP, reloading configuration")
				if err := srv.reload(configPath); err != nil {
					log.Warn("greyd: reload failed", "error", err)
				}
			case syscall.SIGTERM, syscall.SIGINT:
				log.Info("greyd: received shutdown signal, draining connections")
				cancel()
				srv.shutdown(shutdownGrace)
				return nil
			}
		}
	}
}

func serveMetrics(log *logging.Logger, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}
	log.Info("greyd: metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Warn("greyd: metrics server error", "error", err)
	}
}
