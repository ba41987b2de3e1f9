// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/absmach/mitmqtt"
	"github.com/absmach/mitmqtt/examples/simple"
	"github.com/absmach/mitmqtt/pkg/cert"
	"github.com/absmach/mitmqtt/pkg/console"
	mperrors "github.com/absmach/mitmqtt/pkg/errors"
	"github.com/absmach/mitmqtt/pkg/handler"
	"github.com/absmach/mitmqtt/pkg/health"
	"github.com/absmach/mitmqtt/pkg/metrics"
	"github.com/absmach/mitmqtt/pkg/proxy"
	"github.com/absmach/mitmqtt/pkg/tap"
)

func main() {
	envErr := godotenv.Load()

	cfg, err := mitmqtt.NewConfig(env.Options{Prefix: mitmqtt.EnvPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %s\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	if envErr != nil {
		logger.Debug("no .env file found, using environment variables")
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New("mitmqtt", reg)

	p := proxy.New(proxy.Config{
		BrokerHost:       cfg.TargetHost,
		BrokerPort:       cfg.TargetPort,
		StoreCapacity:    cfg.StoreCapacity,
		Reassemble:       cfg.Reassemble,
		BufferSize:       cfg.BufferSize,
		DialTimeout:      cfg.DialTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
		ShutdownTimeout:  cfg.ShutdownTimeout,
		Breaker:          cfg.Breaker(),
		AcceptRate:       cfg.AcceptRate,
		AcceptBurst:      cfg.AcceptBurst,
		Handler:          handler.NewChain(metrics.NewHandler(m), simple.New(logger)),
		Metrics:          m,
		Logger:           logger,
	})

	if err := loadCredentials(p, cfg, logger); err != nil {
		logger.Error("failed to load TLS material", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := startListeners(p, cfg, logger); err != nil {
		logger.Error("failed to start proxy", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if cfg.Tap {
		unsubscribe := p.Subscribe(tap.New(nil).Observe)
		defer unsubscribe()
	}

	checker := health.NewChecker(5 * time.Second)
	checker.RegisterCritical("listeners", health.Listeners(p.Running))
	checker.Register("broker_breaker", health.Breaker(p.BreakerState))

	cs := console.New(console.Config{
		Address: cfg.ConsoleAddress,
		Checker: checker,
		Logger:  logger,
	}, p)
	g.Go(func() error {
		return cs.Serve(ctx)
	})

	if cfg.MetricsAddress != "" {
		g.Go(func() error {
			return serveMetrics(ctx, cfg.MetricsAddress, reg, logger)
		})
	}

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("mitmqtt terminated with error: %s", err))
	}

	if err := p.Stop(); err != nil && !errors.Is(err, mperrors.ErrNotRunning) {
		logger.Warn("failed to stop proxy", slog.String("error", err.Error()))
	}
	if cfg.CaptureFile != "" {
		if err := exportCapture(p, cfg.CaptureFile); err != nil {
			logger.Error("failed to export capture", slog.String("error", err.Error()))
		} else {
			logger.Info("capture exported", slog.String("file", cfg.CaptureFile))
		}
	}
	logger.Info("mitmqtt stopped")
}

func newLogger(cfg mitmqtt.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level()}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func loadCredentials(p *proxy.Proxy, cfg mitmqtt.Config, logger *slog.Logger) error {
	if cfg.GenerateCA {
		created, err := cert.EnsureCA(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return err
		}
		if created {
			logger.Info("generated CA certificate",
				slog.String("cert", cfg.CertFile),
				slog.String("key", cfg.KeyFile))
		}
	}
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		if err := p.LoadServerCredential(cfg.CertFile, cfg.KeyFile); err != nil {
			return err
		}
	}
	if trust := cfg.BrokerTrust(); trust != nil {
		if err := p.LoadBrokerTrust(*trust); err != nil {
			return err
		}
	}
	return nil
}

// startListeners starts the configured listeners. A TLS listener without a
// credential is skipped so the plain listener keeps serving.
func startListeners(p *proxy.Proxy, cfg mitmqtt.Config, logger *slog.Logger) error {
	if port, ok, _ := mitmqtt.ListenPort(cfg.Port); ok {
		if err := p.StartPlain(cfg.Host, port); err != nil {
			return err
		}
	}
	if port, ok, _ := mitmqtt.ListenPort(cfg.TLSPort); ok {
		if err := p.StartTLS(cfg.Host, port); err != nil {
			logger.Warn("TLS listener not started", slog.String("error", err.Error()))
		}
	}

	plainOn, tlsOn := p.Running()
	if !plainOn && !tlsOn {
		return errors.New("no listener configured")
	}
	return nil
}

func serveMetrics(ctx context.Context, address string, reg *prometheus.Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:         address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("metrics server started", slog.String("address", address))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// exportCapture writes the capture as pcap when file ends in .pcap and as
// JSON otherwise.
func exportCapture(p *proxy.Proxy, file string) error {
	f, err := os.Create(file)
	if err != nil {
		return err
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(file), ".pcap") {
		err = p.Store().WritePCAP(f)
	} else {
		err = p.Store().WriteJSON(f)
	}
	if err != nil {
		return err
	}
	return f.Close()
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)
	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
