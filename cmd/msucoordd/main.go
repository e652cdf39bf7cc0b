// Copyright 2025 The msucoord Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command msucoordd runs the MSU combination-coordination daemon: it
// resolves the local unit against the configured roster, joins the peer
// mesh and serves metrics and health endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gridworks/msucoord/combine"
	"github.com/gridworks/msucoord/config"
	"github.com/gridworks/msucoord/event"
	"github.com/gridworks/msucoord/internal/telemetry"
	"github.com/gridworks/msucoord/msu"
	"github.com/gridworks/msucoord/transport"
)

func main() {
	var (
		configPath = flag.String("config", "msucoord.yaml", "path to the roster configuration")
		httpAddr   = flag.String("http", ":9090", "address for the metrics/health endpoint")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	log, err := buildLogger(*debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(*configPath, *httpAddr, log); err != nil {
		log.Fatal("daemon failed", zap.Error(err))
	}
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(configPath, httpAddr string, log *zap.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	identity, err := resolveLocalIdentity(cfg, log)
	if err != nil {
		return err
	}
	log.Info("local identity resolved",
		zap.String("uid", identity.UID),
		zap.String("name", identity.Name),
		zap.Int("x", identity.X),
		zap.Int("y", identity.Y),
		zap.String("zone", identity.ZoneID))

	bus := event.NewBus()
	bus.Subscribe(func(ev event.Event) {
		switch ev.Kind {
		case event.AdjacentAvailabilityChanged:
			log.Info("adjacent unit availability changed",
				zap.String("uid", ev.UID),
				zap.Bool("available", ev.Available),
				zap.String("type", string(ev.CombinationType)))
		case event.CombinationChanged:
			log.Info("combination changed",
				zap.String("type", string(ev.CombinationType)),
				zap.Int("members", len(ev.Members)))
		}
	})

	tr, err := transport.New(transport.Config{
		Identity:          identity,
		Peers:             cfg.Peers(identity.UID),
		ListenAddr:        fmt.Sprintf(":%d", cfg.ListenPort),
		DiscoveryInterval: cfg.DiscoveryInterval.Std(),
		HeartbeatInterval: cfg.HeartbeatInterval.Std(),
		ConnectionTimeout: cfg.ConnectionTimeout.Std(),
		Bus:               bus,
		Logger:            log,
	})
	if err != nil {
		return err
	}

	sm := combine.NewStateMachine(identity, tr, bus, log)
	combine.NewCoordinator(identity, sm, tr, bus, log)

	if err := tr.Start(); err != nil {
		return err
	}
	defer tr.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: httpAddr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("serving metrics", zap.String("addr", httpAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info("shutting down")
	return err
}

// resolveLocalIdentity matches the host's hardware addresses against the
// roster, falling back to a synthetic standalone identity when nothing
// matches.
func resolveLocalIdentity(cfg *config.Config, log *zap.Logger) (msu.Identity, error) {
	addrs, err := msu.LocalHardwareAddrs()
	if err != nil {
		return msu.Identity{}, err
	}
	roster := cfg.Roster()
	for _, addr := range addrs {
		if id, err := msu.Resolve(addr, roster); err == nil {
			return id, nil
		}
	}
	if len(addrs) == 0 {
		return msu.Identity{}, fmt.Errorf("no usable network interface found")
	}
	log.Warn("no roster entry for local hardware, running standalone",
		zap.Strings("addrs", addrs))
	return msu.Standalone(addrs[0]), nil
}
