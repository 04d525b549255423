package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"gtpud/internal/config"
	"gtpud/internal/control"
	"gtpud/internal/logging"
	"gtpud/internal/registry"
	"gtpud/internal/supervisor"
)

func main() {
	cfgPath := flag.String("config", "", "path to YAML config (optional, defaults apply if omitted)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := logging.New(cfg.Log.Level)
	entry := logger.WithField("component", "gtpud")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	reg := registry.New(entry.WithField("component", "registry"))
	super := supervisor.New(entry.WithField("component", "supervisor"))
	defer super.Stop()

	daemon := &control.Daemon{Registry: reg, Supervisor: super, Log: entry.WithField("component", "control")}
	srv, err := control.NewServer(cfg.Control.ListenAddr, daemon.Handlers(), entry.WithField("component", "control"))
	if err != nil {
		log.Fatalf("control server: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()

	entry.WithField("addr", cfg.Control.ListenAddr).Info("gtpud listening")

	select {
	case <-ctx.Done():
		entry.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			entry.WithError(err).Error("control server exited")
		}
	}

	if err := srv.Close(); err != nil {
		entry.WithError(err).Debug("error closing control listener")
	}
	reg.Reset()
	super.KillAll()
}
