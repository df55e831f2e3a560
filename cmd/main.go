package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tinoosan/mcufetch/internal/dispatch"
	"github.com/tinoosan/mcufetch/internal/hub"
	"github.com/tinoosan/mcufetch/internal/linkcfg"
	"github.com/tinoosan/mcufetch/internal/metrics"
	"github.com/tinoosan/mcufetch/internal/router"
	"github.com/tinoosan/mcufetch/internal/service"
	"github.com/tinoosan/mcufetch/internal/session"
	"github.com/tinoosan/mcufetch/internal/smp"
)

func main() {
	cfg := configFromEnv()
	l := slog.New(slog.NewJSONHandler(logOutput(cfg), &slog.HandlerOptions{Level: cfg.LogLevel})).With("app", "mcufetch")
	slog.SetDefault(l)

	metrics.Register()

	store, closeStore, err := openStore(cfg)
	if err != nil {
		l.Error("open history store", "store", cfg.Store, "err", err)
		os.Exit(1)
	}
	tr, err := openTransport(cfg, l)
	if err != nil {
		l.Error("open transport", "transport", cfg.Transport, "err", err)
		os.Exit(1)
	}

	d := dispatch.New(l.With("component", "dispatch"))
	d.Run()

	smpOpts := smp.OptionsFromEnv()
	smpOpts.Logger = l.With("component", "smp")
	s := session.New(session.Config{
		Transport: tr,
		Managers:  smp.NewFactory(smpOpts),
		Executor:  d,
		Link:      linkcfg.FromEnv(),
		Logger:    l.With("component", "session"),
	})
	events := hub.New(l.With("component", "hub"), 256)
	svc := service.NewDownload(store, s, service.Options{
		Hub:          events,
		ContentLimit: cfg.ContentLimit,
		Logger:       l.With("component", "service"),
	})

	server := &http.Server{
		Addr:        cfg.Addr,
		Handler:     router.New(l, svc, events),
		IdleTimeout: 120 * time.Second,
		ReadTimeout: 5 * time.Second,
		// No WriteTimeout: /v1/events is a long-lived websocket.
	}

	go func() {
		l.Info("starting mcufetch API", "addr", server.Addr, "transport", cfg.Transport, "store", cfg.Store)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	l.Info("received terminate, graceful shutdown", "signal", sig.String())

	timeoutContext, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(timeoutContext); err != nil {
		l.Error("server shutdown", "err", err)
	}
	if err := svc.Teardown(timeoutContext); err != nil {
		l.Warn("session teardown", "err", err)
	}
	d.Stop()
	if err := closeStore(); err != nil {
		l.Error("close history store", "err", err)
	}
}
