package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/chairqueue/internal/cache"
	"github.com/jwalitptl/chairqueue/internal/engine"
	"github.com/jwalitptl/chairqueue/internal/handler"
	"github.com/jwalitptl/chairqueue/internal/handler/queue"
	"github.com/jwalitptl/chairqueue/internal/reconciler"
	"github.com/jwalitptl/chairqueue/internal/router"
	calls "github.com/jwalitptl/chairqueue/internal/signal"
	"github.com/jwalitptl/chairqueue/internal/view"
	apperrors "github.com/jwalitptl/chairqueue/pkg/errors"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Reconcile the queue and serve the operator API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()
	log := a.log

	c := cache.New()
	rec := reconciler.New(a.adapter, c, reconciler.Config{ResyncSchedule: cfg.Queue.ResyncSchedule}, log, a.metrics)
	if err := rec.Start(ctx); err != nil {
		return err
	}
	defer rec.Stop()
	if _, err := rec.Refresh(ctx); err != nil {
		log.Warn("initial snapshot failed; serving empty queue until the next refetch", "error", err)
	}

	eng := engine.New(c, a.adapter, engine.Config{
		RollbackOnFailure: cfg.Queue.RollbackOnFailure,
		AtomicWrites:      cfg.Queue.AtomicWrites,
		RedactKey:         a.redactKey,
	}, a.metrics, log)

	channel := calls.New(a.adapter, c, calls.Config{
		Enabled:   cfg.Queue.DoctorCallEnabled,
		Cooldown:  cfg.Queue.CallCooldown,
		ReplyTTL:  cfg.Queue.ReplyTTL,
		RedactKey: a.redactKey,
	}, a.metrics, log)
	if err := channel.Start(ctx); err != nil {
		log.Error(err, "doctor replies unavailable")
	} else {
		defer channel.Stop()
	}

	ready := func(context.Context) error {
		if !a.adapter.Connected() {
			return apperrors.RemoteUnavailable
		}
		if rec.Applied() == 0 {
			return errors.New("no snapshot applied yet")
		}
		return nil
	}
	var gatherer prometheus.Gatherer = a.reg
	if !cfg.Metrics.Enabled {
		gatherer = prometheus.NewRegistry()
	}

	r := router.NewRouter(
		handler.NewHandler(ready, gatherer),
		queue.NewHandler(eng, c, channel, view.Options{DoctorID: cfg.Queue.DoctorFilter()}, log),
		log,
		router.RouterConfig{
			MutationRate:  rate.Limit(20),
			MutationBurst: 40,
			AllowOrigins:  cfg.Server.AllowedOrigins,
			Registerer:    a.reg,
		},
	)
	r.Setup()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("serving operator API", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	log.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info("server exited properly")
	return nil
}
