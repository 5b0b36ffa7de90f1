package application

import (
	"context"
	"time"

	apperrors "memvault/internal/errors"
	"memvault/internal/metrics"
	"memvault/internal/scheduler"
	"memvault/internal/server"
)

const shutdownTimeout = 30 * time.Second

// NewScheduler registers the scheduled jobs from configuration. Dedup jobs
// are left out when the engine is unavailable.
func (app *Application) NewScheduler() (*scheduler.Scheduler, error) {
	if app.DedupErr != nil {
		app.Logger.WithField("reason", app.DedupErr.Error()).Warn("Scheduled deduplication disabled")
	}
	return scheduler.New(scheduler.Dependencies{
		Config:   app.Config.Schedule,
		Backends: app.Backends,
		Backups:  app.Backups,
		Dedup:    app.Dedup,
		Ledger:   app.Ledger,
		Retry:    apperrors.NewRetryHandler(apperrors.DefaultRetryConfig()),
		Logger:   app.Logger,
		Metrics:  app.Metrics,
	})
}

// Serve runs the scheduler and the HTTP server until SIGINT or SIGTERM,
// then shuts down the server, the scheduler and the connections in that
// order. The Application is closed when Serve returns.
func (app *Application) Serve(listen string) error {
	sched, err := app.NewScheduler()
	if err != nil {
		app.Close()
		return err
	}

	if listen == "" {
		listen = app.Config.Server.Listen
	}
	var collectors *metrics.Collectors
	if app.Config.Server.MetricsEnabled {
		collectors = app.Metrics
	}
	srv, err := server.New(listen, server.Dependencies{
		Catalog:   app.Catalog,
		Backups:   app.Backups,
		Recovery:  app.Recovery,
		Dedup:     app.Dedup,
		Scheduler: sched,
		Metrics:   collectors,
		Logger:    app.Logger,
	})
	if err != nil {
		app.Close()
		return err
	}

	// Shutdown functions run in reverse registration order
	shutdown := apperrors.NewGracefulShutdownHandler()
	shutdown.RegisterShutdownFunc(func() error {
		app.Close()
		return nil
	})
	shutdown.RegisterShutdownFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return sched.Stop(ctx)
	})
	shutdown.RegisterShutdownFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(ctx)
	})
	shutdown.Start()

	if app.Config.Schedule.Enabled {
		sched.Start()
		if err := app.Printer.Jobs(sched.Jobs()); err != nil {
			app.Logger.WithField("error", err).Warn("Failed to print job table")
		}
	} else {
		app.Printer.Warning("Scheduling is disabled (schedule.enabled: false); serving HTTP only")
	}

	done := make(chan struct{})
	go func() {
		shutdown.WaitForShutdown()
		close(done)
	}()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	select {
	case <-done:
		app.Printer.Info("Shut down")
		return nil
	case err := <-serveErr:
		if err == nil {
			// Shutdown closed the listener; wait for the remaining functions
			<-done
			return nil
		}
		shutdown.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := sched.Stop(ctx); serr != nil {
			app.Logger.WithField("error", serr).Warn("Scheduler did not stop cleanly")
		}
		app.Close()
		return err
	}
}
