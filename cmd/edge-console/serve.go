package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/PetoAdam/homenavi/edge-console/internal/config"
	"github.com/PetoAdam/homenavi/edge-console/internal/httpapi"
	"github.com/PetoAdam/homenavi/edge-console/internal/observability"
	"github.com/PetoAdam/homenavi/edge-console/internal/realtime"
)

func runServe(ctx context.Context, cfg config.Config, args []string) error {
	fs := newFlagSet("serve", "serve [--port N]")
	port := fs.String("port", cfg.APIPort, "status API port")
	if err := fs.Parse(args); err != nil {
		return err
	}

	shutdownObs, promHandler, tracer, err := observability.SetupObservability(ctx, observability.ServiceName)
	if err != nil {
		return err
	}
	defer shutdownObs()

	hub := realtime.NewHub()
	s, err := openSession(ctx, cfg, hub)
	if err != nil {
		return err
	}
	defer s.close()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promHandler)

	srv := httpapi.NewServer(s.console, s.repo, hub)
	srv.ServeHost = cfg.WebserverHost()
	srv.ServePort = cfg.Webserver.Port
	srv.Register(mux)

	httpSrv := &http.Server{
		Addr:              ":" + *port,
		Handler:           observability.WrapHandler(tracer, observability.ServiceName, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("edge-console listening", "addr", httpSrv.Addr, "broker", cfg.BrokerURL())
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown requested")
	case err := <-errCh:
		slog.Error("http server error", "error", err)
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("graceful shutdown failed", "error", err)
	}
	slog.Info("edge-console stopped")
	return nil
}
