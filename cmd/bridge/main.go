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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"wabridge/internal/awsutil"
	"wabridge/internal/config"
	"wabridge/internal/engine"
	"wabridge/internal/httpserver"
	"wabridge/internal/logging"
	"wabridge/internal/notify"
	"wabridge/internal/observability"
	"wabridge/internal/session"
)

func main() {
	cfg := config.LoadBridge()
	logging.Init("bridge", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	observability.Register(prometheus.DefaultRegisterer)

	eng, err := engine.New(ctx, cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		slog.Error("engine init failed", "err", err)
		os.Exit(1)
	}
	defer eng.Close()

	dispatcher := &notify.Dispatcher{
		BackendURL: cfg.BackendStatusURL,
		HTTP:       &http.Client{Timeout: 10 * time.Second},
		Breaker:    notify.NewBreaker(),
	}
	if cfg.EventsQueueURL != "" {
		sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
		if err != nil {
			slog.Error("sqs client init failed", "err", err)
			os.Exit(1)
		}
		dispatcher.Events = &notify.EventProducer{SQS: sqsClient, QueueURL: cfg.EventsQueueURL}
	}

	reg := session.NewRegistry()
	mgr := session.NewManager(reg, eng, dispatcher,
		rate.NewLimiter(rate.Limit(cfg.SendRPS), cfg.SendBurst),
		session.Config{
			LivenessTimeout: cfg.LivenessTimeout,
			SendTimeout:     cfg.SendTimeout,
			ConnectTimeout:  cfg.ConnectTimeout,
			ConnectGrace:    cfg.ConnectGrace,
			IdleTTL:         cfg.IdleTTL,
		})
	mgr.RunSweeps(ctx, cfg.LivenessSweepInterval, cfg.IdleSweepInterval)

	boot := &session.Bootstrapper{
		Manager:  mgr,
		Adapter:  eng,
		DelayMin: cfg.RestoreDelayMin,
		DelayMax: cfg.RestoreDelayMax,
	}
	go func() {
		if err := boot.Restore(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("session restore failed", "err", err)
		}
	}()

	s := httpserver.New()
	s.Mux.Use(httpserver.Logging)
	s.Mux.Use(httpserver.Metrics(observability.APIRequests))
	api := &httpserver.API{Mgr: mgr, Reg: reg}
	api.Register(s.Mux)
	s.Mux.HandleFunc("/healthz", httpserver.Healthz()).Methods(http.MethodGet)
	s.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, eng.Ping)).Methods(http.MethodGet)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: s.Mux}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	srvErrCh := make(chan error, 1)
	go func() {
		slog.Info("bridge listening", "port", cfg.Port)
		srvErrCh <- srv.ListenAndServe()
	}()
	metricsErrCh := make(chan error, 1)
	go func() {
		slog.Info("bridge metrics listening", "port", cfg.MetricsPort)
		metricsErrCh <- metricsSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-srvErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("bridge server failed", "err", err)
			os.Exit(1)
		}
	case err := <-metricsErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("bridge metrics server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("bridge shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	mgr.Shutdown()
}
