package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xlab/closer"
	"go.uber.org/zap"

	"voxstream/internal/client"
	"voxstream/internal/config"
	"voxstream/internal/game"
	"voxstream/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (default $"+config.EnvConfigPath+")")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		metricsSrv = serveMetrics(cfg.Metrics.Addr, reg, log)
	}

	session, err := game.NewSession(cfg, log, reg)
	if err != nil {
		log.Fatal("cannot build session", zap.Error(err))
	}
	session.Start(context.Background())

	// The frame loop owns the frontend until it returns.
	playCtx, stopPlay := context.WithCancel(context.Background())
	played := make(chan struct{})

	closer.Bind(func() {
		stopPlay()
		<-played
		shutdown, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := session.Close(shutdown); err != nil {
			log.Error("session closed with error", zap.Error(err))
		}
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdown)
		}
		log.Info("bye")
		_ = log.Sync()
	})

	go func() {
		err := session.Play(playCtx, cfg.Frontend.Frames, wander)
		close(played)
		if err != nil {
			log.Error("frame loop stopped", zap.Error(err))
		}
		closer.Close()
	}()
	closer.Hold()
}

// wander walks forward while slowly turning, so the viewpoint keeps crossing
// chunk borders.
func wander(frame int, _ client.ViewState) []client.Event {
	if frame == 0 {
		return []client.Event{client.Walk{Forward: 1}}
	}
	return []client.Event{client.Look{DYaw: 0.2}}
}

func serveMetrics(addr string, reg *prometheus.Registry, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()
	return srv
}
