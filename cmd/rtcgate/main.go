package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/993381/tms/internal/config"
	"github.com/993381/tms/internal/dtlsconn"
	"github.com/993381/tms/internal/engine"
	"github.com/993381/tms/internal/signaling"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := config.Load()
	logger.Info("rtcgate starting",
		zap.String("udp", cfg.UDPAddr),
		zap.String("http", cfg.HTTPAddr),
		zap.Bool("peerSockets", cfg.PeerSockets),
	)

	cert, err := dtlsconn.LoadCertificate(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		logger.Fatal("load certificate", zap.Error(err))
	}

	peerSocketAddr := ""
	if cfg.PeerSockets {
		peerSocketAddr = cfg.PeerSocketAddr
	}
	eng := engine.New(engine.Config{
		ListenAddr:       cfg.UDPAddr,
		PeerSocketAddr:   peerSocketAddr,
		Cert:             cert,
		NackRing:         cfg.NackRing,
		SessionTimeoutMs: int64(cfg.SessionTimeout),
		EnableFir:        cfg.EnableFir,
		DebugLoopback:    cfg.DebugPublisher,
		Logger:           logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	engineDone := make(chan error, 1)
	go func() { engineDone <- eng.Run(ctx) }()

	api := signaling.NewServer(eng, cert, cfg.DefaultApp, cfg.DefaultStream, logger)
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 20 * time.Second,
	}

	go func() {
		logger.Info("signaling API listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("signaling API failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	engineStopped := false
	select {
	case <-quit:
	case err := <-engineDone:
		engineStopped = true
		if err != nil {
			logger.Error("engine stopped", zap.Error(err))
		}
	}

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	if !engineStopped {
		<-engineDone
	}
}
