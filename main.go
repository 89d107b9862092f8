package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/portfolio-ws/internal/auth"
	"github.com/adred-codev/portfolio-ws/internal/feed"
	"github.com/adred-codev/portfolio-ws/internal/monitoring"
	"github.com/adred-codev/portfolio-ws/internal/stream"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	cfg, err := LoadConfig(nil)
	if err != nil {
		// No logger exists yet; stderr is all we have.
		os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	serverCfg := cfg.ServerConfig()
	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  serverCfg.LogLevel,
		Format: serverCfg.LogFormat,
	})
	cfg.LogConfig(logger)

	jwtManager := auth.NewJWTManager(cfg.JWTSecret, cfg.TokenTTL)

	srv := stream.New(serverCfg, jwtManager, logger)
	srv.Start()

	sysmon := monitoring.NewSystemMonitor(srv.Stats(), logger)
	sysmon.Start(cfg.MetricsInterval)

	consumer := feed.NewConsumer(cfg.NATSURL, srv.BroadcastEvent, logger)
	if err := consumer.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start feed consumer")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleWS)
	mux.HandleFunc("/healthz", srv.HandleHealth)
	mux.HandleFunc("/metrics", monitoring.HandleMetrics)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Shutting down")

	// Order matters: stop new upgrades, stop the event feed, then flush
	// and close what remains.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("HTTP server shutdown error")
	}

	consumer.Stop()
	srv.Shutdown()
	sysmon.Stop()

	logger.Info().Msg("Shutdown complete")
}
