package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/frak-labs/frame-connector/internal/api"
	"github.com/frak-labs/frame-connector/internal/config"
	"github.com/frak-labs/frame-connector/internal/log"
	"github.com/frak-labs/frame-connector/internal/metrics"
	"github.com/frak-labs/frame-connector/internal/modal"
	"github.com/frak-labs/frame-connector/internal/product"
	"github.com/frak-labs/frame-connector/internal/session"
	"github.com/frak-labs/frame-connector/internal/sso"
	"github.com/frak-labs/frame-connector/internal/store"
	"github.com/frak-labs/frame-connector/internal/ws"
	"github.com/frak-labs/frame-connector/pkg/rpc"
	"github.com/shopspring/decimal"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger, err := log.NewSugar(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Infow("Starting frame connector",
		"env", cfg.Env,
		"addr", cfg.HTTPAddr,
		"walletOrigin", cfg.Frame.WalletOrigin,
	)

	// Setup metrics
	metricsObj, metricsHandler, err := metrics.Setup("frame-connector")
	if err != nil {
		logger.Fatalw("Failed to setup metrics", "error", err)
	}

	// Setup cache; degrades to in-memory when Redis is unreachable
	cache := store.NewCache(cfg.Cache.RedisAddr, logger, metricsObj)
	defer cache.Close()
	if cache.IsInMemoryMode() {
		logger.Warnw("Running with in-memory cache", "redisAddr", cfg.Cache.RedisAddr)
	} else {
		logger.Infow("Cache connection established", "redisAddr", cfg.Cache.RedisAddr)
	}

	// Session state and backend collaborators
	state := session.NewState()

	var reader session.InteractionReader
	var backup session.BackupPusher
	if cfg.Rewards.BackupURL != "" {
		backend := session.NewBackendClient(cfg.Rewards.BackupURL, logger)
		reader = session.NewCachedReader(backend, cache, cfg.Cache.SessionTTL, logger)
		backup = backend
	} else {
		logger.Warnw("No backend configured; interaction sessions and backups disabled")
	}

	resolver := session.NewResolver(state, reader, backup, logger)
	listener := session.NewListener(resolver, state, logger, metricsObj)
	sequencer := modal.NewSequencer(state, reader, logger, metricsObj)
	defer sequencer.Clear()

	registry := ws.NewRegistry()
	ssoManager := sso.NewManager(state, sequencer, registry, logger)
	productSvc := product.NewService(nil, decimal.NewFromFloat(cfg.Rewards.DefaultEurReward), logger)

	// Every frame connection gets its own server with this handler set
	register := func(srv *rpc.Server) {
		srv.HandleStream(session.MethodListenToWalletStatus, listener.Handle)
		srv.Handle(modal.MethodDisplayModal, sequencer.Display)
		srv.Handle(product.MethodGetInformation, productSvc.HandleGetInformation)
		srv.Handle(sso.MethodComplete, ssoManager.HandleComplete)
	}

	compression := &rpc.CompressionMiddleware{Threshold: cfg.Frame.CompressionThreshold}
	rpcOpts := []rpc.ServerOption{rpc.WithServerMiddleware(compression)}
	if cfg.Frame.RPCTimeout > 0 {
		rpcOpts = append(rpcOpts, rpc.WithHandlerTimeout(cfg.Frame.RPCTimeout))
	}
	bridge := ws.NewBridge(
		cfg.Frame.AllowedOrigins,
		registry,
		register,
		logger,
		metricsObj,
		rpcOpts...,
	)
	surface := ws.NewSurface(cfg.Frame.WalletOrigin, sequencer, state, logger)

	// Setup API handler and middleware
	handler := api.NewHandler(logger, cache, bridge, surface, registry, metricsHandler)
	middleware := api.NewMiddleware(logger, metricsObj)

	router := handler.Routes(middleware, cfg.Security.CORSAllowedOrigins, cfg.Security.RateLimitRPM)
	logger.Infow("Frame origins configured", "allowed_origins", cfg.Frame.AllowedOrigins)

	// Setup HTTP server. No write timeout: frame connections are long-lived.
	server := &http.Server{
		Addr:        cfg.HTTPAddr,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		logger.Infow("Listener server starting", "addr", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	// Wait for interrupt signal
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Fatalw("Server startup failed", "error", err)
	case sig := <-shutdown:
		logger.Infow("Shutdown signal received", "signal", sig.String())

		// Give outstanding requests 30 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Errorw("Graceful shutdown failed", "error", err)
			server.Close()
		}

		logger.Infow("Server stopped")
	}
}
