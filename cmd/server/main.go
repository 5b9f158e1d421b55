package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gis-polygon/internal/auth"
	"gis-polygon/internal/cache"
	"gis-polygon/internal/codec"
	"gis-polygon/internal/config"
	"gis-polygon/internal/database"
	"gis-polygon/internal/events"
	"gis-polygon/internal/handlers"
	"gis-polygon/internal/logger"
	"gis-polygon/internal/metrics"
	mdlwr "gis-polygon/internal/middleware"
	"gis-polygon/internal/projection"
	"gis-polygon/internal/routes"
	"gis-polygon/internal/services"

	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()
	logr, err := logger.New(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logr.Sync()

	allow, err := projection.ParseAllowList(cfg.Projections)
	if err != nil {
		logr.Fatal("invalid GIS_PROJECTIONS", zap.Error(err))
	}

	db, err := database.New(cfg.DatabaseURL, cfg)
	if err != nil {
		logr.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	polygonSvc := services.NewPolygonService(db)
	m := metrics.New()
	health := map[string]handlers.Pinger{"database": polygonSvc}

	mem, err := cache.NewMemory(cfg.CacheSize)
	if err != nil {
		logr.Fatal("failed to init cache", zap.Error(err))
	}
	var readCache cache.Cache = mem
	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rdb, err := cache.NewRedis(ctx, cfg.RedisAddr)
		cancel()
		if err != nil {
			logr.Fatal("failed to connect to redis", zap.Error(err), zap.String("addr", cfg.RedisAddr))
		}
		defer rdb.Close()
		readCache = cache.NewTiered(cfg.CacheTTL, mem, rdb)
		health["redis"] = rdb
	}

	var publisher events.Publisher = events.Noop{}
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, 256, logr.Logger)
		if err != nil {
			logr.Fatal("failed to init kafka producer", zap.Error(err), zap.Strings("brokers", cfg.KafkaBrokers))
		}
		publisher = kp
	}
	defer publisher.Close()

	var verifier *auth.Verifier
	if cfg.JWTPublicKeyPath != "" {
		verifier, err = auth.NewVerifier(cfg.JWTPublicKeyPath, "")
		if err != nil {
			logr.Fatal("failed to load jwt public key", zap.Error(err))
		}
	} else {
		logr.Warn("JWT_PUBLIC_KEY_PATH not set, write routes are unauthenticated")
	}

	polygonHandler := handlers.NewPolygonHandler(handlers.PolygonHandlerConfig{
		Store:     polygonSvc,
		Resolver:  projection.NewResolver(allow),
		Codec:     codec.New(),
		Cache:     readCache,
		CacheTTL:  cfg.CacheTTL,
		Publisher: publisher,
		Metrics:   m,
		Logger:    logr.Logger,
	})

	r := routes.NewRouter(routes.Deps{
		Polygons:       polygonHandler,
		Health:         handlers.NewHealthHandler(health, logr.Logger),
		Auth:           mdlwr.NewAuthMiddleware(verifier, logr.Logger),
		Metrics:        m,
		Logger:         logr.Logger,
		AllowedOrigins: cfg.AllowedOrigins,
		RequestTimeout: cfg.RequestTimeout,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logr.Info("server started",
			zap.String("port", cfg.Port),
			zap.String("projections", cfg.Projections),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logr.Info("shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logr.Error("server forced to shutdown", zap.Error(err))
	}

	logr.Info("server exited gracefully")
}
