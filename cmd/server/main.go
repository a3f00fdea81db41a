package main

import (
	"context"   // Context for startup checks and shutdown
	"errors"    // Server close detection
	"net/http"  // HTTP server
	"os"        // Signals
	"os/signal" // Graceful shutdown
	"syscall"   // SIGTERM
	"time"      // Timeouts

	"mirapay/internal/account"    // Account service
	"mirapay/internal/api"        // HTTP handlers
	"mirapay/internal/cache"      // Redis cache and login limiter
	"mirapay/internal/config"     // Configuration
	"mirapay/internal/credential" // Credential store
	"mirapay/internal/db"         // Database connection
	"mirapay/internal/events"     // Event bus
	"mirapay/internal/ledger"     // Ledger engine
	"mirapay/internal/middleware" // Request logging
	"mirapay/internal/user"       // User service

	"github.com/gin-contrib/cors"  // CORS middleware
	"github.com/gin-gonic/gin"     // Gin web framework
	"github.com/redis/go-redis/v9" // Redis client
	"github.com/sirupsen/logrus"   // Logrus for structured logging
)

const cacheTTL = 60 * time.Second // Lifetime of cached reads

// Main function to set up and run the server
func main() {
	cfg, err := config.LoadConfig() // Load configuration
	if err != nil {
		logrus.Fatalf("invalid configuration: %v", err)
	}
	log := newLogger(cfg)

	gdb, err := db.Open(cfg) // Connect to the database
	if err != nil {
		log.Fatalf("failed to connect to DB: %v", err)
	}

	// Setup Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr, // Redis server address
		Password: cfg.RedisPass, // Redis password
		DB:       cfg.RedisDB,   // Redis database number
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	readCache := cache.New(redisClient, cacheTTL, log)

	// Event bus, forwarded to RabbitMQ when configured
	bus := events.NewBus(1024, log)
	var sink events.Sink = events.LogSink{Log: log}
	if cfg.RabbitMQURL != "" {
		amqpSink, err := events.DialAMQP(cfg.RabbitMQURL, log)
		if err != nil {
			log.Fatalf("failed to connect to RabbitMQ: %v", err)
		}
		sink = amqpSink
	}
	// Each subscriber drains its own queue
	bus.Subscribe(events.Forward(sink, 5*time.Second, log))
	bus.Subscribe(cache.NewInvalidator(readCache, 2*time.Second).Handle)

	// Core services
	creds := credential.NewStore(gdb, credential.Config{
		TTL:                cfg.TokenTTL,
		AutoRefresh:        cfg.TokenAutoRefresh,
		MinRefreshInterval: cfg.TokenMinRefreshInterval,
		LimitPerUser:       cfg.TokenLimitPerUser,
		Scheme:             credential.Scheme(cfg.TokenStorage),
		LivePrefix:         cfg.LiveKeyPrefix,
		TestPrefix:         cfg.TestKeyPrefix,
	}, bus, log)
	engine := ledger.NewEngine(gdb, bus, log, cfg.LedgerMaxRetries)
	accounts := account.NewService(gdb, bus, log, cfg.DefaultCurrency)
	limiter := cache.NewLoginLimiter(redisClient, cfg.LoginRateLimit, cfg.LoginRateWindow)
	users := user.NewService(gdb, accounts, creds, bus, limiter, log, user.Config{
		JWTSecret:            cfg.JWTSecret,
		RequireVerifiedEmail: cfg.RequireVerifiedEmail,
		TokenTTL:             cfg.TokenTTL,
	})

	// Set Mode to Release if in production
	if cfg.IsProd {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(log))
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
			ExposeHeaders:    []string{"Retry-After"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}
	// Set trusted proxies for Gin
	if err := r.SetTrustedProxies([]string{"127.0.0.1"}); err != nil {
		log.Fatalf("failed to set trusted proxies: %v", err)
	}
	api.Register(r, api.Deps{
		DB:          gdb,
		Users:       users,
		Accounts:    accounts,
		Credentials: creds,
		Ledger:      engine,
		Cache:       readCache,
		AuthKeyword: cfg.AuthHeaderPrefix,
		Log:         log,
	})

	srv := &http.Server{Addr: ":" + cfg.AppPort, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Infof("Server running on %s", cfg.AppPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Server shutdown failed")
	}
	bus.Close() // Deliver queued events before the sink goes away
	sink.Close()
	_ = redisClient.Close()
	if sqlDB, err := gdb.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// newLogger configures logrus for the environment
func newLogger(cfg *config.Config) *logrus.Logger {
	log := logrus.New()
	if cfg.IsProd {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	logrus.SetFormatter(log.Formatter) // Packages logging through the standard logger
	logrus.SetLevel(level)
	return log
}
