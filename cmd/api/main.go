package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/mccrory/gatekit/internal/config"
	delivery "github.com/mccrory/gatekit/internal/delivery/http"
	"github.com/mccrory/gatekit/internal/rbac"
	"github.com/mccrory/gatekit/internal/repository"
	"github.com/mccrory/gatekit/internal/usecase"
	"github.com/mccrory/gatekit/pkg/security"

	_ "github.com/lib/pq" // Postgres driver
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config file (env vars used when empty)")
	flag.Parse()

	cfg := config.MustLoadConfig(*configPath)

	// Infrastructure
	db, err := sql.Open("postgres", cfg.DB.URL)
	if err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	// Repositories
	userRepo := repository.NewPostgresUserRepo(db)
	roleRepo := repository.NewPostgresRoleRepo(db)
	tokenRepo := repository.NewRedisTokenRepo(rdb)

	// Security services
	passwords := security.NewPasswordPolicy(security.HashParams{
		Memory:      cfg.Auth.Argon2.Memory,
		Iterations:  cfg.Auth.Argon2.Iterations,
		Parallelism: cfg.Auth.Argon2.Parallelism,
	})
	totp := security.NewTotpService(cfg.Auth.TOTPIssuer, cfg.Auth.TOTPSkew)
	issuer, err := security.NewTokenIssuer(security.TokenConfig{
		AccessSecret:  cfg.Auth.AccessSecret,
		RefreshSecret: cfg.Auth.RefreshSecret,
		AccessTTL:     cfg.Auth.AccessTTL,
		RefreshTTL:    cfg.Auth.RefreshTTL,
	})
	if err != nil {
		log.Fatalf("Failed to initialize token issuer: %v", err)
	}

	resolver := rbac.NewResolver(roleRepo)
	authUsecase := usecase.NewAuthUsecase(userRepo, tokenRepo, resolver, passwords, totp, issuer)
	gate := delivery.NewGate(issuer, resolver)

	// HTTP server
	e := echo.New()
	e.HideBanner = true
	e.Server.ReadTimeout = cfg.HTTPServer.ReadTimeout
	e.Server.WriteTimeout = cfg.HTTPServer.WriteTimeout
	e.Server.IdleTimeout = cfg.HTTPServer.IdleTimeout

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.Secure())
	e.Use(delivery.Instrument())

	delivery.RegisterMetrics()
	e.GET("/metrics", delivery.MetricsHandler())

	v1 := e.Group("/v1")
	delivery.NewAuthHandler(v1, authUsecase, gate)
	delivery.NewMFAHandler(v1, authUsecase, gate)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{
			"status":  "healthy",
			"version": "1.0.0",
			"time":    time.Now().Format(time.RFC3339),
		})
	})

	go func() {
		log.Printf("Starting Gatekit Auth Server on %s (env: %s)", cfg.HTTPServer.Address, cfg.Env)
		if err := e.Start(cfg.HTTPServer.Address); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Shutting down the server due to error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down gracefully...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exiting")
}
