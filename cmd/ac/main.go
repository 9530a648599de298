package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/darktower/conference-control/internal/api"
	"github.com/darktower/conference-control/internal/config"
	"github.com/darktower/conference-control/internal/database"
	"github.com/darktower/conference-control/internal/keymgr"
	"github.com/darktower/conference-control/internal/metrics"
	"github.com/darktower/conference-control/internal/middleware"
	"github.com/darktower/conference-control/internal/ratelimit"
	"github.com/darktower/conference-control/internal/token"
)

const acRealm = "auth-controller"

// requestTimeout is the per-request ceiling. WriteTimeout sits above it so
// the timeout response can still be written.
const requestTimeout = 30 * time.Second

const timeoutBody = `{"error":{"code":"INTERNAL_ERROR","message":"request timed out"}}`

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAC()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	met := metrics.New()

	keys := keymgr.New(store, cfg.MasterKey, cfg.ClusterName, met)
	if err := keys.Initialize(ctx); err != nil {
		log.Fatalf("signing keys: %v", err)
	}

	// Registration throttle: 5 per IP per org per hour. Redis makes the
	// window shared across replicas; without it each replica counts alone.
	var regLimiter ratelimit.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		regLimiter = ratelimit.NewRedisWindow(rdb, "ac:reg", 5, time.Hour)
		log.Printf("rate limiting backed by redis at %s", cfg.RedisAddr)
	} else {
		regLimiter = ratelimit.NewSlidingWindow(5, time.Hour)
	}

	tokens := token.New(store, keys, regLimiter, met)
	org := middleware.NewOrgResolver(store, acRealm, cfg.DevDefaultSubdomain)
	auth := middleware.NewBearerAuth(&api.LocalKeyResolver{Keys: keys}, acRealm, cfg.ClockSkew, met)

	router := api.NewACServer(store, keys, tokens, org, auth).Router()
	server := &http.Server{
		Addr:         cfg.BindAddress,
		Handler:      http.TimeoutHandler(router, requestTimeout, timeoutBody),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: requestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Println("shutdown signal received, draining...")
		shCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainPeriod)
		defer cancel()
		if err := server.Shutdown(shCtx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
	}()

	log.Printf("🚀 Authentication Controller listening on %s (cluster=%s)", cfg.BindAddress, cfg.ClusterName)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
	log.Println("server stopped")
}
