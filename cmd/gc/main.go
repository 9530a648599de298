package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"github.com/darktower/conference-control/internal/api"
	"github.com/darktower/conference-control/internal/config"
	"github.com/darktower/conference-control/internal/database"
	"github.com/darktower/conference-control/internal/jwks"
	"github.com/darktower/conference-control/internal/meeting"
	"github.com/darktower/conference-control/internal/metrics"
	"github.com/darktower/conference-control/internal/middleware"
	"github.com/darktower/conference-control/internal/ratelimit"
	"github.com/darktower/conference-control/internal/registry"
	"github.com/darktower/conference-control/internal/tokenmgr"
	"github.com/darktower/conference-control/pb"
)

const gcRealm = "global-controller"

// requestTimeout is the per-request ceiling. WriteTimeout sits above it so
// the timeout response can still be written.
const requestTimeout = 30 * time.Second

const timeoutBody = `{"error":{"code":"INTERNAL_ERROR","message":"request timed out"}}`

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadGC()
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

	// Token validation keys come from the AC's JWKS document; the cache
	// refreshes hourly and coalesces concurrent misses.
	keyCache := jwks.NewCache(cfg.JWKSURL, jwks.DefaultTTL, met)
	go keyCache.RunRefresher(ctx)

	// The GC's own service identity, refreshed ahead of expiry.
	mgr := tokenmgr.New(cfg.ACBaseURL, cfg.ClientID, cfg.ClientSecret, api.ScopeInternalTokens)
	go mgr.Run(ctx)

	var guestLimiter ratelimit.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		guestLimiter = ratelimit.NewRedisWindow(rdb, "gc:guest", 5, time.Minute)
		log.Printf("rate limiting backed by redis at %s", cfg.RedisAddr)
	} else {
		guestLimiter = ratelimit.NewSlidingWindow(5, time.Minute)
	}

	pool := meeting.NewGRPCPool()
	defer pool.Close()

	acClient := meeting.NewACClient(cfg.ACBaseURL, mgr)
	meetings := meeting.New(store, pool, acClient, cfg.Region, cfg.StalenessThresh, met)

	org := middleware.NewOrgResolver(store, gcRealm, cfg.DevDefaultSubdomain)
	auth := middleware.NewBearerAuth(keyCache, gcRealm, cfg.ClockSkew, met)

	// gRPC registry plane for MC/MH registration and heartbeats.
	reg := registry.NewService(store, met)
	go reg.RunStalenessSweeper(ctx, cfg.StalenessThresh)
	go reg.RunAssignmentCleanup(ctx)

	grpcServer := grpc.NewServer(
		grpc.ForceServerCodec(pb.JSONCodec{}),
		grpc.UnaryInterceptor(registry.AuthInterceptor(keyCache, cfg.ClockSkew)),
	)
	pb.RegisterRegistryServiceServer(grpcServer, reg)

	lis, err := net.Listen("tcp", cfg.GRPCBindAddress)
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}
	go func() {
		log.Printf("🛰️ registry gRPC listening on %s", cfg.GRPCBindAddress)
		if err := grpcServer.Serve(lis); err != nil {
			log.Printf("grpc server stopped: %v", err)
		}
	}()

	router := api.NewGCServer(store, meetings, org, auth, guestLimiter).Router()
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
		grpcServer.GracefulStop()
	}()

	log.Printf("🚀 Global Controller listening on %s (region=%s)", cfg.BindAddress, cfg.Region)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
	log.Println("server stopped")
}
