// Command chatsignal-server runs the chat hub behind a gin HTTP server:
// a WebSocket upgrade endpoint, Prometheus metrics, and liveness/readiness
// probes.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"chatsignal/internal/bus"
	"chatsignal/internal/config"
	"chatsignal/internal/health"
	"chatsignal/internal/hub"
	"chatsignal/internal/logging"
	"chatsignal/internal/middleware"
	"chatsignal/internal/ratelimit"
	"chatsignal/internal/tracing"
	"chatsignal/internal/transport"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	for _, path := range []string{".env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	var host string
	var port int
	flag.StringVar(&host, "host", "", "bind host (overrides HOST)")
	flag.IntVar(&port, "port", 0, "bind port (overrides PORT)")
	flag.Parse()

	cfg, err := config.Load(host, port)
	if err != nil {
		panic(err)
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		panic(err)
	}

	ctx := context.Background()
	if cfg.OtelCollectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, "chatsignal", cfg.OtelCollectorAddr)
		if err != nil {
			logging.Warn(ctx, "tracing disabled: failed to initialize", zap.Error(err))
		} else {
			defer func() { _ = tp.Shutdown(ctx) }()
		}
	}

	var busService *bus.Service
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Warn(ctx, "bus disabled: failed to connect to redis", zap.Error(err))
			busService = nil
		} else {
			defer busService.Close()
		}
	}

	var rlClient *redis.Client
	if cfg.RedisEnabled {
		rlClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rlClient.Close()
	}
	limiter, err := ratelimit.New(cfg, rlClient)
	if err != nil {
		logging.Warn(ctx, "rate limiting disabled: failed to initialize", zap.Error(err))
		limiter = nil
	}

	h := hub.New(busService)
	server := transport.NewServer(h, cfg.AllowedOrigins, limiter)
	healthHandler := health.NewHandler(busService)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = cfg.AllowedOrigins
	router.Use(cors.New(corsCfg))

	router.GET("/ws", server.ServeWs)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	addr := cfg.Host + ":" + strconv.Itoa(cfg.Port)
	srv := &http.Server{Addr: addr, Handler: router}

	go func() {
		logging.Info(ctx, "chatsignal server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "forced shutdown", zap.Error(err))
	}
	logging.Info(ctx, "server exited")
}
