package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"

	"github.com/khoabug112310/eprojectep-v1-sub006/internal/booking"
	"github.com/khoabug112310/eprojectep-v1-sub006/internal/config"
	"github.com/khoabug112310/eprojectep-v1-sub006/internal/counter"
	"github.com/khoabug112310/eprojectep-v1-sub006/internal/database"
	"github.com/khoabug112310/eprojectep-v1-sub006/internal/handler"
	"github.com/khoabug112310/eprojectep-v1-sub006/internal/lease"
	"github.com/khoabug112310/eprojectep-v1-sub006/internal/locking"
	"github.com/khoabug112310/eprojectep-v1-sub006/internal/middleware"
	"github.com/khoabug112310/eprojectep-v1-sub006/internal/queue"
	"github.com/khoabug112310/eprojectep-v1-sub006/internal/repository"
	"github.com/khoabug112310/eprojectep-v1-sub006/internal/router"
	queue_publisher "github.com/khoabug112310/eprojectep-v1-sub006/internal/service"
	"github.com/khoabug112310/eprojectep-v1-sub006/internal/sweeper"
)

func main() {
	_ = godotenv.Load() // .env is optional; real env vars win
	cfg := config.Load()

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()
	if cfg.DBInitSchema {
		if err := database.InitSchema(context.Background(), db, "db/schema.sql"); err != nil {
			log.Fatalf("database: init schema: %v", err)
		}
		log.Printf("database: schema bootstrapped")
	}

	// Redis backs the primary lease store, the usage counters and the
	// response cache. Without it the lease service runs on the
	// in-process store only and the counters disable themselves.
	rdb := config.NewRedisClient()
	if rdb == nil {
		log.Printf("redis unavailable: leases run in-process, rate limiting and caching disabled")
	}

	memStore := lease.NewMemoryStore()
	var primary lease.Store = memStore
	if rdb != nil {
		primary = lease.NewRedisStore(rdb)
	}
	fallback := lease.NewMemoryStore()
	if rdb == nil {
		fallback = memStore // single store, nothing to fail over to
	}

	ledgerView := repository.NewAvailabilityView(db)
	locks := locking.NewService(primary, fallback, ledgerView)

	var events booking.EventPublisher
	if cfg.AMQPURL != "" {
		events = queue_publisher.New(cfg.AMQPURL)
		go func() {
			if err := queue.StartBookingConsumer(cfg.AMQPURL); err != nil {
				log.Printf("booking-consumer: %v", err)
			}
		}()
	}

	orch := booking.NewOrchestrator(db, locks,
		repository.NewShowtimeRepo(db),
		repository.NewBookingRepo(db),
		repository.NewPaymentRepo(db),
		events)

	// Background sweep of leases that outlived their TTL.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go sweeper.New(locks, cfg.SweepInterval).Start(ctx)

	counters := counter.New(rdb, "usage")
	mw := router.Middlewares{
		RateLimit: middleware.NewRateLimiter(config.LoadRateLimitConfig(), counters),
		Cache:     middleware.NewRedisCache(config.LoadCacheConfig(), rdb, counters),
		Auth:      middleware.JWTAuth(cfg.JWTSecret),
	}

	e := echo.New()
	e.HideBanner = true
	router.RegisterRoutes(e, handler.NewLockHandler(locks), handler.NewBookingHandler(orch), mw)

	addr := ":" + cfg.Port
	log.Printf("listening on %s (env=%s)", addr, cfg.Env)
	go func() {
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
