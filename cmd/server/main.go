package main // Entry point package

import (
	"context"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/virtual-waiting-room/internal/config"
	"github.com/iliyamo/virtual-waiting-room/internal/database"
	"github.com/iliyamo/virtual-waiting-room/internal/handler"
	"github.com/iliyamo/virtual-waiting-room/internal/limiter"
	"github.com/iliyamo/virtual-waiting-room/internal/queue"
	"github.com/iliyamo/virtual-waiting-room/internal/reaper"
	"github.com/iliyamo/virtual-waiting-room/internal/repository"
	"github.com/iliyamo/virtual-waiting-room/internal/router"
)

func main() {
	// Load .env in development; in production the environment is set by
	// the deployment, so a missing file is not an error.
	_ = godotenv.Load()

	cfg := config.Load()
	admCfg := config.LoadAdmissionConfig()
	rlCfg := config.LoadRateLimitConfig()

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	sessions := repository.NewSessionRepo(db)

	// Prefer the Redis-backed limiter so the polling budget holds across
	// instances; fall back to the in-process sliding window when Redis is
	// unavailable (correct for a single serving instance).
	var sessionLimiter, ipLimiter limiter.Limiter
	if rdb := config.NewRedisClient(); rdb != nil {
		sessionLimiter = limiter.NewRedisLimiter(rdb, rlCfg.Prefix+":session", rlCfg.SessionMax, rlCfg.SessionWindow, rlCfg.TTL)
		ipLimiter = limiter.NewRedisLimiter(rdb, rlCfg.Prefix+":ip", rlCfg.IPMax, rlCfg.IPWindow, rlCfg.TTL)
		log.Println("rate limiter: using redis sliding window")
	} else {
		stop := make(chan struct{})
		defer close(stop)
		mem := limiter.NewMemoryLimiter(rlCfg.SessionMax, rlCfg.SessionWindow)
		mem.StartJanitor(rlCfg.TTL, stop)
		memIP := limiter.NewMemoryLimiter(rlCfg.IPMax, rlCfg.IPWindow)
		memIP.StartJanitor(rlCfg.TTL, stop)
		sessionLimiter, ipLimiter = mem, memIP
		log.Println("rate limiter: redis unavailable, using in-process sliding window")
	}

	adm := handler.NewAdmissionHandler(sessions, sessionLimiter, admCfg, rlCfg)

	e := echo.New()
	router.RegisterRoutes(e)
	router.RegisterWaitingRoom(e, adm, rlCfg, ipLimiter)

	// Background reaper retires abandoned sessions and promotes waiting
	// ones into the freed capacity.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reaper.New(sessions, admCfg).Run(ctx)

	// Lifecycle consumer mirrors promotions and expiries into
	// logs/waitingroom.log; it reconnects on its own and never brings the
	// server down.
	go func() {
		if err := queue.StartLifecycleConsumer(); err != nil {
			log.Printf("lifecycle consumer stopped: %v", err)
		}
	}()

	addr := ":" + cfg.Port
	log.Printf("listening on %s (env=%s, default capacity=%d, stale after=%s)",
		addr, cfg.Env, admCfg.DefaultMaxConcurrent, admCfg.StaleAfter.Round(time.Second))

	if err := e.Start(addr); err != nil {
		log.Fatal(err)
	}
}
