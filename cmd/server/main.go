package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"

	"github.com/iliyamo/bingo-hall/internal/config"
	"github.com/iliyamo/bingo-hall/internal/database"
	"github.com/iliyamo/bingo-hall/internal/handler"
	"github.com/iliyamo/bingo-hall/internal/middleware"
	"github.com/iliyamo/bingo-hall/internal/queue"
	"github.com/iliyamo/bingo-hall/internal/realtime"
	"github.com/iliyamo/bingo-hall/internal/repository"
	"github.com/iliyamo/bingo-hall/internal/router"
	"github.com/iliyamo/bingo-hall/internal/service"
)

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()
	cfg := config.Load()

	logger := log.New("bingo")
	logger.SetLevel(cfg.LogLevel)
	logger.SetHeader(`{"time":"${time_rfc3339}","level":"${level}","prefix":"${prefix}"}`)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(database.Options{
		User: cfg.DBUser, Pass: cfg.DBPass, Host: cfg.DBHost, Port: cfg.DBPort, Name: cfg.DBName,
	})
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()
	if cfg.DBAutoMigrate {
		if err := database.Migrate(ctx, db); err != nil {
			logger.Fatalf("migrate: %v", err)
		}
	}

	rdb := config.NewRedisClient(config.LoadRedisConfig())
	if rdb == nil {
		logger.Warn("redis unavailable: rate limiting and caching disabled")
	} else {
		defer rdb.Close()
	}

	hub := realtime.NewHub(logger)
	defer hub.Close()
	sinks := []service.EventSink{hub}
	if cfg.Events.Enabled {
		pub := service.NewAMQPPublisher(cfg.Events, logger)
		go pub.Run(ctx)
		sinks = append(sinks, pub)
		if cfg.Events.JournalPath != "" {
			go func() {
				err := queue.StartEventConsumer(ctx, cfg.Events.AMQPURL, cfg.Events.QueueName, queue.NewJournal(cfg.Events.JournalPath), logger)
				if err != nil && !errors.Is(err, context.Canceled) {
					logger.Errorf("event consumer: %v", err)
				}
			}()
		}
	}
	events := service.NewDispatcher(logger, sinks...)

	users := repository.NewUserRepo(db)
	tokens := repository.NewTokenRepo(db)
	companies := repository.NewCompanyRepo(db)
	assignments := repository.NewAssignmentRepo(db)
	sessions := repository.NewSessionRepo(db)
	cards := repository.NewCardRepo(db)
	ledger := repository.NewTransactionRepo(db)

	audit := service.NewAuditor(repository.NewAuditRepo(db), logger)
	identity := service.NewIdentityService(users, tokens, audit, service.IdentityConfig{
		JWTSecret:      cfg.JWTSecret,
		AccessTTLMin:   cfg.AccessTTLMin,
		RefreshTTLDays: cfg.RefreshTTLDays,
		BcryptCost:     cfg.BcryptCost,
	})
	tenants := service.NewTenantService(users, companies, assignments, audit)
	sessionSvc := service.NewSessionService(service.SessionDeps{
		Sessions: sessions, Cards: cards, Companies: companies, Users: users, Assignments: assignments,
	}, events, audit, cfg.Game)
	cardSvc := service.NewCardService(sessions, cards, ledger, companies, events, audit, cfg.Game)
	ledgerSvc := service.NewLedgerService(service.LedgerDeps{
		Ledger: ledger, Sessions: sessions, Cards: cards, Companies: companies, Users: users, Assignments: assignments,
		Policy: cfg.Game,
	}, events, audit)

	e := echo.New()
	e.HideBanner = true
	e.Logger = logger
	e.Use(echomw.RequestID())
	e.Use(echomw.Recover())
	e.Use(echomw.LoggerWithConfig(echomw.LoggerConfig{
		Format: `{"time":"${time_rfc3339}","id":"${id}","method":"${method}","uri":"${uri}","status":${status},"latency":"${latency_human}"}` + "\n",
	}))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{AllowOrigins: cfg.CORSOrigins}))

	router.Register(e, router.Handlers{
		Auth:      handler.NewAuthHandler(identity),
		Users:     handler.NewUserHandler(identity, tenants),
		Companies: handler.NewCompanyHandler(tenants),
		Sessions:  handler.NewSessionHandler(sessionSvc),
		Cards:     handler.NewCardHandler(cardSvc, ledgerSvc),
		Ledger:    handler.NewLedgerHandler(ledgerSvc),
		Audit:     handler.NewAuditHandler(audit),
		Stream:    handler.NewStreamHandler(sessionSvc, hub),
	}, router.Options{
		JWTSecret: cfg.JWTSecret,
		RateLimit: middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb),
		Cache:     middleware.NewRedisCache(config.LoadCacheConfig(), rdb),
	})

	go func() {
		addr := ":" + cfg.Port
		logger.Infof("listening on %s (env=%s)", addr, cfg.Env)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown: %v", err)
	}
}
