package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/iliyamo/raffle-reservation/internal/clock"
	"github.com/iliyamo/raffle-reservation/internal/config"
	"github.com/iliyamo/raffle-reservation/internal/database"
	"github.com/iliyamo/raffle-reservation/internal/handler"
	"github.com/iliyamo/raffle-reservation/internal/middleware"
	"github.com/iliyamo/raffle-reservation/internal/model"
	"github.com/iliyamo/raffle-reservation/internal/payment"
	"github.com/iliyamo/raffle-reservation/internal/queue"
	"github.com/iliyamo/raffle-reservation/internal/repository"
	"github.com/iliyamo/raffle-reservation/internal/repository/boltstore"
	"github.com/iliyamo/raffle-reservation/internal/router"
	"github.com/iliyamo/raffle-reservation/internal/service"
	"github.com/iliyamo/raffle-reservation/internal/utils"
)

type store interface {
	service.Store
	io.Closer
	Ping(ctx context.Context) error
}

func main() {
	cfg := config.Load()
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if cfg.Dev() {
		opts.Level = slog.LevelDebug
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts)).With("env", cfg.Env)
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	raffle, err := config.LoadRaffleConfig()
	if err != nil {
		return err
	}
	switch err := utils.ValidatePasswordHash(cfg.OperatorPasswordHash); {
	case errors.Is(err, utils.ErrNoOperatorPassword):
		logger.Warn("operator login disabled", "reason", err)
	case err != nil:
		return err
	}
	pool, err := model.NewNumberPool(raffle.First, raffle.Last, raffle.Width)
	if err != nil {
		return err
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	payCfg := config.LoadPaymentConfig()
	gateway, err := newGateway(cfg, payCfg, logger)
	if err != nil {
		return err
	}

	var (
		publisher *queue.Publisher
		events    service.EventPublisher
		notifyQ   handler.NotificationPublisher
	)
	if cfg.QueueEnabled {
		publisher = queue.NewPublisher(queue.BrokerURL(), logger.With("component", "queue"))
		defer publisher.Close()
		events, notifyQ = publisher, publisher
	}

	clk := clock.NewSystem()
	res := service.NewReservationService(st, gateway, pool, clk,
		service.WithHoldTTL(raffle.HoldTTL),
		service.WithMaxTicketsPerHold(raffle.MaxTicketsPerHold),
		service.WithCheckout(service.CheckoutConfig{
			Title:           raffle.Title,
			UnitPriceCents:  raffle.PriceCents,
			Currency:        raffle.Currency,
			ReturnURLs:      returnURLs(payCfg.PublicBaseURL),
			NotificationURL: publicURL(payCfg.PublicBaseURL, "/v1/payments/notifications"),
		}),
		service.WithReservationLogger(logger.With("component", "reservation")),
	)
	settle := service.NewSettlementService(st, gateway, clk,
		service.WithEventPublisher(events),
		service.WithSettlementLogger(logger.With("component", "settlement")),
	)

	seeded, err := res.Seed(ctx)
	if err != nil {
		return err
	}
	logger.Info("ticket pool ready", "first", pool.Format(pool.First), "last", pool.Format(pool.Last), "new", seeded)

	rdb := config.NewRedisClient(config.LoadRedisConfig(), logger)
	if rdb != nil {
		defer rdb.Close()
	}

	var wg sync.WaitGroup
	var lease service.Lease
	if rdb != nil {
		lease = service.NewRedisLease(rdb, "raffle:reaper:lease")
	}
	reaper := service.NewReaper(res, raffle.ReapInterval, lease, logger.With("component", "reaper"))
	wg.Add(1)
	go func() {
		defer wg.Done()
		reaper.Run(ctx)
	}()

	if cfg.QueueEnabled {
		consumer := queue.NewConsumer(queue.BrokerURL(), settle.HandleNotification, logger.With("component", "notification-consumer"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("notification consumer stopped", "err", err)
			}
		}()
	}

	e := newEcho(logger)
	router.RegisterRoutes(e, handler.NewHealthHandler(st.Ping, logger))
	router.RegisterShopper(e, handler.NewTicketHandler(res, logger), middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb, logger))
	router.RegisterPayments(e, handler.NewPaymentHandler(settle, notifyQ, logger))
	router.RegisterOperator(e, &handler.OperatorHandler{
		Res:          res,
		Settle:       settle,
		PasswordHash: cfg.OperatorPasswordHash,
		JWTSecret:    cfg.JWTSecret,
		AccessTTLMin: cfg.AccessTTLMin,
		Log:          logger,
	}, cfg.JWTSecret)

	addr := ":" + cfg.Port
	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr, "env", cfg.Env, "store", cfg.StoreDriver)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		stop()
		wg.Wait()
		return err
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	wg.Wait()
	return nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store, error) {
	if cfg.StoreDriver == config.DriverBolt {
		logger.Info("using bolt store", "path", cfg.BoltPath)
		return boltstore.New(cfg.BoltPath)
	}
	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("using mysql store", "host", cfg.DBHost, "db", cfg.DBName)
	return repository.NewStore(db), nil
}

// newGateway returns the Mercado Pago client, or an in-memory fake in
// development when no access token is configured.
func newGateway(cfg config.Config, pc config.PaymentConfig, logger *slog.Logger) (service.Gateway, error) {
	if pc.AccessToken == "" {
		if !cfg.Dev() {
			return nil, errors.New("MP_ACCESS_TOKEN is required outside development")
		}
		logger.Warn("MP_ACCESS_TOKEN not set; using fake payment gateway")
		return payment.NewFake(pc.PublicBaseURL + "/fake-checkout"), nil
	}
	return payment.NewClient(payment.Config{
		BaseURL:     pc.BaseURL,
		AccessToken: pc.AccessToken,
		Timeout:     pc.Timeout,
		MaxAttempts: pc.MaxAttempts,
		Backoff:     pc.Backoff,
	}, logger.With("component", "mercadopago")), nil
}

func publicURL(base, path string) string {
	if base == "" {
		return ""
	}
	return base + path
}

func returnURLs(base string) payment.ReturnURLs {
	u := publicURL(base, "/v1/payments/return")
	return payment.ReturnURLs{Success: u, Failure: u, Pending: u}
}

func newEcho(logger *slog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(echomw.BodyLimit("64K"))
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency, "request_id", v.RequestID}
			if v.Error != nil {
				logger.Error("request", append(attrs, "err", v.Error)...)
				return nil
			}
			logger.Info("request", attrs...)
			return nil
		},
	}))
	return e
}
