package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/stayease/reservations/internal/app"
	"github.com/stayease/reservations/internal/clock"
	"github.com/stayease/reservations/internal/config"
	"github.com/stayease/reservations/internal/logging"
	"github.com/stayease/reservations/internal/notify"
	"github.com/stayease/reservations/internal/payment"
	"github.com/stayease/reservations/internal/storage/memory"
	"github.com/stayease/reservations/internal/storage/postgres"
	redisstore "github.com/stayease/reservations/internal/storage/redis"
	transporthttp "github.com/stayease/reservations/internal/transport/http"
	"github.com/stayease/reservations/migrations"
)

const (
	startupTimeout = 5 * time.Second
	relayInterval  = 500 * time.Millisecond
)

func main() {
	cfg, envPath, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Log.Level)
	slog.SetDefault(log)
	if envPath != "" {
		log.Info("loaded env file", "path", envPath)
	}

	if err := run(cfg, log); err != nil {
		log.Error("api stopped with error", "err", err)
		os.Exit(1)
	}
}

// backend bundles the storage-dependent collaborators.
type backend struct {
	store  app.ReservationStore
	ledger app.InventoryLedger
	rates  app.RateRepository
	queue  app.ReconciliationQueue
	outbox *postgres.OutboxStore
	tx     app.Transactor
	ready  []transporthttp.Pinger
	close  func()
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.NewSystem()

	be, err := openBackend(ctx, cfg, clk, log)
	if err != nil {
		return err
	}
	defer be.close()

	gateway, err := newGateway(cfg)
	if err != nil {
		return err
	}

	var workers sync.WaitGroup
	var publisher app.Publisher = notify.NewLogPublisher(log)
	if be.outbox != nil && len(cfg.Kafka.Brokers) > 0 {
		writer := notify.NewKafkaWriter(cfg.Kafka.Brokers)
		defer func() { _ = writer.Close() }()

		relay := notify.NewRelay(log, be.outbox, notify.NewKafkaDispatcher(log, writer, cfg.Kafka.Topic), relayInterval)
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := relay.Run(ctx); err != nil {
				log.Error("outbox relay stopped with error", "err", err)
			}
		}()
		publisher = notify.NewOutboxPublisher(be.outbox)
		log.Info("publishing lifecycle events through the outbox", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	} else if len(cfg.Kafka.Brokers) > 0 {
		log.Warn("KAFKA_BROKERS ignored without the postgres outbox; logging lifecycle events instead")
	}

	rates := app.NewRateService(be.rates, clk, cfg.Booking.Currency)
	coord := app.NewCoordinator(app.Dependencies{
		Store:     be.store,
		Ledger:    be.ledger,
		Gateway:   gateway,
		Rates:     rates,
		Publisher: publisher,
		Queue:     be.queue,
		Tx:        be.tx,
	}, clk,
		app.WithHoldTTL(cfg.Booking.HoldTTL),
		app.WithGatewayTimeout(cfg.Booking.GatewayTimeout),
		app.WithPaymentGrace(cfg.Booking.PaymentGrace),
		app.WithLogger(log),
	)

	sweeper := app.NewSweeper(coord, cfg.Booking.SweepInterval, log)
	workers.Add(1)
	go func() {
		defer workers.Done()
		sweeper.Start(ctx)
	}()

	routerCfg := transporthttp.RouterConfig{
		Logger:      log,
		Auth:        transporthttp.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, log),
		CORSOrigins: cfg.Server.CORSOrigins,
		Ready:       be.ready,
	}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = client.Close() }()

		guard := redisstore.NewReplayGuard(client, cfg.Redis.ReplayTTL)
		routerCfg.ReplayGuard = guard
		routerCfg.Ready = append(routerCfg.Ready, guard)
		log.Info("callback replay guard enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.ReplayTTL)
	}

	server := &http.Server{
		Addr: cfg.Addr(),
		Handler: transporthttp.NewRouter(routerCfg, transporthttp.Services{
			Reservations: coord,
			Callbacks:    coord,
			Admin:        coord,
			Rates:        rates,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Booking.GatewayTimeout + 10*time.Second,
	}

	srvErr := make(chan error, 1)
	go func() {
		log.Info("api listening", "addr", server.Addr, "storage", cfg.Storage.Backend, "payment_provider", gateway.Name())
		srvErr <- server.ListenAndServe()
	}()

	var serveErr error
	select {
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("serve: %w", err)
		}
		stop()
	case <-ctx.Done():
		log.Info("shutdown signal received, stopping server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server shutdown", "err", err)
	}
	workers.Wait()
	log.Info("server stopped")
	return serveErr
}

func openBackend(ctx context.Context, cfg *config.Config, clk clock.Clock, log *slog.Logger) (*backend, error) {
	if cfg.Storage.Backend == "memory" {
		log.Warn("using in-memory storage; reservations are lost on restart")
		store := memory.NewReservationStore(clk)
		return &backend{
			store:  store,
			ledger: memory.NewLedger(clk, memory.WithReservations(store)),
			rates:  memory.NewRateBook(),
			queue:  memory.NewReconciliationQueue(),
			close:  func() {},
		}, nil
	}

	startupCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	pool, err := pgxpool.New(startupCtx, cfg.Storage.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to db: %w", err)
	}
	if err := pool.Ping(startupCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if err := migrations.Apply(startupCtx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &backend{
		store:  postgres.NewReservationStore(pool, clk),
		ledger: postgres.NewLedger(pool, clk),
		rates:  postgres.NewRateRepository(pool),
		queue:  postgres.NewReconciliationQueue(pool),
		outbox: postgres.NewOutboxStore(pool),
		tx:     postgres.NewTransactor(pool),
		ready:  []transporthttp.Pinger{pool},
		close:  pool.Close,
	}, nil
}

func newGateway(cfg *config.Config) (app.PaymentGateway, error) {
	switch cfg.Payment.Provider {
	case "mock":
		return payment.NewMock(), nil
	case "razorpay":
		return payment.NewRazorpay(payment.RazorpayConfig{
			KeyID:         cfg.Payment.RazorpayKeyID,
			KeySecret:     cfg.Payment.RazorpayKeySecret,
			WebhookSecret: cfg.Payment.RazorpayWebhookSecret,
			BaseURL:       cfg.Payment.RazorpayBaseURL,
			HTTPClient:    &http.Client{Timeout: cfg.Booking.GatewayTimeout},
		}), nil
	case "admin":
		return payment.NewAdminApproval(cfg.Payment.AdminApprovalSecret), nil
	}
	return nil, fmt.Errorf("unknown payment provider %q", cfg.Payment.Provider)
}
