// Package app wires the order service together for the binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/uptrace/bun"

	"ms-orders/internal/auth"
	"ms-orders/internal/config"
	"ms-orders/internal/database"
	"ms-orders/internal/database/migrations"
	"ms-orders/internal/jobs"
	"ms-orders/internal/kafka"
	"ms-orders/internal/logger"
	"ms-orders/internal/metrics"
	"ms-orders/internal/notify"
	"ms-orders/internal/order"
	"ms-orders/internal/order/order_api"
	"ms-orders/internal/payment"
	"ms-orders/internal/promotion"
	"ms-orders/internal/recovery"
	"ms-orders/internal/reservation"
	"ms-orders/internal/sse"
	"ms-orders/internal/store"
)

type App struct {
	Config  *config.Config
	Log     *logger.Logger
	DB      *bun.DB
	Redis   *redis.Client
	Metrics *metrics.Metrics

	Engine   *reservation.Engine
	Machine  *order.StateMachine
	Orders   *order.Service
	Payments *payment.Service
	Recovery *recovery.Service
	Events   *sse.OrderEventEmitter
	Jobs     []*jobs.Controller

	producer *kafka.Producer
	tracker  *reservation.RedisTracker
	wg       sync.WaitGroup
}

// New connects to every backing service and builds the domain services.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log, Metrics: metrics.New(), Events: sse.NewOrderEventEmitter()}

	db, err := database.OpenPostgres(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}
	a.DB = db

	if cfg.Database.AutoMigrate {
		runner := migrations.NewRunner(db, migrations.OptionsFrom(cfg.Database), log)
		err := runner.Run()
		_ = runner.Close()
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	a.Redis, err = database.OpenRedis(ctx, cfg.Redis, log)
	if err != nil {
		log.Warn("REDIS", fmt.Sprintf("Continuing without Redis: %v", err))
	}

	gw := store.New(db)
	engineOpts := []reservation.Option{
		reservation.WithMetrics(a.Metrics),
		reservation.WithDurations(cfg.Reservation),
	}
	if a.Redis != nil {
		a.tracker = reservation.NewRedisTracker(a.Redis, log)
		engineOpts = append(engineOpts, reservation.WithTracker(a.tracker))
	}
	a.Engine = reservation.NewEngine(gw, log, engineOpts...)

	mailer := notify.Mailer(notify.NopMailer{})
	if cfg.Email.Enabled {
		mailer = notify.NewSMTPMailer(cfg.Email)
	}
	a.Recovery = recovery.NewService(gw, mailer, log, a.Metrics, nil, cfg.Recovery)

	notifiers := []order.Notifier{a.Events, recovery.ConversionNotifier{Service: a.Recovery}}
	if cfg.Kafka.Enabled {
		topics := []string{cfg.Kafka.Topics.OrderStateChanged, cfg.Kafka.Topics.ReservationsReleased, cfg.Kafka.Topics.PaymentResults}
		if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers, topics, log); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		}
		a.producer = kafka.NewProducer(cfg.Kafka.Brokers, log)
		notifiers = append(notifiers, &order.EventNotifier{
			Publisher:         a.producer,
			StateTopic:        cfg.Kafka.Topics.OrderStateChanged,
			ReservationsTopic: cfg.Kafka.Topics.ReservationsReleased,
		})
	}
	a.Machine = order.NewStateMachine(gw, a.Engine, log,
		order.WithStateMetrics(a.Metrics),
		order.WithNotifiers(notifiers...),
	)
	a.Orders = order.NewService(gw, a.Machine, a.Engine, promotion.NewService(gw, log, nil), log, nil)

	var gateway payment.Gateway = payment.UnavailableGateway{}
	if stripeGateway, err := payment.NewStripeGateway(cfg.Stripe, log); err == nil {
		gateway = stripeGateway
	} else {
		log.Warn("PAYMENT", "STRIPE_SECRET_KEY not set, charges will fail as technical errors")
	}
	a.Payments = payment.NewService(gw, a.Machine, a.Engine, gateway, log, a.Metrics, nil, cfg.Checkout)

	a.Jobs = a.buildJobs(gw)
	return a, nil
}

func (a *App) buildJobs(gw store.Gateway) []*jobs.Controller {
	cfg := a.Config.Jobs
	opts := []jobs.ControllerOption{jobs.WithMetrics(a.Metrics)}
	if a.Redis != nil && cfg.LeaseTTL > 0 {
		opts = append(opts, jobs.WithLease(jobs.NewRedisLease(a.Redis), cfg.LeaseTTL))
	}
	return []*jobs.Controller{
		jobs.NewController(
			jobs.NewReservationExpirationJob(gw, a.Engine, a.Log, nil, cfg.BatchSize),
			cfg.ReservationExpiryInterval, a.Log, opts...),
		jobs.NewController(
			jobs.NewStateTimeoutJob(gw, a.Machine, a.Log, nil, cfg.CheckoutTimeout, cfg.PreparingAlertAfter, cfg.BatchSize),
			cfg.StateTimeoutInterval, a.Log, opts...),
		jobs.NewController(
			jobs.NewAbandonedCartJob(a.Recovery),
			cfg.AbandonedCartInterval, a.Log, opts...),
	}
}

// StartJobs schedules every enforcement loop.
func (a *App) StartJobs(ctx context.Context) {
	for _, c := range a.Jobs {
		c.Start(ctx)
	}
}

// StartListeners subscribes to Redis expiry events and the payment results
// topic. Both are optional; polling and the HTTP payment path still work
// without them.
func (a *App) StartListeners(ctx context.Context) {
	if a.tracker != nil && a.Config.Redis.KeyspaceNotifier {
		if err := reservation.EnableExpiryEvents(ctx, a.Redis); err != nil {
			a.Log.Warn("REDIS", fmt.Sprintf("Failed to enable keyspace notifications: %v", err))
		}
		if err := a.tracker.Subscribe(ctx, a.Engine.HandleExpiry); err != nil {
			a.Log.Warn("REDIS", fmt.Sprintf("Expiry subscription failed: %v", err))
		}
	}

	if a.Config.Kafka.Enabled {
		consumer := kafka.NewConsumer(a.Config.Kafka.Brokers, a.Config.Kafka.Topics.PaymentResults, a.Config.Kafka.GroupID, a.Log)
		results := payment.NewResultConsumer(a.Payments, a.Log)
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			defer consumer.Close()
			if err := consumer.Run(ctx, results.Handle); err != nil {
				a.Log.Error("KAFKA", fmt.Sprintf("Payment results consumer stopped: %v", err))
			}
		}()
	}
}

// Router builds the HTTP API over the app's services.
func (a *App) Router(verifier auth.Verifier) http.Handler {
	h := &order_api.Handler{
		OrderService:    a.Orders,
		Reservations:    a.Engine,
		PaymentService:  a.Payments,
		RecoveryService: a.Recovery,
		Events:          a.Events,
		Jobs:            a.Jobs,
		Logger:          a.Log,
	}
	return order_api.NewRouter(h, order_api.RouterConfig{
		Auth:        auth.Middleware(verifier, a.Log),
		OperatorIDs: a.Config.Auth.OperatorIDs,
		Metrics:     a.Metrics,
		MetricsPath: a.Config.Server.MetricsPath,
	})
}

// Verifier picks the token verifier the auth config asks for.
func Verifier(ctx context.Context, cfg config.AuthConfig, log *logger.Logger) (auth.Verifier, error) {
	if cfg.OIDCIssuer != "" {
		v, err := auth.NewOIDCVerifier(ctx, cfg.OIDCIssuer)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
	if cfg.InsecureDevTokens {
		log.LogSecurity("INSECURE_TOKENS", "bearer tokens are not verified; never use this outside development")
		return auth.UnverifiedVerifier{}, nil
	}
	return nil, errors.New("OIDC_ISSUER is required unless AUTH_INSECURE_DEV_TOKENS is set")
}

// StopJobs waits for in-flight runs; Close releases connections.
func (a *App) StopJobs() {
	for _, c := range a.Jobs {
		if c.Status().Running {
			c.Stop()
		}
	}
}

func (a *App) Close() {
	a.wg.Wait()
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.Log.Warn("KAFKA", fmt.Sprintf("Producer close: %v", err))
		}
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		_ = a.DB.Close()
	}
}
