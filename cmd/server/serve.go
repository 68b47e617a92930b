package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/iliyamo/slot-booking/internal/config"
	"github.com/iliyamo/slot-booking/internal/database"
	"github.com/iliyamo/slot-booking/internal/handler"
	"github.com/iliyamo/slot-booking/internal/middleware"
	"github.com/iliyamo/slot-booking/internal/obs"
	"github.com/iliyamo/slot-booking/internal/payment"
	"github.com/iliyamo/slot-booking/internal/queue"
	"github.com/iliyamo/slot-booking/internal/repository"
	"github.com/iliyamo/slot-booking/internal/router"
	"github.com/iliyamo/slot-booking/internal/service"
)

// The provider refuses hosted pages that expire in under 30 minutes.
const minSessionTTL = 31 * time.Minute

var (
	serveMigrate bool
	serveNoSweep bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the expiry sweep",
	Long: `Start the booking API.

The expiry sweep runs in-process every SWEEP_INTERVAL unless --no-sweep is
given, in which case "server sweep" should run from cron.

Examples:
  server serve
  server serve --migrate
  server serve --no-sweep`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", false, "apply the schema before serving")
	serveCmd.Flags().BoolVar(&serveNoSweep, "no-sweep", false, "do not run the expiry sweep in this process")
}

// checkoutSessionTTL is how long a hosted checkout page stays payable.
func checkoutSessionTTL(cfg config.Config) time.Duration {
	if cfg.CheckoutExpiry < minSessionTTL {
		return minSessionTTL
	}
	return cfg.CheckoutExpiry
}

// sweeperExpiry is the age after which a pending booking is expired. It
// trails the session TTL so the provider's own expiry event normally
// arrives first.
func sweeperExpiry(cfg config.Config) time.Duration {
	return checkoutSessionTTL(cfg) + 2*time.Minute
}

func credentials(cfg config.Config) payment.CredentialSet {
	return payment.CredentialSet{
		Production: payment.Credentials{SecretKey: cfg.StripeLiveSecretKey, WebhookSecret: cfg.StripeLiveWebhookSecret},
		Sandbox:    payment.Credentials{SecretKey: cfg.StripeTestSecretKey, WebhookSecret: cfg.StripeTestWebhookSecret},
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := obs.InitTracer(ctx, "slot-booking", cfg.Env, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(sctx); err != nil {
			log.WithError(err).Warn("tracer shutdown")
		}
	}()

	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	if serveMigrate {
		if err := database.Migrate(ctx, db, database.Schema); err != nil {
			return err
		}
	}

	rdb := config.NewRedisClient(ctx)
	if rdb == nil {
		log.Warn("redis unavailable, rate limiting and response cache disabled")
	} else {
		defer rdb.Close()
	}

	pub := queue.NewPublisher(cfg.RabbitMQURL, cfg.NotifyExchange)
	defer pub.Close()

	mode, err := payment.ParseEnvironment(cfg.PaymentMode)
	if err != nil {
		return err
	}
	creds := credentials(cfg)
	envRouter := payment.NewEnvironmentRouter(mode)
	provider := payment.NewStripeProvider(creds, cfg.ProviderTimeout)
	checkout := payment.NewCheckoutBuilder(provider, envRouter, payment.CheckoutOptions{
		Currency:   cfg.Currency,
		SuccessURL: cfg.CheckoutSuccessURL,
		CancelURL:  cfg.CheckoutCancelURL,
		Timeout:    cfg.ProviderTimeout,
		SessionTTL: checkoutSessionTTL(cfg),
	})

	slots := repository.NewSlotRepo(db)
	bookings := repository.NewBookingRepo(db, slots)
	ledger := repository.NewWebhookEventRepo(db)

	bookingSvc := service.NewBookingService(db, slots, bookings, checkout, pub, log)
	refunds := service.NewRefundCoordinator(db, bookings, provider, cfg.ProviderTimeout, pub, log)
	reconciler := service.NewReconciler(db, payment.NewVerifier(creds), bookings, ledger, pub, log)

	e := echo.New()
	e.HideBanner = true
	e.Validator = handler.NewRequestValidator()
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.Tracing("slot-booking"))
	e.Use(requestLogger(log))
	e.Use(echomw.Recover())

	slotH := handler.NewSlotHandler(slots, bookings)
	bookingH := handler.NewBookingHandler(bookingSvc, refunds, bookings)
	router.RegisterRoutes(e, db)
	router.RegisterPublic(e, slotH, middleware.NewRedisCache(config.LoadCacheConfig(), rdb))
	router.RegisterWebhooks(e, handler.NewWebhookHandler(reconciler))
	router.RegisterBookings(e, bookingH, cfg.JWTSecret, middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb))
	router.RegisterStaff(e, slotH, bookingH, handler.NewPaymentEnvHandler(envRouter, log), cfg.JWTSecret)

	var wg sync.WaitGroup
	if !serveNoSweep {
		sw := service.NewSweeper(db, bookings, sweeperExpiry(cfg), cfg.SweepBatch, pub, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sw.Run(ctx, cfg.SweepInterval)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		log.WithFields(logrus.Fields{"addr": addr, "env": cfg.Env, "payment_mode": mode}).Info("listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err = <-errCh:
		stop()
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := e.Shutdown(sctx); serr != nil {
		log.WithError(serr).Warn("http shutdown")
	}
	wg.Wait()
	log.Info("server stopped")
	return err
}

// requestLogger logs one line per request with the request and trace ids.
func requestLogger(log logrus.FieldLogger) echo.MiddlewareFunc {
	return echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			fields := logrus.Fields{
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency_ms": v.Latency.Milliseconds(),
				"request_id": v.RequestID,
			}
			if sc := trace.SpanFromContext(c.Request().Context()).SpanContext(); sc.HasTraceID() {
				fields["trace_id"] = sc.TraceID().String()
			}
			if uid, ok := middleware.UserID(c); ok {
				fields["user_id"] = uid
			}
			entry := log.WithFields(fields)
			switch {
			case v.Error != nil:
				entry.WithError(v.Error).Error("request failed")
			case v.Status >= 500:
				entry.Error("request")
			default:
				entry.Info("request")
			}
			return nil
		},
	})
}
