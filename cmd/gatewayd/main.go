package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"paymentgateway/internal/chainclient"
	"paymentgateway/internal/config"
	"paymentgateway/internal/domain"
	"paymentgateway/internal/ingestor"
	"paymentgateway/internal/intentengine"
	"paymentgateway/internal/priceoracle"
	"paymentgateway/internal/recon"
	"paymentgateway/internal/scheduler"
	"paymentgateway/internal/store"
	"paymentgateway/internal/surface"
	"paymentgateway/internal/webhook"
	"paymentgateway/observability/logging"
	telemetry "paymentgateway/observability/otel"
)

const shutdownTimeout = 10 * time.Second

// fiatCryptoPairs lists every fiat/crypto combination the price oracle keeps
// fresh. Every intent's (FiatCurrency, CryptoCurrency) pair is drawn from
// this fixed set (domain.FiatCurrency/domain.CryptoCurrency), so refreshing
// all of them covers every pair an intent could ever request.
var fiatCryptoPairs = func() [][2]string {
	fiats := []domain.FiatCurrency{domain.FiatUSD, domain.FiatEUR, domain.FiatGBP, domain.FiatJPY}
	cryptos := []domain.CryptoCurrency{domain.CryptoDOT, domain.CryptoKSM}
	pairs := make([][2]string, 0, len(fiats)*len(cryptos))
	for _, f := range fiats {
		for _, c := range cryptos {
			pairs = append(pairs, [2]string{string(f), string(c)})
		}
	}
	return pairs
}()

func main() {
	env := strings.TrimSpace(os.Getenv("GATEWAY_ENV"))
	logging.Setup("gatewayd", env)

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	insecure := true
	if raw := strings.TrimSpace(os.Getenv("GATEWAY_OTEL_INSECURE")); raw != "" {
		if parsed, err := strconv.ParseBool(raw); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "gatewayd",
		Environment: cfg.Environment,
		Endpoint:    cfg.OTelEndpoint,
		Insecure:    insecure,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := openDatabase(cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	st := store.New(db)
	if err := st.AutoMigrate(); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	prices := priceoracle.NewAggregator([]string{"manual", "market"}, cfg.PriceOracle.MaxAge)
	prices.Register("manual", priceoracle.NewManualOracle())
	if cfg.PriceOracle.Endpoint != "" {
		prices.Register("market", priceoracle.NewMarketDataOracle(http.DefaultClient, cfg.PriceOracle.Endpoint))
	}

	chain := chainclient.NewRPCClient(firstOrEmpty(cfg.Chain.RPCURLs), cfg.Chain.AuthToken, cfg.Chain.ContractAddress)

	webhooks := webhook.New(st, webhook.Config{
		QueueCapacity: cfg.Webhook.QueueCapacity,
		MaxAttempts:   cfg.Webhook.MaxAttempts,
		BaseBackoff:   cfg.Webhook.BaseBackoff,
		MaxBackoff:    cfg.Webhook.MaxBackoff,
		RatePerMinute: cfg.Webhook.RatePerMinute,
	})

	engine := intentengine.New(st, chain, prices, webhooks, cfg.HoldWindow)
	ingest := ingestor.New(chain, st, engine)
	batcher := recon.New(st, chain, cfg.ReconOutputDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go prices.RunRefreshLoop(ctx, cfg.PriceOracle.RefreshInterval, fiatCryptoPairs, func(err error) {
		log.Printf("price refresh: %v", err)
	})
	go webhooks.Start(ctx)

	hostname, _ := os.Hostname()
	leaseHolder := strings.TrimSpace(hostname)
	if leaseHolder == "" {
		leaseHolder = "gatewayd"
	}
	sched := scheduler.New(st, leaseHolder)
	sched.Register(scheduler.Job{
		Name:     "expire-intents",
		Interval: cfg.Scheduler.ExpireInterval,
		Run:      func(ctx context.Context) error { return expireDueIntents(ctx, st, engine) },
	})
	sched.Register(scheduler.Job{
		Name:     "auto-release",
		Interval: cfg.Scheduler.AutoReleaseInterval,
		Run:      func(ctx context.Context) error { return autoReleaseDueIntents(ctx, st, engine, cfg.HoldWindow) },
	})
	sched.Register(scheduler.Job{
		Name:     "webhook-sweep",
		Interval: cfg.Scheduler.WebhookSweep,
		Run:      webhooks.Sweep,
	})
	sched.Register(scheduler.Job{
		Name:     "payout-batch",
		Interval: cfg.Scheduler.PayoutBatchInterval,
		Run:      batcher.Run,
	})
	sched.Register(scheduler.Job{
		Name:     "event-cursor-advance",
		Interval: cfg.Scheduler.CursorAdvanceTick,
		Run:      ingest.Tick,
	})
	go sched.Start(ctx, func(job string, err error) {
		log.Printf("scheduler job %s: %v", job, err)
	})

	handler := surface.New(surface.Config{
		Engine:        engine,
		Store:         st,
		Auth:          surface.AuthConfig{JWTSecret: cfg.JWTSecret},
		ServiceName:   "gatewayd",
		RatePerSecond: cfg.APIRatePerSecond,
		RateBurst:     cfg.APIRateBurst,
	})

	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: handler,
	}

	go func() {
		log.Printf("gatewayd listening on %s", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Printf("shutting down gatewayd")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

func openDatabase(cfg config.Config) (*gorm.DB, error) {
	if cfg.DatabaseDriver == "sqlite" {
		return gorm.Open(sqlite.Open(cfg.DatabaseDSN), &gorm.Config{})
	}
	return gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{})
}

func firstOrEmpty(urls []string) string {
	if len(urls) == 0 {
		return ""
	}
	return urls[0]
}

// expireDueIntents drives the Expire transition for every intent past its
// expiry deadline that is still awaiting payment, grounded on the scheduler
// job loop calling a single-intent engine method per due row.
func expireDueIntents(ctx context.Context, st *store.Store, engine *intentengine.Engine) error {
	due, err := st.ExpirableIntents(ctx, time.Now().UTC(), 100)
	if err != nil {
		return err
	}
	for i := range due {
		if err := engine.Expire(ctx, due[i].ID.String()); err != nil {
			log.Printf("expire intent %s: %v", due[i].ID, err)
		}
	}
	return nil
}

// autoReleaseDueIntents drives the AutoRelease transition for every intent
// whose merchant-review hold window has elapsed without a confirm/refund.
func autoReleaseDueIntents(ctx context.Context, st *store.Store, engine *intentengine.Engine, holdWindow time.Duration) error {
	due, err := st.AutoReleasableIntents(ctx, time.Now().UTC(), holdWindow, 100)
	if err != nil {
		return err
	}
	for i := range due {
		if err := engine.AutoRelease(ctx, due[i].ID.String()); err != nil {
			log.Printf("auto-release intent %s: %v", due[i].ID, err)
		}
	}
	return nil
}
