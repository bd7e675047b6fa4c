// Command decisiond runs the authorization decision core, its own webhook
// ingress, and the periodic capture↔debt reconciliation job as a single
// co-located service, so reconciliation observes real issuer captures and
// chain debt deltas without a shared external store. It uses TOML config
// and flag.FlagSet bootstrap rather than webhookd's YAML gateway config,
// since it isn't part of the horizontally-scaled HTTP gateway surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"cardcredit/alerting"
	"cardcredit/cache"
	"cardcredit/corestate"
	"cardcredit/credit"
	"cardcredit/crypto"
	"cardcredit/decision"
	gwmiddleware "cardcredit/gateway/middleware"
	"cardcredit/indexer"
	common "cardcredit/native/common"
	"cardcredit/observability/logging"
	"cardcredit/observability/otel"
	"cardcredit/oracle"
	"cardcredit/queue"
	"cardcredit/reconcile"
	"cardcredit/webhook"
)

const defaultConfig = "./decisiond.toml"

type fileConfig struct {
	Environment              string `toml:"Environment"`
	StorePath                string `toml:"StorePath"`
	DeadLetterPath           string `toml:"DeadLetterPath"`
	AuditLogPath             string `toml:"AuditLogPath"`
	IssuerAddress            string `toml:"IssuerAddress"`
	MetricsListenAddress     string `toml:"MetricsListenAddress"`
	WebhookListenAddress     string `toml:"WebhookListenAddress"`
	WebhookSecret            string `toml:"WebhookSecret"`
	MaxAuthorizationUSDMicro int64  `toml:"MaxAuthorizationUSDMicro"`

	// OwnerEpochQuota guards the per-owner authorization.request velocity
	// behind the CAP_EXCEEDED decline, distinct from the per-transaction
	// cap above.
	OwnerMaxRequestsPerMin int64 `toml:"OwnerMaxRequestsPerMin"`
	OwnerMaxUSDMicroPerMin int64 `toml:"OwnerMaxUSDMicroPerMin"`
	OwnerEpochSeconds      int64 `toml:"OwnerEpochSeconds"`

	ReconcileIntervalSeconds    int64 `toml:"ReconcileIntervalSeconds"`
	ReconcileWindowSeconds      int64 `toml:"ReconcileWindowSeconds"`
	ReconcileDivergenceThreshold int64 `toml:"ReconcileDivergenceThresholdBps"`

	AlertEndpoint string `toml:"AlertEndpoint"`
	AlertSecret   string `toml:"AlertSecret"`

	OTelEndpoint string `toml:"OTelEndpoint"`
	OTelInsecure bool   `toml:"OTelInsecure"`
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "decisiond: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("decisiond", flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "path to decisiond TOML config")
	fs.Parse(args)

	var cfg fileConfig
	if _, err := toml.DecodeFile(*configPath, &cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if cfg.ReconcileIntervalSeconds <= 0 {
		cfg.ReconcileIntervalSeconds = 300
	}
	if cfg.ReconcileWindowSeconds <= 0 {
		cfg.ReconcileWindowSeconds = cfg.ReconcileIntervalSeconds
	}
	if cfg.MetricsListenAddress == "" {
		cfg.MetricsListenAddress = ":8082"
	}

	// The rotated audit file keeps reconciliation output across restarts;
	// stdout stays the primary sink either way.
	var logger *slog.Logger
	if cfg.AuditLogPath != "" {
		logger = logging.SetupWithFile("cardcredit-decisiond", cfg.Environment, cfg.AuditLogPath)
	} else {
		logger = logging.Setup("cardcredit-decisiond", cfg.Environment)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.OTelEndpoint != "" {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: "cardcredit-decisiond",
			Environment: cfg.Environment,
			Endpoint:    cfg.OTelEndpoint,
			Insecure:    cfg.OTelInsecure,
			Metrics:     true,
			Traces:      true,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer shutdown(context.Background())
	}

	store, err := corestate.Open(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	adapter := oracle.NewMemoryAdapter()
	gate := oracle.NewGate(adapter, 0, 0)

	var issuer crypto.Address
	if cfg.IssuerAddress != "" {
		issuer, err = crypto.DecodeAddress(cfg.IssuerAddress)
		if err != nil {
			return fmt.Errorf("decode IssuerAddress: %w", err)
		}
	}
	engine := credit.NewEngine(store, gate, issuer)

	var deadLetter queue.DeadLetter
	if cfg.DeadLetterPath != "" {
		durable, err := queue.OpenLevelDBDeadLetter(cfg.DeadLetterPath)
		if err != nil {
			return fmt.Errorf("open dead-letter store: %w", err)
		}
		defer durable.Close()
		deadLetter = durable
	} else {
		deadLetter = queue.NewMemoryDeadLetter()
	}
	q := queue.New(engine, deadLetter, logger)
	defer q.Close()

	chainSource := reconcile.NewMemoryChainSource()
	issuerSource := reconcile.NewMemoryIssuerSource()
	q.WithDebtRecorder(chainSource)

	watcher := indexer.NewMemoryWatcher()
	q.WithPositionWatcher(watcher)

	var alerter *alerting.Dispatcher
	if cfg.AlertEndpoint != "" {
		alerter, err = alerting.NewDispatcher(cfg.AlertEndpoint, []byte(cfg.AlertSecret))
		if err != nil {
			return fmt.Errorf("init alert dispatcher: %w", err)
		}
		defer alerter.Close()
		q.WithAlerter(alerter)
	}

	positionCache := cache.NewInMemory()
	idx := indexer.New(store, gate, positionCache, watcher, logger)
	go func() {
		if err := idx.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("decisiond: indexer stopped", "error", err)
		}
	}()

	decisionCfg := decision.Config{
		MaxAuthorizationUSDMicro: cfg.MaxAuthorizationUSDMicro,
		OwnerEpochQuota: common.Quota{
			MaxRequestsPerMin: uint32(cfg.OwnerMaxRequestsPerMin),
			MaxVolumePerEpoch: uint64(cfg.OwnerMaxUSDMicroPerMin),
			EpochSeconds:      uint32(cfg.OwnerEpochSeconds),
		},
	}
	core := decision.New(decisionCfg, positionCache, decision.NewMemoryPendingStore(), q, issuer, logger)
	core.WithCaptureRecorder(issuerSource)

	// decisiond mounts its own webhook ingress so the issuer-side
	// reconciliation feed observes real captures/refunds in this process;
	// webhookd remains the horizontally-scaled ingress for deployments that
	// don't need co-located reconciliation.
	ingress := webhook.NewServer(webhook.Config{
		Secret: []byte(cfg.WebhookSecret),
	}, webhook.NewMemoryReplaySet(), webhook.NewMemoryIdempotencyStore(), core, logger)
	webhookListen := cfg.WebhookListenAddress
	if webhookListen == "" {
		webhookListen = ":8083"
	}
	webhookSrv := &http.Server{Addr: webhookListen, Handler: otelhttp.NewHandler(ingress, "decisiond.webhook")}
	go func() {
		logger.Info("decisiond: webhook ingress listening", "addr", webhookListen)
		if err := webhookSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("decisiond: webhook ingress stopped", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		webhookSrv.Shutdown(shutdownCtx)
	}()

	reconciler := reconcile.New(issuerSource, chainSource, cfg.ReconcileDivergenceThreshold, logger)
	if alerter != nil {
		reconciler.WithAlerter(alerter)
	}

	go runReconcileLoop(ctx, reconciler, time.Duration(cfg.ReconcileIntervalSeconds)*time.Second, time.Duration(cfg.ReconcileWindowSeconds)*time.Second, logger)

	obs := gwmiddleware.NewObservability(gwmiddleware.ObservabilityConfig{
		ServiceName:   "cardcredit-decisiond",
		MetricsPrefix: "decisiond",
		Enabled:       true,
	}, nil)
	srv := &http.Server{Addr: cfg.MetricsListenAddress, Handler: obs.MetricsHandler()}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("decisiond: metrics listening", "addr", cfg.MetricsListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("decisiond: shutting down")
	return srv.Shutdown(shutdownCtx)
}

// runReconcileLoop runs one reconciliation pass per interval over a
// trailing window. It never exits early on a single pass's error;
// reconciliation failures are logged and retried next interval.
func runReconcileLoop(ctx context.Context, r *reconcile.Reconciler, interval, window time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			w := reconcile.Window{Start: now.Add(-window), End: now}
			if _, err := r.Run(ctx, w); err != nil {
				logger.Error("decisiond: reconcile pass failed", "error", err)
			}
		}
	}
}
