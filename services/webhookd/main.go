// Command webhookd runs the card-issuer webhook ingress as a standalone
// service: HMAC verification, replay/idempotency protection, rate limiting,
// and structured observability, handing validated events to the decision
// core. It composes the gateway package's YAML config loader and
// middleware stack.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gopkg.in/yaml.v3"

	"cardcredit/alerting"
	"cardcredit/cache"
	"cardcredit/corestate"
	"cardcredit/credit"
	"cardcredit/crypto"
	"cardcredit/decision"
	gwconfig "cardcredit/gateway/config"
	gwmiddleware "cardcredit/gateway/middleware"
	"cardcredit/observability/logging"
	"cardcredit/observability/otel"
	"cardcredit/oracle"
	"cardcredit/queue"
	"cardcredit/webhook"
)

// extraConfig holds the fields the shared gateway YAML schema doesn't carry:
// where on-chain state lives, the webhook HMAC secret, and the optional
// outbound alert endpoint.
type extraConfig struct {
	Environment     string `yaml:"environment"`
	StorePath       string `yaml:"storePath"`
	ReplayStorePath string `yaml:"replayStorePath"`
	IdemStorePath   string `yaml:"idempotencyStorePath"`
	RedisAddr       string `yaml:"redisAddr"`
	RedisPassword   string `yaml:"redisPassword"`
	RedisDB         int    `yaml:"redisDb"`
	IssuerAddress   string `yaml:"issuerAddress"`
	WebhookSecret   string `yaml:"webhookSecret"`
	AlertEndpoint   string `yaml:"alertEndpoint"`
	AlertSecret     string `yaml:"alertSecret"`
	MaxAuthUSDMicro int64  `yaml:"maxAuthorizationUsdMicro"`
	OTelEndpoint    string `yaml:"otelEndpoint"`
	OTelInsecure    bool   `yaml:"otelInsecure"`
}

type serviceConfig struct {
	gwconfig.Config
	extraConfig
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "webhookd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("webhookd", flag.ExitOnError)
	configPath := fs.String("config", "./webhookd.yaml", "path to webhookd YAML config")
	fs.Parse(args)

	cfg, err := loadServiceConfig(*configPath)
	if err != nil {
		return err
	}

	logger := logging.Setup("cardcredit-webhookd", cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.OTelEndpoint != "" {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: "cardcredit-webhookd",
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
			return fmt.Errorf("decode issuerAddress: %w", err)
		}
	}
	engine := credit.NewEngine(store, gate, issuer)

	q := queue.New(engine, queue.NewMemoryDeadLetter(), logger)
	defer q.Close()

	if cfg.AlertEndpoint != "" {
		alerter, err := alerting.NewDispatcher(cfg.AlertEndpoint, []byte(cfg.AlertSecret))
		if err != nil {
			return fmt.Errorf("init alert dispatcher: %w", err)
		}
		defer alerter.Close()
		q.WithAlerter(alerter)
	}

	// Replica ingress deployments share one position cache through redis;
	// the in-memory store only suits a single co-located instance.
	var positionCache cache.Store = cache.NewInMemory()
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		positionCache = cache.NewRedis(client, 0)
	}

	core := decision.New(decision.Config{
		MaxAuthorizationUSDMicro: cfg.MaxAuthUSDMicro,
	}, positionCache, decision.NewMemoryPendingStore(), q, issuer, logger)

	// Replay/idempotency state is durable when paths are configured so a
	// restart cannot re-admit an already-seen delivery.
	var replaySet webhook.ReplaySet = webhook.NewMemoryReplaySet()
	if cfg.ReplayStorePath != "" {
		durable, err := webhook.OpenLevelDBReplaySet(cfg.ReplayStorePath)
		if err != nil {
			return fmt.Errorf("open replay store: %w", err)
		}
		defer durable.Close()
		replaySet = durable
	}
	var idemStore webhook.IdempotencyStore = webhook.NewMemoryIdempotencyStore()
	if cfg.IdemStorePath != "" {
		durable, err := webhook.OpenLevelDBIdempotencyStore(cfg.IdemStorePath)
		if err != nil {
			return fmt.Errorf("open idempotency store: %w", err)
		}
		defer durable.Close()
		idemStore = durable
	}

	ingress := webhook.NewServer(webhook.Config{
		Secret: []byte(cfg.WebhookSecret),
	}, replaySet, idemStore, core, logger)

	authenticator := gwmiddleware.NewAuthenticator(gwmiddleware.AuthConfig{
		Enabled:        cfg.Auth.Enabled,
		HMACSecret:     cfg.Auth.HMACSecret,
		Issuer:         cfg.Auth.Issuer,
		Audience:       cfg.Auth.Audience,
		ScopeClaim:     cfg.Auth.ScopeClaim,
		OptionalPaths:  cfg.Auth.OptionalPaths,
		AllowAnonymous: cfg.Auth.AllowAnonymous,
		ClockSkew:      cfg.Auth.ClockSkew,
	}, nil)

	// /admin/status is the only route behind bearer auth; the card-network
	// webhook itself authenticates via HMAC inside webhook.Server.
	mux := http.NewServeMux()
	mux.Handle("/webhooks/card", ingress)
	mux.Handle("/metrics", ingress)
	mux.Handle("/admin/status", authenticator.Middleware("admin")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	})))

	handler := otelhttp.NewHandler(gwmiddleware.CORS(gwmiddleware.CORSConfig{})(mux), "webhookd")

	listen := cfg.ListenAddress
	if listen == "" {
		listen = ":8081"
	}
	srv := &http.Server{
		Addr:         listen,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("webhookd: listening", "addr", listen)
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
	logger.Info("webhookd: shutting down")
	return srv.Shutdown(shutdownCtx)
}

func loadServiceConfig(path string) (serviceConfig, error) {
	base, err := gwconfig.Load(path)
	if err != nil {
		return serviceConfig{}, err
	}
	cfg := serviceConfig{Config: base}
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return serviceConfig{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg.extraConfig); err != nil {
		return serviceConfig{}, fmt.Errorf("decode extra config: %w", err)
	}
	return cfg, nil
}
