// Package server assembles escrowd: it builds every store, service and
// background worker from config and serves the HTTP API.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/satsafe/escrowd/internal/auth"
	"github.com/satsafe/escrowd/internal/btc"
	"github.com/satsafe/escrowd/internal/circuitbreaker"
	"github.com/satsafe/escrowd/internal/config"
	"github.com/satsafe/escrowd/internal/escrow"
	"github.com/satsafe/escrowd/internal/events"
	"github.com/satsafe/escrowd/internal/health"
	"github.com/satsafe/escrowd/internal/httpjson"
	"github.com/satsafe/escrowd/internal/ledger"
	"github.com/satsafe/escrowd/internal/logging"
	"github.com/satsafe/escrowd/internal/metrics"
	"github.com/satsafe/escrowd/internal/ratelimit"
	"github.com/satsafe/escrowd/internal/realtime"
	"github.com/satsafe/escrowd/internal/reconciliation"
	"github.com/satsafe/escrowd/internal/risk"
	"github.com/satsafe/escrowd/internal/signer"
	"github.com/satsafe/escrowd/internal/traces"
	"github.com/satsafe/escrowd/internal/utxo"
	"github.com/satsafe/escrowd/internal/wallet"
	"github.com/satsafe/escrowd/internal/watcher"
)

// addressIssuer is satisfied by both signer implementations.
type addressIssuer interface {
	DepositAddress(ctx context.Context, owner string, currency btc.Currency) (string, error)
}

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	db            *sql.DB       // nil if using in-memory
	redis         *redis.Client // nil without REDIS_URL
	verifier      *auth.Verifier
	authorizer    *auth.StaticAuthorizer
	issuer        addressIssuer
	ledger        *ledger.Ledger
	registry      utxo.Registry
	escrowStore   escrow.Store
	escrowService *escrow.Service
	escrowTimer   *escrow.Timer
	walletService *wallet.Service
	assessor      *risk.Assessor
	watcherChain  watcher.Chain
	watcher       *watcher.Watcher
	reconTimer    *reconciliation.Timer
	realtimeHub   *realtime.Hub
	subscriber    *events.RedisSubscriber
	rateLimiter   *ratelimit.Limiter
	health        *health.Registry
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	traceShutdown func(context.Context) error
	version       string
	stopWorkers   context.CancelFunc
	drainDelay    time.Duration

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithVersion sets the build version reported by /health and on traces.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithAddressIssuer replaces the configured signer (for testing)
func WithAddressIssuer(issuer addressIssuer) Option {
	return func(s *Server) {
		s.issuer = issuer
	}
}

// WithChain replaces the Esplora client used by the deposit watcher. The
// watcher is only started when a chain is available.
func WithChain(chain watcher.Chain) Option {
	return func(s *Server) {
		s.watcherChain = chain
	}
}

// New wires the server. Nothing listens or polls until Run.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		drainDelay: 5 * time.Second,
	}

	// Apply options first (may set logger/issuer/chain)
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.ResolvedLogFormat(), logging.WithFile(cfg.LogFile, 100, 5))
	}

	ctx := context.Background()

	params, err := btc.NetworkParams(cfg.BTCNetwork)
	if err != nil {
		return nil, err
	}

	shutdownTraces, err := traces.Init(ctx, traces.Options{
		Endpoint:       cfg.OTLPEndpoint,
		ServiceVersion: s.version,
		Network:        cfg.BTCNetwork,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdownTraces

	s.health = health.NewRegistry()

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var (
		ledgerStore  ledger.Store
		addressStore wallet.AddressStore
		riskStore    risk.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		if err := metrics.RegisterDB(db, "escrowd"); err != nil {
			s.logger.Warn("failed to register database pool metrics", "error", err)
		}
		s.logger.Info("connected to PostgreSQL", "dsn", maskDSN(cfg.DatabaseURL))

		ledgerStore = ledger.NewPostgresStore(db)
		addressStore = wallet.NewPostgresStore(db)
		riskStore = risk.NewPostgresStore(db)
		s.escrowStore = escrow.NewPostgresStore(db)
		s.registry = utxo.NewPostgresRegistry(db)
		s.health.Register("database", health.Ping("database", db.PingContext))
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage")
		ledgerStore = ledger.NewMemoryStore()
		addressStore = wallet.NewMemoryStore()
		riskStore = risk.NewMemoryStore()
		s.escrowStore = escrow.NewMemoryStore()
		s.registry = utxo.NewMemoryRegistry()
	}

	// Signing collaborator
	if s.issuer == nil {
		if cfg.SignerURL != "" {
			s.issuer = signer.NewClient(cfg.SignerURL, cfg.SignerAPIKey, params)
			s.logger.Info("using remote signer", "url", cfg.SignerURL)
		} else {
			d, err := signer.NewDeterministic(cfg.SignerSeed, params)
			if err != nil {
				return nil, fmt.Errorf("failed to create signer: %w", err)
			}
			s.issuer = d
			s.logger.Warn("using deterministic signer; deposit keys derive from SIGNER_SEED")
		}
	}

	// Auth
	s.verifier, err = auth.NewVerifier(cfg.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to create token verifier: %w", err)
	}
	s.authorizer = auth.NewStaticAuthorizer(map[string][]string{
		auth.CapAdmin:           cfg.AdminPrincipals,
		auth.CapResolver:        cfg.ResolverPrincipals,
		auth.CapDepositNotifier: cfg.NotifierPrincipals,
		auth.CapRiskReporter:    cfg.RiskReporterPrincipals,
	})

	// Realtime + event fan-out
	s.realtimeHub = realtime.NewHub(s.logger, realtime.WithAllowedOrigins(cfg.CORSOrigins))
	var sink escrow.EventSink = s.realtimeHub
	if cfg.RedisURL != "" {
		client, err := events.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		s.redis = client
		// Events reach the local hub through the subscription so every
		// replica's sockets see every replica's events.
		sink = events.NewRedisPublisher(client, events.DefaultChannel, s.logger)
		s.subscriber = events.NewRedisSubscriber(client, events.DefaultChannel, s.logger)
		s.health.Register("redis", health.Ping("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
		s.logger.Info("redis event fan-out enabled", "channel", events.DefaultChannel)
	}

	// Risk
	var gatewayClient *httpjson.Client
	if cfg.AIGatewayURL != "" {
		b := circuitbreaker.New(5, 30*time.Second)
		gatewayClient = risk.NewGatewayClient(cfg.AIGatewayURL).WithBreaker(b)
		s.health.Register(gatewayClient.Name(), health.Breaker(gatewayClient.Name(), b))
		s.logger.Info("AI risk gateway enabled", "url", cfg.AIGatewayURL)
	}
	s.assessor = risk.NewAssessor(gatewayClient, risk.NewEngine(), riskStore).WithLogger(s.logger)

	// Core services
	s.ledger = ledger.New(ledgerStore)
	s.escrowService = escrow.NewService(s.escrowStore, s.registry, ledger.NewEscrowAdapter(s.ledger), s.issuer).
		WithAuthorizer(s.authorizer).
		WithRiskAssessor(s.assessor).
		WithEvents(events.NewFanout(sink)).
		WithLogger(s.logger).
		WithRequiredConfirmations(btc.BTC, cfg.BTCRequiredConfirmations).
		WithRequiredConfirmations(btc.CkBTC, cfg.CkBTCRequiredConfirmations)
	s.escrowTimer = escrow.NewTimer(s.escrowService, s.escrowStore, cfg.TimeoutCheckInterval, s.logger)

	s.walletService = wallet.NewService(s.ledger, addressStore, s.issuer).
		WithAuthorizer(s.authorizer).
		WithLogger(s.logger).
		WithRequiredConfirmations(btc.BTC, cfg.BTCRequiredConfirmations).
		WithRequiredConfirmations(btc.CkBTC, cfg.CkBTCRequiredConfirmations)

	// Deposit watcher
	if s.watcherChain == nil && cfg.EsploraURL != "" {
		s.watcherChain = watcher.NewEsplora(cfg.EsploraURL)
	}
	if s.watcherChain != nil {
		wcfg := watcher.DefaultConfig()
		wcfg.PollInterval = cfg.WatcherPollInterval
		s.watcher = watcher.New(wcfg, s.watcherChain, s.escrowService, s.logger)
		// Participant deposit notices are checked against the same chain view.
		s.escrowService.WithDepositVerifier(s.watcher)
		s.logger.Info("deposit watcher enabled", "interval", wcfg.PollInterval)
	}

	// Reconciliation
	reconRunner := reconciliation.NewRunner(s.escrowStore, s.registry, s.ledger, s.logger)
	s.reconTimer = reconciliation.NewTimer(reconRunner, cfg.ReconcileInterval, s.logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

