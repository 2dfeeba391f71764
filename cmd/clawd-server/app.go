package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noahlevine1717/clawd-domain-marketplace/chain"
	"github.com/noahlevine1717/clawd-domain-marketplace/config"
	"github.com/noahlevine1717/clawd-domain-marketplace/extensions/idempotency"
	"github.com/noahlevine1717/clawd-domain-marketplace/ledger"
	"github.com/noahlevine1717/clawd-domain-marketplace/ledger/postgres"
	"github.com/noahlevine1717/clawd-domain-marketplace/mcp"
	"github.com/noahlevine1717/clawd-domain-marketplace/mechanisms/evm"
	"github.com/noahlevine1717/clawd-domain-marketplace/mechanisms/evm/exact/facilitator"
	"github.com/noahlevine1717/clawd-domain-marketplace/metrics"
	pkggin "github.com/noahlevine1717/clawd-domain-marketplace/pkg/gin"
	"github.com/noahlevine1717/clawd-domain-marketplace/registrar"
	signers "github.com/noahlevine1717/clawd-domain-marketplace/signers/evm"
)

const (
	shutdownTimeout      = 10 * time.Second
	startupTimeout       = 10 * time.Second
	readHeaderTimeout    = 10 * time.Second
	relayAttemptTTL      = 24 * time.Hour
	balanceInterval      = time.Minute
	mockRelayerNativeWei = 1_000_000_000_000_000_000
)

// app is the wired server process.
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	metrics    *metrics.Metrics
	relayer    *facilitator.Relayer
	purchases  *ledger.Service
	reconciler *ledger.Reconciler
	server     *pkggin.Server
	closers    []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	signer, err := a.relayerSigner()
	if err != nil {
		return nil, err
	}
	client, err := a.chainClient(startCtx, signer.Address())
	if err != nil {
		a.close()
		return nil, err
	}
	guard, err := a.relayGuard(startCtx)
	if err != nil {
		a.close()
		return nil, err
	}
	store, err := a.purchaseStore(startCtx)
	if err != nil {
		a.close()
		return nil, err
	}
	reg := a.registrarClient()

	hooks := facilitator.MetricsHooks(a.metrics)
	verifier := facilitator.NewVerifier(client,
		facilitator.WithVerifierLogger(logger.Named("verifier")),
		facilitator.WithVerifierHooks(hooks))
	a.relayer = facilitator.NewRelayer(client, signer,
		facilitator.WithGuard(guard),
		facilitator.WithAuthorizationStateCheck(true),
		facilitator.WithRelayerLogger(logger.Named("relayer")),
		facilitator.WithRelayerHooks(hooks))

	a.purchases = ledger.NewService(store, verifier, a.relayer, reg, cfg.TreasuryAddress,
		ledger.WithPurchaseTTL(cfg.PurchaseTTL),
		ledger.WithSkipVerification(cfg.SkipPaymentVerification),
		ledger.WithLogger(logger.Named("ledger")),
		ledger.WithMetrics(a.metrics))

	// The sweep checks each receipt once; unmined transactions wait for the
	// next pass.
	sweepVerifier := facilitator.NewVerifier(client,
		facilitator.WithReceiptPolling(1, 0),
		facilitator.WithVerifierLogger(logger.Named("reconciler")),
		facilitator.WithVerifierHooks(hooks))
	a.reconciler = ledger.NewReconciler(a.purchases, sweepVerifier,
		ledger.WithReconcileInterval(cfg.ReconcileInterval),
		ledger.WithReconcilerLogger(logger.Named("reconciler")))

	tools := mcp.NewServer(a.purchases, reg,
		mcp.WithMockMode(cfg.MockMode),
		mcp.WithLogger(logger.Named("mcp")))

	a.server = pkggin.NewServer(pkggin.Config{
		PublicURL:      cfg.PublicURL,
		MockMode:       cfg.MockMode,
		Environment:    cfg.Environment,
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimits: pkggin.RateLimits{
			Search:   cfg.RateLimits.Search,
			Purchase: cfg.RateLimits.Purchase,
			DNS:      cfg.RateLimits.DNS,
		},
	}, a.purchases, reg,
		pkggin.WithServerLogger(logger.Named("http")),
		pkggin.WithServerMetrics(a.metrics),
		pkggin.WithMCPHandler(tools.Handler()))

	logger.Info("server configured",
		zap.String("environment", cfg.Environment),
		zap.Bool("mock_mode", cfg.MockMode),
		zap.Bool("postgres", cfg.DatabaseURL != ""),
		zap.Bool("redis", cfg.RedisURL != ""),
		zap.String("treasury", cfg.TreasuryAddress),
		zap.String("relayer", signer.Address()))
	if cfg.SkipPaymentVerification {
		logger.Warn("payment verification is disabled")
	}
	return a, nil
}

// relayerSigner loads the relayer key. Mock mode without a key gets a
// throwaway one.
func (a *app) relayerSigner() (*signers.RelayerSigner, error) {
	if a.cfg.RelayerPrivateKey != "" {
		return signers.NewRelayerSignerFromPrivateKey(a.cfg.RelayerPrivateKey)
	}
	if !a.cfg.MockMode {
		return nil, errors.New("RELAYER_PRIVATE_KEY is required outside mock mode")
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate relayer key: %w", err)
	}
	return signers.NewRelayerSignerFromPrivateKey(hexKey(key))
}

func hexKey(key *ecdsa.PrivateKey) string {
	return "0x" + hex.EncodeToString(crypto.FromECDSA(key))
}

func (a *app) chainClient(ctx context.Context, relayer string) (evm.ChainClient, error) {
	if a.cfg.MockMode {
		sim := chain.NewSimulated(chain.WithAutoFund())
		sim.SetBalance(relayer, big.NewInt(mockRelayerNativeWei))
		return sim, nil
	}

	client, err := chain.Dial(ctx, a.cfg.BaseRPCURL, chain.WithLogger(a.logger.Named("rpc")))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, client.Close)

	if err := evm.RequireBase(ctx, client); err != nil {
		return nil, fmt.Errorf("rpc %s: %w", a.cfg.BaseRPCURL, err)
	}
	return client, nil
}

// relayGuard keys relay attempts by authorization. Redis shares them across
// instances.
func (a *app) relayGuard(ctx context.Context) (*idempotency.Guard, error) {
	if a.cfg.RedisURL == "" {
		return idempotency.NewGuard(idempotency.WithTTL(relayAttemptTTL)), nil
	}

	opts, err := redis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	a.closers = append(a.closers, func() { _ = client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return idempotency.NewGuard(idempotency.WithStore(idempotency.NewRedisStore(client, relayAttemptTTL))), nil
}

func (a *app) purchaseStore(ctx context.Context) (ledger.Store, error) {
	if a.cfg.DatabaseURL == "" {
		if a.cfg.IsProduction() {
			a.logger.Warn("DATABASE_URL not set, purchases are kept in memory")
		}
		return ledger.NewMemoryStore(), nil
	}

	pool, err := pgxpool.New(ctx, a.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to db: %w", err)
	}
	a.closers = append(a.closers, pool.Close)
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return postgres.NewStore(pool), nil
}

func (a *app) registrarClient() registrar.Client {
	if a.cfg.MockMode {
		return registrar.NewFake(nil)
	}
	return registrar.NewPorkbun(registrar.PorkbunConfig{
		APIKey:     a.cfg.PorkbunAPIKey,
		SecretKey:  a.cfg.PorkbunSecretKey,
		Sandbox:    a.cfg.PorkbunSandbox,
		Registrant: a.cfg.Registrant,
		Logger:     a.logger.Named("porkbun"),
	})
}

// run serves HTTP, sweeps purchases and samples the relayer balance until ctx
// is cancelled, then shuts the listener down gracefully.
func (a *app) run(ctx context.Context) error {
	if a.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           a.server.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return a.reconciler.Run(ctx)
	})
	g.Go(func() error {
		a.watchRelayerBalance(ctx)
		return nil
	})
	return g.Wait()
}

func (a *app) watchRelayerBalance(ctx context.Context) {
	ticker := time.NewTicker(balanceInterval)
	defer ticker.Stop()
	for {
		a.sampleRelayerBalance(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *app) sampleRelayerBalance(ctx context.Context) {
	balance, err := a.relayer.Balance(ctx)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Warn("relayer balance unavailable", zap.Error(err))
		}
		return
	}
	a.metrics.SetRelayerBalance(balance)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
