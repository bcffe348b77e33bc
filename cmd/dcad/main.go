package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"recurswap/cmd/internal/passphrase"
	"recurswap/core/events"
	"recurswap/native/dca"
	"recurswap/native/venue"
	"recurswap/observability/logging"
	telemetry "recurswap/observability/otel"
	"recurswap/services/dcad/config"
	"recurswap/services/dcad/evm"
	"recurswap/services/dcad/paper"
	"recurswap/services/dcad/scheduler"
	"recurswap/services/dcad/server"
	"recurswap/services/dcad/storage"
	"recurswap/services/dcad/sweeper"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/dcad/config.yaml", "path to dcad configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("DCAD_ENV"))
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("dcad: load config: %v", err)
	}

	logger, logCloser := logging.SetupWithOptions("dcad", env, logging.Options{
		Level:      logging.ParseLevel(cfg.Logging.Level),
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer logCloser.Close()
	logger.Info("configuration loaded",
		logging.MaskField("path", cfgPath),
		logging.MaskField("venue", cfg.Venue.Mode),
		logging.MaskField("database_driver", cfg.Database.Driver),
		logging.MaskField("listen_address", cfg.ListenAddress),
		logging.MaskField("database_dsn", cfg.Database.DSN),
		logging.MaskField("hmac_secret", cfg.Auth.HMACSecret),
		logging.MaskField("rpc_url", cfg.EVM.RPCURL))

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "dcad",
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		log.Fatalf("dcad: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	if err := run(cfg, env, logger); err != nil {
		logger.Error("dcad exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg config.Config, env string, logger *slog.Logger) error {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dsn := strings.TrimSpace(cfg.Database.DSN)
	if cfg.Database.Driver == "sqlite" && dsn == "" {
		resolved, err := storage.FileDSN(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("resolve storage DSN: %w", err)
		}
		dsn = resolved
	}
	store, err := storage.Open(cfg.Database.Driver, dsn)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	tokens, err := buildTokens(cfg.Tokens)
	if err != nil {
		return err
	}

	router, closeRouter, err := buildRouter(rootCtx, cfg, tokens, logger)
	if err != nil {
		return err
	}
	defer closeRouter()

	unit, err := uint256.FromDecimal(cfg.Venue.PrecisionUnit)
	if err != nil {
		return fmt.Errorf("venue.precision_unit %q: %w", cfg.Venue.PrecisionUnit, err)
	}
	var recipient common.Address
	if cfg.Venue.Recipient != "" {
		recipient = common.HexToAddress(cfg.Venue.Recipient)
	} else if chain, ok := router.(*evm.Router); ok {
		recipient = chain.Account()
	}
	executor, err := venue.NewExecutor(router, tokens, venue.Config{
		Primary: venue.PrimaryConfig{
			Router:         common.HexToAddress(cfg.Venue.PrimaryRouter),
			Quoter:         common.HexToAddress(cfg.Venue.Quoter),
			DefaultFeeTier: cfg.Venue.DefaultFeeTier,
		},
		Secondary:     venue.SecondaryConfig{Router: common.HexToAddress(cfg.Venue.SecondaryRouter)},
		Recipient:     recipient,
		PrecisionUnit: unit,
		Deadline:      cfg.Venue.Deadline.Duration,
		Gas: venue.GasLimits{
			Quote:   cfg.Venue.QuoteGas,
			Approve: cfg.Venue.ApproveGas,
			Swap:    cfg.Venue.SwapGas,
		},
	}, venue.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build executor: %w", err)
	}

	baseFee, err := uint256.FromDecimal(cfg.Scheduler.BaseFee)
	if err != nil {
		return fmt.Errorf("scheduler.base_fee %q: %w", cfg.Scheduler.BaseFee, err)
	}
	perEffort, err := uint256.FromDecimal(cfg.Scheduler.PerEffortFee)
	if err != nil {
		return fmt.Errorf("scheduler.per_effort_fee %q: %w", cfg.Scheduler.PerEffortFee, err)
	}
	var entries scheduler.EntryStore = store
	if cfg.Scheduler.EntryStore == "bolt" {
		boltEntries, err := storage.OpenBoltEntries(cfg.Scheduler.EntryPath, nil)
		if err != nil {
			return err
		}
		defer boltEntries.Close()
		entries = boltEntries
	}
	sched, err := scheduler.New(entries, scheduler.Config{
		BaseFee:      baseFee,
		PerEffortFee: perEffort,
		Tick:         cfg.Scheduler.Tick.Duration,
		LowTierDelay: cfg.Scheduler.LowTierDelay.Duration,
	}, scheduler.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}
	if err := sched.Load(rootCtx); err != nil {
		return fmt.Errorf("load schedule entries: %w", err)
	}

	priority, err := dca.ParsePriority(cfg.Scheduler.Priority)
	if err != nil {
		return fmt.Errorf("scheduler.priority: %w", err)
	}
	dir, err := dca.NewDirectory(rootCtx, store, sched,
		dca.WithTokens(tokens),
		dca.WithScheduleOptions(dca.ScheduleOptions{Priority: priority, Effort: cfg.Scheduler.Effort}),
		dca.WithDirectoryLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("load plans: %w", err)
	}
	dir.SetEmitter(events.LogEmitter{Logger: logger})

	handler, err := dca.NewHandler(dir, executor,
		dca.WithRetryPolicy(dca.RetryPolicy{MaxRetries: cfg.Retry.MaxRetries, RetryDelay: cfg.Retry.Delay.Duration}),
		dca.WithHandlerLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("build handler: %w", err)
	}
	sched.SetCallback(handler)

	grants := server.NewGrants(store, cfg.FeeAsset)
	restored, err := grants.Restore(dir, logger)
	if err != nil {
		return fmt.Errorf("restore capabilities: %w", err)
	}
	logger.Info("plans loaded",
		slog.Int("owners", len(dir.Owners())),
		slog.Int("granted_owners", restored),
		slog.Int("pending_entries", sched.Pending()))

	auth, err := server.NewAuthenticator(server.AuthConfig{
		Disabled:   cfg.Auth.Disabled,
		HMACSecret: cfg.Auth.HMACSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		ClockSkew:  cfg.Auth.ClockSkew.Duration,
	}, logger)
	if err != nil {
		return fmt.Errorf("configure auth: %w", err)
	}
	if cfg.Auth.Disabled && env != "dev" {
		logger.Warn("owner authentication disabled outside dev environment")
	}

	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		Directory:     dir,
		Store:         store,
		Grants:        grants,
		Tokens:        tokens,
		FeeAsset:      cfg.FeeAsset,
		Auth:          auth,
		RateLimit: server.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
		EnableDeposits: cfg.Venue.Mode == "paper" || env == "dev",
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	sweep, err := sweeper.New(dir, cfg.Sweeper.Spec, sweeper.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build sweeper: %w", err)
	}

	go func() {
		if err := sched.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler exited", slog.Any("error", err))
			stop()
		}
	}()
	go func() {
		if err := sweep.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("sweeper exited", slog.Any("error", err))
			stop()
		}
	}()

	logger.Info("dcad listening", slog.String("addr", cfg.ListenAddress), slog.String("venue_mode", cfg.Venue.Mode))
	if err := srv.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("http server: %w", err)
	}
	sched.Wait()
	logger.Info("dcad stopped")
	return nil
}

func buildTokens(entries []config.Token) (*venue.TokenRegistry, error) {
	tokens := make([]venue.Token, 0, len(entries))
	for _, tok := range entries {
		tokens = append(tokens, venue.Token{
			Symbol:   tok.Symbol,
			Address:  common.HexToAddress(tok.Address),
			Decimals: tok.Decimals,
		})
	}
	registry, err := venue.NewTokenRegistry(tokens)
	if err != nil {
		return nil, fmt.Errorf("build token registry: %w", err)
	}
	return registry, nil
}

func buildRouter(ctx context.Context, cfg config.Config, tokens *venue.TokenRegistry, logger *slog.Logger) (venue.Router, func(), error) {
	switch cfg.Venue.Mode {
	case "paper":
		sim, err := paper.New(paper.Config{
			PrimaryRouter:        common.HexToAddress(cfg.Venue.PrimaryRouter),
			Quoter:               common.HexToAddress(cfg.Venue.Quoter),
			SecondaryRouter:      common.HexToAddress(cfg.Venue.SecondaryRouter),
			Tokens:               tokens,
			Rates:                cfg.Paper.Rates,
			SecondaryDiscountBps: cfg.Paper.SecondaryDiscountBps,
			FailPrimary:          cfg.Paper.FailPrimary,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("build paper venue: %w", err)
		}
		logger.Warn("paper venue active; swaps are simulated")
		return sim, func() {}, nil
	case "evm":
		secret, err := passphrase.NewSource(cfg.EVM.PassphraseEnv, "execution keystore passphrase").Get()
		if err != nil {
			return nil, nil, err
		}
		var chainID *big.Int
		if cfg.EVM.ChainID != 0 {
			chainID = new(big.Int).SetUint64(cfg.EVM.ChainID)
		}
		router, client, err := evm.Dial(ctx, cfg.EVM.RPCURL, cfg.EVM.KeystoreDir, cfg.EVM.Account, secret, evm.Config{
			ChainID:        chainID,
			ReceiptTimeout: cfg.EVM.ReceiptTimeout.Duration,
			PollInterval:   cfg.EVM.PollInterval.Duration,
		}, evm.WithLogger(logger))
		if err != nil {
			return nil, nil, fmt.Errorf("connect evm router: %w", err)
		}
		return router, client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported venue mode %q", cfg.Venue.Mode)
	}
}
