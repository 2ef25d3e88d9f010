package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"feedoracle/cmd/internal/passphrase"
	nodeconfig "feedoracle/config"
	"feedoracle/core/events"
	"feedoracle/core/exec"
	"feedoracle/crypto"
	"feedoracle/deploy"
	"feedoracle/native/oracle"
	"feedoracle/observability"
	"feedoracle/observability/logging"
	telemetry "feedoracle/observability/otel"
	"feedoracle/services/oracled/audit"
	"feedoracle/services/oracled/config"
	"feedoracle/services/oracled/middleware"
	"feedoracle/services/oracled/responder"
	"feedoracle/services/oracled/server"
	"feedoracle/storage"
)

const ownerPassphraseEnv = "FEEDORACLE_OWNER_PASSPHRASE"

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "oracled.yaml", "path to oracled configuration file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("oracled: load config: %v", err)
	}
	env := strings.TrimSpace(cfg.Environment)
	if env == "" {
		env = strings.TrimSpace(os.Getenv("FEEDORACLE_ENV"))
	}
	nodeCfg, err := nodeconfig.Load(cfg.NodeConfig)
	if err != nil {
		log.Fatalf("oracled: load node config: %v", err)
	}
	logger := logging.SetupWithFile("oracled", env, nodeCfg.Log.Level, logging.FileConfig{
		Path:       nodeCfg.Log.File,
		MaxSizeMB:  nodeCfg.Log.MaxSizeMB,
		MaxBackups: nodeCfg.Log.MaxBackups,
		MaxAgeDays: nodeCfg.Log.MaxAgeDays,
		Compress:   true,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, nodeCfg, env, logger); err != nil {
		logger.Error("oracled: exiting", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, nodeCfg *nodeconfig.Config, env string, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.FromEnv("oracled", env))
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	ownerPass, err := passphrase.NewSource(ownerPassphraseEnv, "owner").AllowEmpty().Get()
	if err != nil {
		return err
	}
	ownerKey, err := crypto.LoadFromKeystore(nodeCfg.OwnerKeystorePath, ownerPass)
	if err != nil {
		return err
	}
	owner := ownerKey.Address()
	logger.Info("oracled: owner key loaded",
		"owner", owner.Hex(),
		"keystore", nodeCfg.OwnerKeystorePath,
		logging.MaskField("passphrase", ownerPass))

	db, err := storage.NewLevelDB(filepath.Join(nodeCfg.DataDir, "state"))
	if err != nil {
		return err
	}
	defer db.Close()

	host := exec.NewHost(db)
	bus := events.NewBus()
	host.SetEmitter(events.Multi{bus, observability.EventRecorder{
		Opened: oracle.EventTypeRequestCreated,
		Closed: oracle.EventTypeResponseDelivered,
	}})

	// The audit subscription must exist before the first deployment so the
	// bootstrap events are recorded too.
	var store *audit.Store
	if cfg.Audit.Enabled {
		if store, err = audit.Open(cfg.Audit.DSN, logger); err != nil {
			return err
		}
		defer store.Close()
		ch, cancel := bus.Subscribe(cfg.Audit.Buffer)
		defer cancel()
		go func() {
			if err := store.Run(ctx, ch); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("oracled: audit log stopped", "error", err)
			}
		}()
	}

	d, err := ensureDeployment(ctx, host, ownerKey, cfg, nodeCfg, logger)
	if err != nil {
		return err
	}

	if cfg.Responder.Enabled {
		if err := startResponder(ctx, d, bus, owner, cfg.Responder, nodeCfg.ResponderKeystorePath, logger); err != nil {
			return err
		}
	}

	limits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for _, l := range cfg.RateLimits {
		limits[l.Group] = middleware.RateLimit{
			RatePerSecond: l.RatePerSecond,
			Burst:         l.Burst,
			DefaultTokens: l.DefaultTokens,
			Tokens:        l.Tokens,
		}
	}
	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:        cfg.Auth.Enabled,
		HMACSecret:     cfg.Auth.HMACSecret,
		Issuer:         cfg.Auth.Issuer,
		Audience:       cfg.Auth.Audience,
		ScopeClaim:     cfg.Auth.ScopeClaim,
		OptionalPaths:  cfg.Auth.OptionalPaths,
		AllowAnonymous: cfg.Auth.AllowAnonymous,
		ClockSkew:      cfg.Auth.ClockSkew.Duration,
	}, logger)
	if !cfg.Auth.Enabled {
		logger.Warn("oracled: authentication disabled; callers are taken from the " + middleware.CallerHeader + " header")
	}

	srv, err := server.New(server.Config{
		ListenAddress:   cfg.ListenAddress,
		ShutdownTimeout: cfg.ShutdownTimeout.Duration,
		LogRequests:     cfg.LogRequests,
	}, server.Deps{
		Deployment:    d,
		Audit:         store,
		Events:        bus,
		Authenticator: auth,
		RateLimiter:   middleware.NewRateLimiter(limits, logger),
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

// ensureDeployment attaches to the registry of the owner key or bootstraps it
// from the deployment plan. Genesis balances, pauses and the request quota only
// apply to a fresh deployment.
func ensureDeployment(ctx context.Context, host *exec.Host, ownerKey *crypto.PrivateKey, cfg config.Config, nodeCfg *nodeconfig.Config, logger *slog.Logger) (*deploy.Deployment, error) {
	plan := *cfg.Deployment
	if plan.Seed == 0 {
		plan.Seed = nodeCfg.Seed
	}
	if strings.TrimSpace(plan.InitialSigner) == "" {
		plan.InitialSigner = nodeCfg.InitialSigner
	}
	allocations, err := nodeCfg.GenesisAllocations()
	if err != nil {
		return nil, err
	}
	d, created, err := deploy.Ensure(ctx, host, ownerKey.Address(), plan, deploy.Options{
		SignerKey:   ownerKey.PrivateKey,
		Allocations: allocations,
		Pauses:      nodeCfg.Pauses.Modules(),
		Quota:       nodeCfg.RequestQuota.Native(),
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		logger.Info("oracled: attached to existing deployment",
			"controller", d.Controller.Address().Hex(),
			"consumers", len(d.Consumers()))
	}
	return d, nil
}

// startResponder runs the pay-per-use responder as the key in keystorePath, or
// as the owner when none is configured.
func startResponder(ctx context.Context, d *deploy.Deployment, bus *events.Bus, owner common.Address, cfg config.ResponderConfig, keystorePath string, logger *slog.Logger) error {
	from := owner
	if path := strings.TrimSpace(keystorePath); path != "" {
		pass, err := passphrase.NewSource(cfg.PassphraseEnv, "responder").Get()
		if err != nil {
			return err
		}
		key, err := crypto.LoadFromKeystore(path, pass)
		if err != nil {
			return err
		}
		from = key.Address()
		logger.Info("oracled: responder key loaded",
			"keystore", path,
			logging.MaskField("passphrase", pass))
	}
	allowed, err := d.PayPerUse.IsResponder(ctx, from)
	if err != nil {
		return err
	}
	if !allowed {
		if err := d.PayPerUse.AddResponder(ctx, owner, from); err != nil {
			return err
		}
		logger.Info("oracled: responder granted", "responder", from.Hex())
	}

	worker, err := responder.New(d, from, responder.Config{
		Timeout:       cfg.Timeout.Duration,
		RetryInterval: cfg.RetryInterval.Duration,
		MaxAttempts:   cfg.MaxAttempts,
	}, logger)
	if err != nil {
		return err
	}
	ch, cancel := bus.Subscribe(cfg.Buffer, oracle.EventTypeRequestCreated)
	go func() {
		defer cancel()
		if err := worker.Run(ctx, ch); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("oracled: responder stopped", "error", err)
		}
	}()
	logger.Info("oracled: responder running", "responder", from.Hex())
	return nil
}
