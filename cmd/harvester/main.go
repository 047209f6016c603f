package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strconv"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nightminer/harvester/authority"
	"github.com/nightminer/harvester/challenge"
	"github.com/nightminer/harvester/compute"
	"github.com/nightminer/harvester/config"
	"github.com/nightminer/harvester/logging"
	"github.com/nightminer/harvester/migrations"
	"github.com/nightminer/harvester/mining"
	"github.com/nightminer/harvester/stats"
	"github.com/nightminer/harvester/util"
	"github.com/nightminer/harvester/wallet"
)

// Harvester binary version.
// It should be passed during the build with '-ldflags "-X main.version="'.
var version = "unknown"

func loadConfig() (*config.Config, error) {
	cfg, err := config.ParseFlags(config.DefaultConfig())
	if err != nil {
		return nil, err
	}
	if cfg, err = config.ReadConfigFile(cfg); err != nil {
		return nil, err
	}
	if cfg, err = config.SetupConfig(cfg); err != nil {
		return nil, err
	}
	// Command line options take precedence over the config file.
	return config.ParseFlags(cfg)
}

// harvesterMain is the true entry point. Defers created in main are not
// executed when os.Exit is called.
func harvesterMain() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logLevel := zap.InfoLevel
	if cfg.DebugLog {
		logLevel = zap.DebugLevel
	}
	logger := logging.NewWithRotation(logLevel, filepath.Join(cfg.LogDir, "harvester.log"), cfg.JSONLog, logging.Rotation{
		MaxSizeMB:  cfg.MaxLogFileSize,
		MaxBackups: cfg.MaxLogFiles,
		MaxAgeDays: logging.DefaultRotation.MaxAgeDays,
	})
	ctx := logging.NewContext(context.Background(), logger)
	defer func() {
		logger.Info("shutdown complete")
	}()

	logger.Sugar().Infof("version: %s, dir: %v, dbdir: %v, project: %v", version, cfg.HarvesterDir, cfg.DbDir, cfg.Project)
	logger.Info("round settings", zap.Object("round", cfg.Round), zap.Bool("fee pool", cfg.Pool.Enabled))

	if cfg.Pprof != "" {
		logger.Sugar().Infof("starting HTTP profiling on port %v", cfg.Pprof)
		go func() {
			listenAddr := net.JoinHostPort("", cfg.Pprof)
			http.Handle("/", http.RedirectHandler("/debug/pprof", http.StatusSeeOther))
			logger.Warn("profiling server stopped", zap.Error(http.ListenAndServe(listenAddr, nil)))
		}()
	} else {
		runtime.MemProfileRate = 0
	}

	if cfg.CPUProfile != "" {
		f, err := os.Create(cfg.CPUProfile)
		if err != nil {
			logger.Error("could not create CPU profile", zap.Error(err))
		} else {
			defer f.Close()
			if err := pprof.StartCPUProfile(f); err != nil {
				logger.Error("could not start CPU profile", zap.Error(err))
			}
			defer pprof.StopCPUProfile()
		}
	}

	if cfg.MetricsPort != nil {
		go serveMetrics(logger, *cfg.MetricsPort)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := migrations.Migrate(ctx, cfg); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}

	auth, err := authority.NewClient(cfg.Authority.URL,
		authority.WithPoolURL(cfg.Authority.PoolURL),
		authority.WithRetryMax(cfg.Authority.RetryMax),
		authority.WithTimeouts(authority.Timeouts{
			Challenge: cfg.Authority.ChallengeTimeout,
			Submit:    cfg.Authority.SubmitTimeout,
			Rates:     cfg.Authority.RatesTimeout,
			Register:  cfg.Authority.RegisterTimeout,
			Allocate:  cfg.Authority.AllocateTimeout,
		}),
	)
	if err != nil {
		return err
	}
	searcher, err := compute.NewClient(cfg.Compute.URL, cfg.Compute.Timeout)
	if err != nil {
		return err
	}
	w, err := openWallet(cfg.Wallet)
	if err != nil {
		return err
	}

	opts := []mining.Option{
		mining.WithPollInterval(cfg.Authority.PollInterval),
		mining.WithValidityHint(cfg.Authority.ValidityHint),
		mining.WithRoundDuration(cfg.Round.Duration),
		mining.WithRetention(cfg.Round.RetentionDays, cfg.Round.SweepInterval),
		mining.WithRetryDelay(cfg.Retry.Delay),
		mining.WithStats(stats.Options{
			MiningStart: cfg.MiningStart.Time(),
			LastHours:   cfg.Stats.LastHours,
			RateWindow:  cfg.Stats.RateWindow,
		}),
	}
	if cfg.Pool.Enabled {
		opts = append(opts, mining.WithFeePool(cfg.Pool.Size, cfg.Pool.Delay))
	}
	coordinator, err := mining.NewCoordinator(ctx, cfg.DbDir, cfg.Project, auth, searcher, w, opts...)
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}
	defer coordinator.Close()

	switch {
	case cfg.ExportChallenges != "":
		return exportChallenges(ctx, coordinator, cfg.ExportChallenges)
	case cfg.SeedChallenges != "":
		return seedChallenges(ctx, coordinator, cfg.SeedChallenges)
	}

	if cfg.Wallet.RegistrationMessage != "" {
		registerAddresses(ctx, coordinator, w, auth, cfg)
	}
	if cfg.Retry.OnStart {
		summary, err := coordinator.RetryRecentFailures(ctx, cfg.Retry.Window)
		if err != nil {
			logger.Warn("retrying recent failures", zap.Error(err))
		} else {
			logger.Info("retried recent failures", zap.Int("succeeded", summary.Succeeded), zap.Int("failed", summary.Failed))
		}
	}

	if err := coordinator.Run(ctx); err != nil {
		return fmt.Errorf("failure in coordinator: %w", err)
	}
	return nil
}

func serveMetrics(logger *zap.Logger, port uint16) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := net.JoinHostPort("", strconv.Itoa(int(port)))
	logger.Info("serving metrics", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", zap.Error(err))
	}
}

func openWallet(cfg config.WalletConfig) (wallet.Wallet, error) {
	if cfg.AddressBook == "" {
		return nil, errors.New("no address book configured (--wallet.address-book)")
	}
	static, err := wallet.LoadStatic(cfg.AddressBook)
	if err != nil {
		return nil, err
	}
	return wallet.NewCaching(cfg.CacheSize, static)
}

// registerAddresses registers every configured mining address that is not
// yet registered in the project. Failures are logged: an unregistered
// address is rejected by the authority, which the submission ledger records.
func registerAddresses(ctx context.Context, c *mining.Coordinator, w wallet.Wallet, registrar wallet.Registrar, cfg *config.Config) {
	logger := logging.FromContext(ctx)
	registry := wallet.NewRegistry(c.Store())
	for i := 0; i < c.Config().Get().AddressCount; i++ {
		if _, err := registry.Register(ctx, w, registrar, i, cfg.Project, cfg.Wallet.RegistrationMessage); err != nil {
			logger.Warn("address not registered", zap.Int("index", i), zap.Error(err))
		}
	}
}

func exportChallenges(ctx context.Context, c *mining.Coordinator, path string) error {
	snap, err := c.ExportValidChallenges(ctx)
	if err != nil {
		return err
	}
	if err := util.Persist(path, snap); err != nil {
		return fmt.Errorf("exporting challenges: %w", err)
	}
	logging.FromContext(ctx).Info("exported challenges", zap.String("file", path), zap.Int("count", len(snap.Challenges)))
	return nil
}

func seedChallenges(ctx context.Context, c *mining.Coordinator, path string) error {
	var snap challenge.Snapshot
	if err := util.Load(path, &snap); err != nil {
		return fmt.Errorf("seeding challenges: %w", err)
	}
	_, err := c.SeedChallenges(ctx, &snap)
	return err
}

func main() {
	if err := harvesterMain(); err != nil {
		// go-flags already printed help.
		var flagsErr *flags.Error
		if !errors.As(err, &flagsErr) || flagsErr.Type != flags.ErrHelp {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
