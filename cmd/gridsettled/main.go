package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gridsettle/config"
	"gridsettle/core"
	"gridsettle/core/types"
	"gridsettle/journal"
	"gridsettle/observability/logging"
	"gridsettle/state"
	"gridsettle/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	env := strings.TrimSpace(os.Getenv("GRIDSETTLE_ENV"))
	if env == "" {
		env = cfg.Environment
	}
	logger := logging.Setup("gridsettled", env, cfg.LogLevel)

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	mgr := state.NewManager(db)
	if err := mgr.Load(); err != nil {
		logger.Error("Failed to load state", slog.Any("error", err))
		os.Exit(1)
	}

	jrnl, err := journal.Open(db)
	if err != nil {
		logger.Error("Failed to open journal", slog.Any("error", err))
		os.Exit(1)
	}

	feeConfig, err := cfg.FeeConfig()
	if err != nil {
		logger.Error("Invalid fee configuration", slog.Any("error", err))
		os.Exit(1)
	}
	processor := core.NewProcessor(mgr, core.Params{
		MaxSupply:        cfg.MaxSupplyAmount(),
		FeeConfig:        feeConfig,
		TradingLimits:    cfg.TradingLimits(),
		StakingParams:    cfg.StakingParams(),
		PriceFreshness:   cfg.Pricefeed.Freshness,
		PriceDeviationBp: cfg.Pricefeed.MaxDeviationBp,
		Pauses:           cfg.Pauses(),
	})
	processor.SetLogger(logger)
	processor.SetJournal(jrnl)

	if cfg.AdminAddress != "" {
		admin, err := types.ParseAddress(cfg.AdminAddress)
		if err != nil {
			logger.Error("Invalid admin address", slog.Any("error", err))
			os.Exit(1)
		}
		for _, c := range []core.Capability{
			core.CapAdmin,
			core.CapMinter,
			core.CapFeeManager,
			core.CapDisputeResolver,
			core.CapRewardDistributor,
			core.CapSlasher,
		} {
			processor.Roles().Grant(admin, c)
		}
		logger.Info("Granted bootstrap capabilities", "admin", cfg.AdminAddress)
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server stopped", slog.Any("error", err))
			}
		}()
		logger.Info("Serving metrics", "addr", cfg.MetricsAddr)
	}

	logger.Info("Settlement processor ready",
		"dataDir", cfg.DataDir,
		"journalRecords", jrnl.Len(),
	)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("Shutting down")
	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(ctx)
		cancel()
	}
	if err := processor.State().Persist(); err != nil {
		logger.Error("Failed to persist state", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("State persisted")
}
