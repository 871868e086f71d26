// Command tickvault-ingest generates ingestion tasks for the configured
// universe and drives them to completion with the download worker pool.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"tickvault/internal/config"
	"tickvault/internal/fetch"
	"tickvault/internal/ingest"
	"tickvault/internal/registry"
	"tickvault/internal/store"
	"tickvault/internal/util"
)

func main() {
	categories := flag.String("categories", "", "comma-separated category subset (default: all configured)")
	workers := flag.Int("workers", 0, "worker count override")
	resume := flag.Bool("resume", false, "re-queue failed tasks before running")
	includePartial := flag.Bool("include-partial", false, "include the current, not-yet-closed bar")
	flag.Parse()

	// .env is optional.
	_ = godotenv.Load()

	cfgPath := "config/tickvault.yaml"
	if p := os.Getenv("TICKVAULT_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Dual logger: stdout + dated /tmp log file.
	logFileName := fmt.Sprintf("/tmp/tickvault-ingest-%s.log", time.Now().Format("2006-01-02"))
	logFile, err := os.Create(logFileName)
	if err != nil {
		log.Fatalf("failed to create log file: %v", err)
	}
	defer logFile.Close()

	logger := util.NewLogger(io.MultiWriter(os.Stdout, logFile), cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	tfs, err := cfg.Timeframes()
	if err != nil {
		log.Fatalf("invalid timeframes: %v", err)
	}

	universe, err := resolveUniverse(cfg, *categories)
	if err != nil {
		log.Fatalf("resolving universe: %v", err)
	}

	startDate, err := time.Parse("2006-01-02", cfg.Ingest.StartDate)
	if err != nil {
		log.Fatalf("invalid ingest.start_date %q: %v", cfg.Ingest.StartDate, err)
	}

	reg, err := registry.Open(cfg.Storage.RegistryPath)
	if err != nil {
		log.Fatalf("opening registry: %v", err)
	}
	defer reg.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	added, err := reg.Generate(ctx, universe, tfs)
	if err != nil {
		log.Fatalf("generating tasks: %v", err)
	}
	logger.Info("tasks generated", "added", added, "run_id", reg.RunID())

	if *resume {
		n, err := reg.ResumeFailed(ctx)
		if err != nil {
			log.Fatalf("resuming failed tasks: %v", err)
		}
		logger.Info("failed tasks re-queued", "count", n)
	}

	client := fetch.NewAlpacaClient(
		cfg.Alpaca.APIKey,
		cfg.Alpaca.APISecret,
		cfg.Alpaca.DataURL,
		cfg.Alpaca.Feed,
		cfg.WindowDays,
	)
	client.Limiter = rate.NewLimiter(rate.Limit(float64(cfg.Ingest.CallsPerMinute)/60.0), 1)
	client.IncludePartial = *includePartial

	workerCount := cfg.Ingest.Workers
	if *workers > 0 {
		workerCount = *workers
	}

	orch := ingest.New(reg, store.NewParquetStore(cfg.Storage.DataDir), client, ingest.Options{
		Workers:     workerCount,
		MaxAttempts: cfg.Ingest.MaxAttempts,
		BaseBackoff: time.Duration(cfg.Ingest.BaseBackoffMS) * time.Millisecond,
		MaxBackoff:  time.Duration(cfg.Ingest.MaxBackoffMS) * time.Millisecond,
		Cooldown:    time.Duration(cfg.Ingest.CooldownMinutes) * time.Minute,
		StaleClaim:  time.Duration(cfg.Ingest.StaleClaimMinutes) * time.Minute,
		StartDate:   startDate,
		ReportDir:   filepath.Dir(cfg.Storage.RegistryPath),
	})

	logger.Info("starting ingest run", "workers", workerCount, "logFile", logFileName)

	stats, err := orch.Run(ctx)
	if err != nil {
		logger.Error("run aborted", "error", err)
		os.Exit(1)
	}
	if stats.Failed > 0 {
		logger.Warn("run finished with failures; rerun with -resume after fixing the cause",
			"failed", stats.Failed)
		os.Exit(2)
	}
}

// resolveUniverse builds the category → symbols map, restricted to the given
// comma-separated subset when non-empty.
func resolveUniverse(cfg *config.Config, subset string) (map[string][]string, error) {
	wanted := make(map[string]bool)
	if subset != "" {
		for _, c := range strings.Split(subset, ",") {
			if c = strings.TrimSpace(c); c != "" {
				wanted[c] = true
			}
		}
	}

	universe := make(map[string][]string)
	for category := range cfg.Universe {
		if len(wanted) > 0 && !wanted[category] {
			continue
		}
		symbols, err := cfg.Symbols(category)
		if err != nil {
			return nil, err
		}
		universe[category] = symbols
	}
	if len(universe) == 0 {
		return nil, fmt.Errorf("no categories matched %q", subset)
	}
	return universe, nil
}
