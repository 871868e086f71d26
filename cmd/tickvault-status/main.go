// Command tickvault-status prints registry progress, the estimated time
// remaining, and a breakdown of failures by error class.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"tickvault/internal/config"
	"tickvault/internal/registry"
)

func main() {
	showFailed := flag.Bool("failed", false, "list failed tasks with their errors")
	flag.Parse()

	_ = godotenv.Load()

	cfgPath := "config/tickvault.yaml"
	if p := os.Getenv("TICKVAULT_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	reg, err := registry.Open(cfg.Storage.RegistryPath)
	if err != nil {
		log.Fatalf("opening registry: %v", err)
	}
	defer reg.Close()

	ctx := context.Background()
	stats, err := reg.Stats(ctx)
	if err != nil {
		log.Fatalf("reading stats: %v", err)
	}

	fmt.Printf("run:       %s\n", reg.RunID())
	fmt.Printf("total:     %d\n", stats.Total)
	fmt.Printf("completed: %d\n", stats.Completed)
	fmt.Printf("failed:    %d\n", stats.Failed)
	fmt.Printf("pending:   %d\n", stats.Pending)
	if !stats.StartedAt.IsZero() {
		fmt.Printf("started:   %s\n", stats.StartedAt.Format(time.RFC3339))
	}
	if eta := stats.ETA(time.Now()); eta > 0 {
		fmt.Printf("eta:       %s\n", eta.Round(time.Second))
	}

	byClass, err := reg.FailedByClass(ctx)
	if err != nil {
		log.Fatalf("reading failure breakdown: %v", err)
	}
	for class, n := range byClass {
		fmt.Printf("failed[%s]: %d\n", class, n)
	}

	if *showFailed {
		tasks, err := reg.FailedTasks(ctx)
		if err != nil {
			log.Fatalf("reading failed tasks: %v", err)
		}
		for _, t := range tasks {
			fmt.Printf("%s  attempts=%d  (%s) %s\n", t.Key(), t.Attempts, t.ErrorClass, t.LastError)
		}
	}
}
