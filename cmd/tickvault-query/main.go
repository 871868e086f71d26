// Command tickvault-query lists what the store holds and prints bar history
// for a symbol, or runs the read-only validation report.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"tickvault/internal/config"
	"tickvault/internal/domain"
	"tickvault/internal/loader"
	"tickvault/internal/store"
)

func main() {
	category := flag.String("category", "", "category to query")
	symbol := flag.String("symbol", "", "symbol to query")
	timeframe := flag.String("timeframe", "1D", "bar timeframe")
	fromStr := flag.String("from", "", "range start (YYYY-MM-DD)")
	toStr := flag.String("to", "", "range end (YYYY-MM-DD)")
	validate := flag.Bool("validate", false, "print the validation report instead of bars")
	flag.Parse()

	cfgPath := "config/tickvault.yaml"
	if p := os.Getenv("TICKVAULT_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	l := loader.New(store.NewParquetStore(cfg.Storage.DataDir))
	ctx := context.Background()

	// With no category, list what exists and stop.
	if *category == "" {
		cats, err := l.AvailableCategories(ctx)
		if err != nil {
			log.Fatalf("listing categories: %v", err)
		}
		for _, c := range cats {
			fmt.Println(c)
		}
		return
	}
	if *symbol == "" {
		syms, err := l.AvailableSymbols(ctx, *category)
		if err != nil {
			log.Fatalf("listing symbols: %v", err)
		}
		for _, s := range syms {
			fmt.Println(s)
		}
		return
	}

	tf, err := domain.ParseTimeframe(*timeframe)
	if err != nil {
		log.Fatal(err)
	}

	if *validate {
		report, err := l.Coverage(ctx, *category, *symbol, tf)
		if err != nil {
			log.Fatalf("validating: %v", err)
		}
		fmt.Printf("valid:        %v\n", report.Valid())
		fmt.Printf("records:      %d\n", report.RecordCount)
		fmt.Printf("nulls:        %d\n", report.NullCount)
		fmt.Printf("duplicates:   %d\n", report.DuplicateCount)
		fmt.Printf("invalid_ohlc: %d\n", report.InvalidOHLCCount)
		fmt.Printf("range:        %s .. %s\n",
			report.Start.Format("2006-01-02"), report.End.Format("2006-01-02"))
		return
	}

	from, err := parseDate(*fromStr)
	if err != nil {
		log.Fatalf("invalid -from: %v", err)
	}
	to, err := parseDate(*toStr)
	if err != nil {
		log.Fatalf("invalid -to: %v", err)
	}

	bars, err := l.Load(ctx, *category, *symbol, tf, from, to)
	if err != nil {
		log.Fatalf("loading bars: %v", err)
	}
	fmt.Println("timestamp,open,high,low,close,volume")
	for _, b := range bars {
		fmt.Printf("%s,%g,%g,%g,%g,%d\n",
			b.Timestamp.Format(time.RFC3339), b.Open, b.High, b.Low, b.Close, b.Volume)
	}
}

// parseDate parses YYYY-MM-DD, returning the zero time for empty input.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02", s)
}
