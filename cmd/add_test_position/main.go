package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/vitos/option_exit_bot/internal/domain"
	"github.com/vitos/option_exit_bot/internal/infrastructure/storage"
)

// Seeds a pending position row so the running engine picks it up on the
// next reconcile pass. Meant for paper-trading sessions.
func main() {
	var (
		dbPath     = flag.String("db", "positions.db", "path to the sqlite database")
		instrument = flag.String("instrument", "", "instrument key, e.g. NSE_FO|49081")
		direction  = flag.String("direction", "CE", "option side: CE or PE")
		entryPrice = flag.Float64("entry", 0, "entry premium per unit")
		quantity   = flag.Int("qty", 1, "number of lots")
		lotSize    = flag.Int("lot-size", 75, "units per lot")
		underlying = flag.String("underlying", "", "underlying group for per-instrument limits")
		trailFloor = flag.Float64("trail-floor", 0, "per-instrument trailing floor override, pct")
	)
	flag.Parse()

	if *instrument == "" || *entryPrice <= 0 {
		fmt.Println("usage: add_test_position -instrument KEY -entry PRICE [-qty N] [-direction CE|PE]")
		os.Exit(1)
	}
	if *direction != string(domain.DirectionCall) && *direction != string(domain.DirectionPut) {
		fmt.Printf("unknown direction %q\n", *direction)
		os.Exit(1)
	}

	store, err := storage.NewSQLiteStore(*dbPath)
	if err != nil {
		fmt.Printf("failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	meta := map[string]string{}
	if *underlying != "" {
		meta["underlying"] = *underlying
	}
	if *trailFloor > 0 {
		meta["trail_floor_pct"] = fmt.Sprintf("%.2f", *trailFloor)
	}

	pos := &domain.Position{
		ID:            ulid.Make().String(),
		InstrumentKey: *instrument,
		Direction:     domain.Direction(*direction),
		EntryPrice:    *entryPrice,
		Quantity:      *quantity,
		LotSize:       *lotSize,
		Status:        domain.StatusActive,
		EnteredAt:     time.Now(),
		Meta:          meta,
	}

	if err := store.Save(context.Background(), pos); err != nil {
		fmt.Printf("failed to save position: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("position %s saved: %s %s qty=%d entry=%.2f\n",
		pos.ID, pos.InstrumentKey, pos.Direction, pos.Quantity, pos.EntryPrice)
}
