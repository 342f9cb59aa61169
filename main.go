package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	_ "modernc.org/sqlite"

	"github.com/neutron-data/powder.report/internal/api"
	"github.com/neutron-data/powder.report/internal/provenance"
	"github.com/neutron-data/powder.report/internal/registry"
	"github.com/neutron-data/powder.report/internal/version"
)

var (
	listen   = flag.String("listen", ":8080", "HTTP listen address")
	dbFile   = flag.String("db", DB_FILE, "Path to the run database")
	plotsDir = flag.String("plots", "plots", "Directory of reduction PNG plots served under /plots/")
)

// Constants
const DB_FILE = "reductions.db"

// consoleRegistries lists the reference-data registries shown on the
// console's cache status page.
func consoleRegistries() []*registry.Registry {
	return []*registry.Registry{
		registry.ForDream(),
		registry.ForPowgen(),
		registry.ForBeer(),
	}
}

// Main
func main() {
	// The migrate subcommand manages the database schema and exits. It
	// is dispatched before flag parsing because its actions are plain
	// arguments.
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		fs := flag.NewFlagSet("migrate", flag.ExitOnError)
		db := fs.String("db", DB_FILE, "Path to the run database")
		fs.Parse(os.Args[2:])
		provenance.RunMigrateCommand(fs.Args(), *db)
		return
	}

	flag.Parse()

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	log.Printf("powder-report %s (%s, built %s)", version.Version, version.GitSHA, version.BuildTime)

	db, err := provenance.OpenAndMigrate(*dbFile)
	if err != nil {
		log.Fatalf("Failed to open run database: %v", err)
	}
	defer db.Close()

	// Create a wait group for the console server routine
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := api.NewServer(api.Config{
		Address:    *listen,
		DB:         db,
		Registries: consoleRegistries(),
		Results:    api.NewResultStore(),
		PlotsDir:   *plotsDir,
	})

	// run the console until the context is cancelled; Start handles the
	// graceful HTTP shutdown itself and returns nil after it
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Start(ctx); err != nil {
			log.Fatalf("Failed to start console: %v", err)
		}
		log.Print("console routine terminated")
	}()

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
