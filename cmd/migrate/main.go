package main

import (
	"flag"
	"fmt"
	"os"

	"facilityops/api/internal/config"
	"facilityops/api/internal/store"
)

func main() {
	var (
		down    bool
		steps   int
		version bool
	)
	flag.BoolVar(&down, "down", false, "roll migrations back instead of applying them")
	flag.IntVar(&steps, "steps", 0, "number of migrations to roll back (0 = all)")
	flag.BoolVar(&version, "version", false, "print the applied schema version and exit")
	flag.Parse()

	cfg := config.MustLoad()

	switch {
	case version:
		v, dirty, err := store.MigrationVersion(cfg.DatabaseURL)
		if err != nil {
			fail(err)
		}
		fmt.Printf("version %d (dirty=%t)\n", v, dirty)
	case down:
		if err := store.RollbackMigrations(cfg.DatabaseURL, steps); err != nil {
			fail(err)
		}
		fmt.Println("Migrations rolled back")
	default:
		if err := store.ApplyMigrations(cfg.DatabaseURL); err != nil {
			fail(err)
		}
		fmt.Println("Migrations applied")
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
