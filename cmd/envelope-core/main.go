package main

import (
	"log"

	"github.com/securestor/envelope-core/internal/config"
	"github.com/securestor/envelope-core/internal/database"
	"github.com/securestor/envelope-core/internal/encrypt"
)

// main is the materials pipeline's composition root: it loads Config,
// opens the Postgres pool, runs migrations, then builds the keyring/CMM
// the configured EncryptionMode selects and leaves
// TMKService/RewrapService ready for a caller to drive. Generalized from the teacher's
// cmd/api/main.go with the HTTP server step dropped — this module has
// no session layer of its own (spec.md §1 treats that as an external
// collaborator), so there is nothing for it to start.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	db, err := database.NewPostgresDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := database.RunMigrations(db); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	cmm, err := encrypt.NewCMMFromConfig(cfg)
	if err != nil {
		log.Fatalf("failed to build CMM for encryption mode %q: %v", cfg.EncryptionMode, err)
	}

	tmkService := encrypt.NewTMKService(db, cmm)
	encrypt.NewRewrapService(db, tmkService, encrypt.RewrapConfig{})

	log.Printf("envelope-core ready: mode=%s region=%s", cfg.EncryptionMode, cfg.AWSRegion)
}
