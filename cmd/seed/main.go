package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"

	"github.com/holiman/uint256"

	"github.com/xtrntr/clob/internal/auth"
	"github.com/xtrntr/clob/internal/config"
	"github.com/xtrntr/clob/internal/db"
	"github.com/xtrntr/clob/internal/ledger"
	"github.com/xtrntr/clob/internal/models"
)

type seedUser struct {
	username string
	address  string
	role     string
}

// Seed users and ledger balances for local development. The ledger store is
// locked by a running server, so stop it first.
func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	password := flag.String("password", "password123", "Password for every seeded user")
	flag.Parse()

	ctx := context.Background()
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Connect to database
	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(ctx)
	if err := database.Migrate(ctx, cfg.MigrationsPath); err != nil {
		log.Fatalf("Failed to migrate: %v", err)
	}

	// The admin's address must be the owner so admin routes pass the owner check.
	users := []seedUser{
		{username: "admin", address: cfg.Owner, role: models.RoleAdmin},
		{username: "trader1", address: "0x1111111111111111111111111111111111111111", role: models.RoleTrader},
		{username: "trader2", address: "0x2222222222222222222222222222222222222222", role: models.RoleTrader},
	}

	authService := auth.NewAuthService(database, cfg.JWTSecret, cfg.TokenTTL)
	for _, u := range users {
		_, err := authService.RegisterWithRole(ctx, u.username, *password, u.address, u.role)
		switch {
		case errors.Is(err, models.ErrStateConflict):
			fmt.Printf("User %s already exists\n", u.username)
		case err != nil:
			log.Fatalf("Failed to create user %s: %v", u.username, err)
		default:
			fmt.Printf("Created %s %s (%s)\n", u.role, u.username, u.address)
		}
	}

	store, err := ledger.OpenPebble(cfg.LedgerDir)
	if err != nil {
		log.Fatalf("Failed to open ledger: %v", err)
	}
	defer store.Close()

	// 1000 of each base token and 10M of each quote token, in raw units
	baseAmount := uint256.NewInt(1_000)
	quoteAmount := uint256.NewInt(10_000_000)
	for _, u := range users[1:] {
		for _, p := range cfg.Pairs {
			if err := store.Deposit(p.Base, u.address, baseAmount); err != nil {
				log.Fatalf("Failed to deposit %s: %v", p.Base, err)
			}
			if err := store.Deposit(p.Quote, u.address, quoteAmount); err != nil {
				log.Fatalf("Failed to deposit %s: %v", p.Quote, err)
			}
		}
		fmt.Printf("Funded %s\n", u.username)
	}

	fmt.Println("Seeding complete")
}
