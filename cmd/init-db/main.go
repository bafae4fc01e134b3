package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"token_budget/internal/config"
	"token_budget/internal/models"
	"token_budget/internal/storage"
)

func main() {
	fmt.Println("Token Budget Service - Database Initialization")

	// Load configuration (primarily for the database connection)
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if cfg.Database.URL == "" {
		fmt.Fprintf(os.Stderr, "ERROR: DATABASE_URL must be set\n")
		os.Exit(1)
	}

	// Connect to database
	fmt.Println("Connecting to database...")
	db, err := storage.NewDB(storage.DBConfig{
		DSN:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		BudgetCacheSize: 10, // Minimal cache for init tool
		BudgetCacheTTL:  5 * time.Minute,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	fmt.Println("Database connection established")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Create schema
	fmt.Println("Creating tables and indexes...")
	if err := db.EnsureSchema(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to create schema: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Schema is up to date")

	// Optional seed budget, useful for a first smoke test
	seedUser := os.Getenv("BUDGET_SEED_USER_ID")
	if seedUser == "" {
		fmt.Println("\nDone. Set BUDGET_SEED_USER_ID and BUDGET_SEED_LIMIT_TOKENS to seed a budget.")
		return
	}

	seedLimit := int64(0)
	if limitStr := os.Getenv("BUDGET_SEED_LIMIT_TOKENS"); limitStr != "" {
		seedLimit, err = strconv.ParseInt(limitStr, 10, 64)
		if err != nil || seedLimit < 0 {
			fmt.Fprintf(os.Stderr, "ERROR: BUDGET_SEED_LIMIT_TOKENS must be a non-negative integer\n")
			os.Exit(1)
		}
	}

	repo := db.NewBudgetRepository()

	existing, err := repo.GetByUserID(ctx, seedUser)
	if err != nil && !errors.Is(err, storage.ErrBudgetNotFound) {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to check for existing budget: %v\n", err)
		os.Exit(1)
	}
	if existing != nil {
		fmt.Printf("INFO: Budget for user %s already exists (limit %d). No action taken.\n",
			seedUser, existing.LimitTokens)
		return
	}

	budget := &models.TokenBudget{
		UserID:      seedUser,
		WindowType:  models.WindowMonthly,
		LimitTokens: seedLimit,
		Enabled:     true,
		CreatedBy:   "init-db",
	}
	if tz := os.Getenv("BUDGET_SEED_TIMEZONE"); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: Unknown timezone %q\n", tz)
			os.Exit(1)
		}
		budget.Timezone = &tz
	}

	if err := repo.Upsert(ctx, budget); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to seed budget: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("SUCCESS: Seeded budget for user %s (limit %d tokens)\n", seedUser, seedLimit)
}
