package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/congo-pay/custody/internal/logging"
	"github.com/congo-pay/custody/internal/migrations"
)

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down>")
		fmt.Println("  up   - apply all pending migrations")
		fmt.Println("  down - roll back the last migration")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  DATABASE_URL - Postgres connection string (required)")
		os.Exit(1)
	}

	logger := logging.New("custody-migrate", os.Getenv("LOG_LEVEL"))
	url := os.Getenv("DATABASE_URL")

	switch os.Args[1] {
	case "up":
		if err := migrations.Up(url); err != nil {
			logger.Error("migrate up", "error", err)
			os.Exit(1)
		}
		logger.Info("all migrations applied")
	case "down":
		if err := migrations.Down(url); err != nil {
			logger.Error("migrate down", "error", err)
			os.Exit(1)
		}
		logger.Info("last migration rolled back")
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up' or 'down')\n", os.Args[1])
		os.Exit(1)
	}
}
