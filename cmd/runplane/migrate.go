package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/Strob0t/Runplane/internal/adapter/postgres"
	"github.com/Strob0t/Runplane/internal/config"
)

// runMigrate handles "runplane migrate up|down|version".
func runMigrate(args []string) error {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: runplane migrate up|down [--steps N]|version")
		return errors.New("missing migrate command")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	dsn := cfg.Postgres.DSN
	ctx := context.Background()

	switch args[0] {
	case "up":
		if err := postgres.RunMigrations(ctx, dsn); err != nil {
			return err
		}
	case "down":
		fs := flag.NewFlagSet("down", flag.ContinueOnError)
		steps := fs.Int("steps", 1, "number of migrations to roll back")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if *steps < 1 {
			return errors.New("--steps must be >= 1")
		}
		if err := postgres.RollbackMigrations(ctx, dsn, *steps); err != nil {
			return err
		}
	case "version":
	default:
		return fmt.Errorf("unknown migrate command: %s", args[0])
	}

	v, err := postgres.MigrationVersion(ctx, dsn)
	if err != nil {
		return err
	}
	fmt.Printf("schema version %d\n", v)
	return nil
}
