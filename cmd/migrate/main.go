package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"portalsetup.org/internal/audit"
	"portalsetup.org/internal/auth"
	"portalsetup.org/internal/config"
	"portalsetup.org/internal/ids"
	"portalsetup.org/internal/migrate"
	"portalsetup.org/internal/provision"
	"portalsetup.org/internal/store/pg"
	"portalsetup.org/internal/supabase"
)

func main() {
	log.SetFlags(0)
	if _, err := config.LoadEnv(config.DefaultEnvFiles...); err != nil {
		log.Fatal(err)
	}
	var (
		dsn            = flag.String("dsn", os.Getenv("BOOTSTRAP_PG_DSN"), "PostgreSQL DSN")
		migrationsPath = flag.String("migrations", "supabase/migrations", "Path to SQL migrations")
		seedsPath      = flag.String("seeds", "supabase/seeds", "Path to SQL seeds")
		timeout        = flag.Duration("timeout", 2*time.Minute, "Deadline for the command")
	)
	flag.Parse()

	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status|apply <file>]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	ctx = audit.WithRunID(ctx, ids.NewRun(time.Now()))

	if flag.Arg(0) == "apply" {
		if flag.NArg() != 2 {
			log.Fatal("usage: migrate apply <file>")
		}
		if err := apply(ctx, *dsn, flag.Arg(1)); err != nil {
			log.Fatalf("migrate apply: %v", err)
		}
		return
	}

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or BOOTSTRAP_PG_DSN")
	}
	store, err := pg.Open(*dsn, provision.DefaultTables())
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	mgr := migrate.NewManager(store.DB(), *migrationsPath, *seedsPath)

	var applied []string
	switch flag.Arg(0) {
	case "up":
		applied, err = mgr.Up(ctx)
	case "seed":
		applied, err = mgr.Seed(ctx)
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if err == nil {
			fmt.Println("rolled back", name)
		}
	case "status":
		applied, err = mgr.Status(ctx)
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	for _, item := range applied {
		fmt.Println(item)
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}

// apply runs one file statement by statement, over the direct connection
// when a DSN is set and through the project's SQL endpoint otherwise.
func apply(ctx context.Context, dsn, path string) error {
	var exec provision.SchemaExecutor
	if dsn != "" {
		store, err := pg.Open(dsn, provision.DefaultTables())
		if err != nil {
			return err
		}
		defer store.Close()
		exec = store
	} else {
		cfg := config.FromEnv()
		if _, err := auth.RequireService(cfg.ServiceKey, time.Now()); err != nil {
			return fmt.Errorf("%s: %w", cfg.ServiceKeyVar, err)
		}
		client, err := supabase.New(cfg.URL, cfg.ServiceKey, supabase.WithTimeout(cfg.CallTimeout))
		if err != nil {
			return err
		}
		exec = client
	}
	n, err := migrate.ApplyFile(ctx, exec, path)
	if err != nil {
		return err
	}
	fmt.Printf("applied %d statements from %s\n", n, path)
	return nil
}
