package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	"qazna.org/adminauth/internal/migrate"
	"qazna.org/adminauth/internal/persist/sqlstore"
)

func main() {
	log.SetFlags(0)
	var (
		driver         = flag.String("driver", envOr("ADMINAUTH_STORAGE_DRIVER", "postgres"), "SQL dialect: postgres or sqlite")
		dsn            = flag.String("dsn", os.Getenv("ADMINAUTH_STORAGE_DSN"), "database DSN")
		migrationsPath = flag.String("migrations", "", "directory with NNNN_name.{up,down}.sql files (default: embedded)")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or ADMINAUTH_STORAGE_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [-driver postgres|sqlite] -dsn DSN [up|down|status]")
	}
	dialect, err := sqlstore.ParseDialect(*driver)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := sqlstore.Open(dialect, *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	var source fs.FS = sqlstore.Migrations(dialect)
	if *migrationsPath != "" {
		source = os.DirFS(*migrationsPath)
	}
	mgr := migrate.NewManager(store.DB(), source, migrate.WithBindVar(dialect.BindVar))

	switch flag.Arg(0) {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		for _, name := range applied {
			fmt.Println("applied", name)
		}
		if err == nil && len(applied) == 0 {
			fmt.Println("schema is up to date")
		}
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if errors.Is(err, migrate.ErrNothingApplied) {
			fmt.Println("nothing to roll back")
			return
		}
		if err == nil {
			fmt.Println("rolled back", name)
		}
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
