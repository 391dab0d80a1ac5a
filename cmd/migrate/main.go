package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"tenantgate.org/internal/migrate"
	"tenantgate.org/internal/obs"
)

const usage = "usage: migrate [flags] up | down [steps] | seed | status"

func main() {
	var (
		dsn            = flag.String("dsn", os.Getenv("TENANTGATE_PG_DSN"), "PostgreSQL DSN")
		migrationsPath = flag.String("migrations", "", "Directory with SQL migrations (defaults to the embedded set)")
		seedsPath      = flag.String("seeds", "ops/seeds", "Directory with SQL seeds, skipped when missing")
		timeout        = flag.Duration("timeout", 30*time.Second, "Overall deadline")
		logLevel       = flag.String("log-level", "info", "Log level")
	)
	flag.Parse()

	logger, err := obs.NewLogger(obs.LoggerConfig{Environment: "dev", Level: *logLevel, Format: "console", Service: "tenantgate-migrate"})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if *dsn == "" {
		logger.Fatal("missing DSN: provide via -dsn or TENANTGATE_PG_DSN")
	}
	if flag.NArg() == 0 {
		logger.Fatal(usage)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		logger.Fatal("open db", zap.Error(err))
	}
	defer db.Close()

	migrations := migrate.Embedded()
	if *migrationsPath != "" {
		migrations = os.DirFS(*migrationsPath)
	}
	opts := []migrate.Option{migrate.WithLogger(logger)}
	if seeds, ok := dirFS(*seedsPath); ok {
		opts = append(opts, migrate.WithSeeds(seeds))
	}
	mgr := migrate.NewManager(db, migrations, opts...)

	cmd := flag.Arg(0)
	switch cmd {
	case "up":
		var done []migrate.Migration
		done, err = mgr.Up(ctx)
		if err == nil {
			logger.Info("schema up to date", zap.Int("applied", len(done)))
		}
	case "down":
		steps := 1
		if flag.NArg() > 1 {
			if steps, err = strconv.Atoi(flag.Arg(1)); err != nil || steps < 1 {
				logger.Fatal("down expects a positive step count", zap.String("arg", flag.Arg(1)))
			}
		}
		_, err = mgr.Down(ctx, steps)
	case "seed":
		var n int
		n, err = mgr.Seed(ctx)
		if err == nil {
			logger.Info("seeds applied", zap.Int("count", n))
		}
	case "status":
		var entries []migrate.Entry
		entries, err = mgr.Status(ctx)
		for _, e := range entries {
			state := "pending"
			if e.AppliedAt != nil {
				state = e.AppliedAt.Format(time.RFC3339)
			}
			if e.Modified {
				state += " (modified)"
			}
			fmt.Printf("%04d %-24s %s\n", e.Version, e.Name, state)
		}
	default:
		logger.Fatal("unknown command", zap.String("command", cmd), zap.String("usage", usage))
	}
	if err != nil {
		logger.Fatal("migrate failed", zap.String("command", cmd), zap.Error(err))
	}
}

func dirFS(path string) (fs.FS, bool) {
	if path == "" {
		return nil, false
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return nil, false
	}
	return os.DirFS(path), true
}
