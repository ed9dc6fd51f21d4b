package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/consentmesh/trustcore/pkg/config"
	"github.com/consentmesh/trustcore/pkg/locks"
	"github.com/consentmesh/trustcore/pkg/store"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "demo":
		return runDemoCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "expire":
		return runExpireCmd(args[2:], stdout, stderr)
	case "migrate":
		return runMigrateCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "trustcore - bilateral consent trust core")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  trustcore demo                     Run the consent lifecycle end to end")
	fmt.Fprintln(w, "  trustcore verify -agent <id>       Verify an agent's audit chain integrity")
	fmt.Fprintln(w, "  trustcore expire                   Expire contracts whose expiry has passed")
	fmt.Fprintln(w, "  trustcore migrate                  Create or update the database schema")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Configuration comes from TRUSTCORE_* environment variables; see")
	fmt.Fprintln(w, "TRUSTCORE_PROFILE for an optional YAML profile overlay.")
	fmt.Fprintln(w, "")
}

// loadConfig resolves the environment configuration plus the optional YAML
// profile named by TRUSTCORE_PROFILE.
func loadConfig() (*config.Config, error) {
	cfg := config.Load()
	if path := os.Getenv("TRUSTCORE_PROFILE"); path != "" {
		if err := cfg.ApplyProfile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// openStore selects the Store implementation from the configured driver.
// Postgres locks in the database itself; SQLite can lock through Redis when
// several processes share the file.
func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return store.NewMemoryStore(), nil
	case config.DriverSQLite:
		if cfg.RedisAddr != "" {
			client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
			return store.OpenSQLiteWithLocker(cfg.DatabaseURL, locks.NewRedisLocker(client, 30*time.Second))
		}
		return store.OpenSQLite(cfg.DatabaseURL)
	case config.DriverPostgres:
		return store.OpenPostgres(cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
