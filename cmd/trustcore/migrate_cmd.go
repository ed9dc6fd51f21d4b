package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/consentmesh/trustcore/pkg/config"
)

// runMigrateCmd creates or updates the schema for the configured SQL store.
// Opening a store migrates it, so this command only needs to connect.
func runMigrateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("migrate", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if cfg.Driver == config.DriverMemory {
		_, _ = fmt.Fprintln(stderr, "Error: the memory driver has no schema to migrate")
		return 2
	}

	st, err := openStore(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	fmt.Fprintf(stdout, "schema ready (%s)\n", cfg.Driver)
	return 0
}
