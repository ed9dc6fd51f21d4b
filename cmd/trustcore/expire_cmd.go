package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/consentmesh/trustcore/pkg/contracts"
)

// runExpireCmd runs one expiry sweep: every PROPOSED or ACTIVE contract
// whose expires_at has passed transitions to EXPIRED. The host's scheduler
// is expected to invoke this periodically.
func runExpireCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("expire", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	st, err := openStore(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = st.Close() }()

	ledger := contracts.NewLedger(st, newLogger(cfg, stderr))
	expired, err := ledger.ExpireDue(context.Background())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	for _, id := range expired {
		fmt.Fprintf(stdout, "expired %s\n", id)
	}
	fmt.Fprintf(stdout, "%d contract(s) expired\n", len(expired))
	return 0
}
