package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/consentmesh/trustcore/pkg/audit"
)

// runVerifyCmd re-walks one agent's audit chain and reports where it breaks.
//
// Exit codes:
//
//	0 = chain valid
//	1 = chain broken
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		agentID    string
		fromFlag   string
		toFlag     string
		jsonOutput bool
	)
	cmd.StringVar(&agentID, "agent", "", "Agent id whose chain to verify (REQUIRED)")
	cmd.StringVar(&fromFlag, "from", "", "Window start (RFC 3339, optional)")
	cmd.StringVar(&toFlag, "to", "", "Window end (RFC 3339, optional)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if agentID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: -agent is required")
		return 2
	}

	var from, to time.Time
	var err error
	if fromFlag != "" {
		if from, err = time.Parse(time.RFC3339, fromFlag); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: -from: %v\n", err)
			return 2
		}
	}
	if toFlag != "" {
		if to, err = time.Parse(time.RFC3339, toFlag); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: -to: %v\n", err)
			return 2
		}
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

	chain := audit.NewChain(st, newLogger(cfg, stderr))
	res, err := chain.Verify(context.Background(), agentID, from, to)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	} else if res.Valid {
		fmt.Fprintf(stdout, "chain for %s: valid (%d entries)\n", agentID, res.Entries)
	} else {
		fmt.Fprintf(stdout, "chain for %s: BROKEN at entry %s (%s): %s\n",
			agentID, res.FailedEntryID, res.FailedCheck, res.Detail)
	}

	if !res.Valid {
		return 1
	}
	return 0
}
