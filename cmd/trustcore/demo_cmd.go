package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/consentmesh/trustcore/pkg/audit"
	"github.com/consentmesh/trustcore/pkg/consent"
	"github.com/consentmesh/trustcore/pkg/contracts"
	"github.com/consentmesh/trustcore/pkg/pins"
	"github.com/consentmesh/trustcore/pkg/trust"
)

// runDemoCmd walks the full consent lifecycle against the configured store:
// propose, bilateral sign, issue a single-use PIN, validate it, replay it,
// and verify both audit chains.
func runDemoCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("demo", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var ttl time.Duration
	cmd.DurationVar(&ttl, "ttl", pins.DefaultTTL, "PIN lifetime for the demo")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	logger := newLogger(cfg, stderr)

	ctx := context.Background()
	st, err := openStore(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = st.Close() }()
	ledger := contracts.NewLedger(st, logger)
	keyring, err := trust.NewKeyring([]byte(cfg.SigningSecret))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	pinSvc := pins.NewService(st, keyring, ttl, logger)
	chain := audit.NewChain(st, logger)

	crm := "system:acme-crm"
	scheduler := "agent:scheduler"

	retention := 30
	contract, err := ledger.Create(ctx, crm, contracts.Proposal{
		Counterparty:  scheduler,
		DataTypes:     []string{"appointment"},
		Actions:       []string{"read", "update"},
		Purpose:       "appointment scheduling",
		RetentionDays: &retention,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: propose: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "proposed contract %s (%s)\n", contract.ID, contract.Status)

	for _, party := range []string{crm, scheduler} {
		kp, err := trust.NewMemoryKeyProvider()
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: keygen: %v\n", err)
			return 1
		}
		pemKey, err := trust.PublicKeyPEM(kp.PublicKey())
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		sig, err := trust.SignContentHash(kp, contract.ContentHash)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		contract, err = ledger.Sign(ctx, contract.ID, party, sig, pemKey)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: sign as %s: %v\n", party, err)
			return 1
		}
		fmt.Fprintf(stdout, "signed by %s (%s)\n", party, contract.Status)
	}

	scope := consent.Scope{DataTypes: []string{"appointment"}, Actions: []string{"read"}}
	iss, err := pinSvc.Create(ctx, scheduler, contract.ID, scope, true, ttl)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: issue pin: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "issued single-use pin %s (ttl %s)\n", iss.Pin.ID, iss.TTL)

	if _, err := pinSvc.Validate(ctx, iss.Pin.ID, iss.Credential, scope); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: validate: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "pin validated")

	for agent, rec := range map[string]audit.Record{
		scheduler: {
			ContractID: contract.ID, PinID: iss.Pin.ID,
			Action: consent.ActionRequest, Status: consent.AuditSent,
			Target: "acme-crm", Scope: scope,
		},
		crm: {
			ContractID: contract.ID, PinID: iss.Pin.ID,
			Action: consent.ActionResponse, Status: consent.AuditReceived,
			Target: "acme-crm", Scope: scope,
		},
	} {
		if _, err := chain.Append(ctx, agent, rec); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: audit append: %v\n", err)
			return 1
		}
	}

	if _, err := pinSvc.Validate(ctx, iss.Pin.ID, iss.Credential, scope); !consent.IsKind(err, consent.KindAlreadyUsed) {
		_, _ = fmt.Fprintf(stderr, "Error: replay was not rejected: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "replay rejected: ALREADY_USED")

	for _, agent := range []string{crm, scheduler} {
		res, err := chain.Verify(ctx, agent, time.Time{}, time.Time{})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: verify: %v\n", err)
			return 1
		}
		if !res.Valid {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", res.Err())
			return 1
		}
		fmt.Fprintf(stdout, "audit chain for %s: valid (%d entries)\n", agent, res.Entries)
	}

	return 0
}
