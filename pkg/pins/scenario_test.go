package pins_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consentmesh/trustcore/pkg/audit"
	"github.com/consentmesh/trustcore/pkg/consent"
	"github.com/consentmesh/trustcore/pkg/contracts"
	"github.com/consentmesh/trustcore/pkg/pins"
	"github.com/consentmesh/trustcore/pkg/store"
	"github.com/consentmesh/trustcore/pkg/trust"
)

// Full lifecycle: propose, bilateral sign, issue a single-use PIN, validate
// it once, fail the replay, and verify both audit trails.
func TestConsentLifecycle(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	ledger := contracts.NewLedger(st, nil)
	keyring, err := trust.NewKeyring([]byte("scenario-secret"))
	require.NoError(t, err)
	pinSvc := pins.NewService(st, keyring, 60*time.Second, nil)
	chain := audit.NewChain(st, nil)

	acme := "system:acme-crm"
	scheduler := "agent:scheduler"

	retention := 30
	contract, err := ledger.Create(ctx, acme, contracts.Proposal{
		Counterparty:  scheduler,
		DataTypes:     []string{"appointment"},
		Actions:       []string{"read", "update"},
		Purpose:       "appointment scheduling",
		RetentionDays: &retention,
	})
	require.NoError(t, err)

	for _, party := range []string{acme, scheduler} {
		kp, err := trust.NewMemoryKeyProvider()
		require.NoError(t, err)
		pemKey, err := trust.PublicKeyPEM(kp.PublicKey())
		require.NoError(t, err)
		sig, err := trust.SignContentHash(kp, contract.ContentHash)
		require.NoError(t, err)
		contract, err = ledger.Sign(ctx, contract.ID, party, sig, pemKey)
		require.NoError(t, err)
	}
	require.Equal(t, consent.StatusActive, contract.Status)

	scope := consent.Scope{DataTypes: []string{"appointment"}, Actions: []string{"read"}}
	iss, err := pinSvc.Create(ctx, scheduler, contract.ID, scope, true, 60*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, iss.TTL)

	v, err := pinSvc.Validate(ctx, iss.Pin.ID, iss.Credential, scope)
	require.NoError(t, err)
	assert.Equal(t, contract.ID, v.ContractID)

	// Both sides log the exchange against their own chains.
	_, err = chain.Append(ctx, scheduler, audit.Record{
		ContractID: contract.ID,
		PinID:      iss.Pin.ID,
		Action:     consent.ActionRequest,
		Status:     consent.AuditSent,
		Target:     "acme-crm",
		Scope:      scope,
	})
	require.NoError(t, err)
	_, err = chain.Append(ctx, acme, audit.Record{
		ContractID: contract.ID,
		PinID:      iss.Pin.ID,
		Action:     consent.ActionResponse,
		Status:     consent.AuditReceived,
		Target:     "acme-crm",
		Scope:      scope,
	})
	require.NoError(t, err)

	// Replaying the consumed PIN fails and gets logged too.
	_, err = pinSvc.Validate(ctx, iss.Pin.ID, iss.Credential, scope)
	require.True(t, consent.IsKind(err, consent.KindAlreadyUsed))
	_, err = chain.Append(ctx, scheduler, audit.Record{
		ContractID: contract.ID,
		PinID:      iss.Pin.ID,
		Action:     consent.ActionValidation,
		Status:     consent.AuditDenied,
		Target:     "acme-crm",
		Scope:      scope,
		Metadata:   map[string]any{"reason": "ALREADY_USED"},
	})
	require.NoError(t, err)

	schedRes, err := chain.Verify(ctx, scheduler, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.True(t, schedRes.Valid)
	assert.Equal(t, 2, schedRes.Entries)

	acmeRes, err := chain.Verify(ctx, acme, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.True(t, acmeRes.Valid)
	assert.Equal(t, 1, acmeRes.Entries)

	page, err := chain.Query(ctx, store.AuditQuery{ContractID: contract.ID})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
}
