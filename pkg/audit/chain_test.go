package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consentmesh/trustcore/pkg/consent"
	"github.com/consentmesh/trustcore/pkg/store"
)

func record(action consent.AuditAction, status consent.AuditStatus) Record {
	return Record{
		ContractID: "contract-1",
		Action:     action,
		Status:     status,
		Target:     "crm",
		Scope:      consent.Scope{DataTypes: []string{"appointment"}, Actions: []string{"read"}},
		Metadata:   map[string]any{"endpoint": "/v1/appointments", "attempt": 1},
		RequestID:  "req-1",
	}
}

func TestAppend_LinksChain(t *testing.T) {
	chain := NewChain(store.NewMemoryStore(), nil)
	ctx := context.Background()

	first, err := chain.Append(ctx, "agent:a", record(consent.ActionRequest, consent.AuditSent))
	require.NoError(t, err)
	assert.Equal(t, consent.GenesisHash, first.PrevHash)
	assert.Len(t, first.EntryHash, 64)

	second, err := chain.Append(ctx, "agent:a", record(consent.ActionResponse, consent.AuditReceived))
	require.NoError(t, err)
	assert.Equal(t, first.EntryHash, second.PrevHash)

	res, err := chain.Verify(ctx, "agent:a", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 2, res.Entries)
	assert.NoError(t, res.Err())
}

func TestAppend_Validation(t *testing.T) {
	chain := NewChain(store.NewMemoryStore(), nil)
	ctx := context.Background()

	_, err := chain.Append(ctx, "", record(consent.ActionRequest, consent.AuditSent))
	assert.True(t, consent.IsKind(err, consent.KindInvalidState))

	_, err = chain.Append(ctx, "agent:a", record("DELETE_EVERYTHING", consent.AuditSent))
	assert.True(t, consent.IsKind(err, consent.KindInvalidState))

	_, err = chain.Append(ctx, "agent:a", record(consent.ActionRequest, "MAYBE"))
	assert.True(t, consent.IsKind(err, consent.KindInvalidState))
}

// Each agent owns an independent chain anchored at its own genesis.
func TestAppend_DualSidedChainsIndependent(t *testing.T) {
	chain := NewChain(store.NewMemoryStore(), nil)
	ctx := context.Background()

	aFirst, err := chain.Append(ctx, "system:acme", record(consent.ActionRequest, consent.AuditSent))
	require.NoError(t, err)
	bFirst, err := chain.Append(ctx, "agent:scheduler", record(consent.ActionRequest, consent.AuditReceived))
	require.NoError(t, err)

	assert.Equal(t, consent.GenesisHash, aFirst.PrevHash)
	assert.Equal(t, consent.GenesisHash, bFirst.PrevHash)

	for _, agent := range []string{"system:acme", "agent:scheduler"} {
		res, err := chain.Verify(ctx, agent, time.Time{}, time.Time{})
		require.NoError(t, err)
		assert.True(t, res.Valid)
		assert.Equal(t, 1, res.Entries)
	}
}

func TestAppend_ConcurrentSerializes(t *testing.T) {
	chain := NewChain(store.NewMemoryStore(), nil)
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := chain.Append(ctx, "agent:a", record(consent.ActionRequest, consent.AuditSent))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	res, err := chain.Verify(ctx, "agent:a", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, n, res.Entries)
}

func TestVerify_EmptyChain(t *testing.T) {
	chain := NewChain(store.NewMemoryStore(), nil)

	res, err := chain.Verify(context.Background(), "agent:never-logged", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 0, res.Entries)
}

// tamperStore serves a mutable snapshot of another store's entries so tests
// can corrupt committed history.
type tamperStore struct {
	store.AuditStore
	entries []*consent.AuditEntry
}

func (s *tamperStore) AgentEntries(ctx context.Context, agentID string, from, to time.Time) ([]*consent.AuditEntry, error) {
	return s.entries, nil
}

func seedChain(t *testing.T, n int) (*Chain, []*consent.AuditEntry) {
	t.Helper()
	mem := store.NewMemoryStore()
	chain := NewChain(mem, nil)
	ctx := context.Background()
	for i := 0; i < n; i++ {
		_, err := chain.Append(ctx, "agent:a", record(consent.ActionRequest, consent.AuditSent))
		require.NoError(t, err)
	}
	entries, err := mem.AgentEntries(ctx, "agent:a", time.Time{}, time.Time{})
	require.NoError(t, err)
	return chain, entries
}

func TestVerify_DetectsFieldTampering(t *testing.T) {
	_, entries := seedChain(t, 3)
	entries[1].Target = "somewhere-else"

	chain := NewChain(&tamperStore{entries: entries}, nil)
	res, err := chain.Verify(context.Background(), "agent:a", time.Time{}, time.Time{})
	require.NoError(t, err)

	assert.False(t, res.Valid)
	assert.Equal(t, entries[1].ID, res.FailedEntryID)
	assert.Equal(t, "entry_hash", res.FailedCheck)
	assert.True(t, consent.IsKind(res.Err(), consent.KindChainBroken))
}

// Recomputing the hash after tampering keeps the entry self-consistent but
// breaks the successor's link.
func TestVerify_DetectsRehashedTampering(t *testing.T) {
	_, entries := seedChain(t, 3)
	entries[1].Target = "somewhere-else"
	rehashed, err := EntryHash(entries[1])
	require.NoError(t, err)
	entries[1].EntryHash = rehashed

	chain := NewChain(&tamperStore{entries: entries}, nil)
	res, err := chain.Verify(context.Background(), "agent:a", time.Time{}, time.Time{})
	require.NoError(t, err)

	assert.False(t, res.Valid)
	assert.Equal(t, entries[2].ID, res.FailedEntryID)
	assert.Equal(t, "prev_hash", res.FailedCheck)
}

func TestVerify_DetectsDeletedEntry(t *testing.T) {
	_, entries := seedChain(t, 3)
	truncated := []*consent.AuditEntry{entries[0], entries[2]}

	chain := NewChain(&tamperStore{entries: truncated}, nil)
	res, err := chain.Verify(context.Background(), "agent:a", time.Time{}, time.Time{})
	require.NoError(t, err)

	assert.False(t, res.Valid)
	assert.Equal(t, entries[2].ID, res.FailedEntryID)
	assert.Equal(t, "prev_hash", res.FailedCheck)
}

// A window starting mid-chain anchors on the first entry's stored prev_hash
// instead of genesis.
func TestVerify_TimeWindowAnchor(t *testing.T) {
	mem := store.NewMemoryStore()
	chain := NewChain(mem, nil)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		chain.now = func() time.Time { return ts }
		_, err := chain.Append(ctx, "agent:a", record(consent.ActionRequest, consent.AuditSent))
		require.NoError(t, err)
	}
	entries, err := mem.AgentEntries(ctx, "agent:a", time.Time{}, time.Time{})
	require.NoError(t, err)

	from := entries[1].Timestamp
	res, err := chain.Verify(ctx, "agent:a", from, time.Time{})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 2, res.Entries)
}

func TestQuery_FiltersAndPaginates(t *testing.T) {
	chain := NewChain(store.NewMemoryStore(), nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := chain.Append(ctx, "agent:a", record(consent.ActionRequest, consent.AuditSent))
		require.NoError(t, err)
	}
	rec := record(consent.ActionValidation, consent.AuditDenied)
	rec.ContractID = "contract-2"
	_, err := chain.Append(ctx, "agent:b", rec)
	require.NoError(t, err)

	page, err := chain.Query(ctx, store.AuditQuery{AgentID: "agent:a", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	require.Len(t, page.Entries, 2)
	// Newest first.
	assert.True(t, !page.Entries[0].Timestamp.Before(page.Entries[1].Timestamp))

	page, err = chain.Query(ctx, store.AuditQuery{AgentID: "agent:a", Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Len(t, page.Entries, 1)

	page, err = chain.Query(ctx, store.AuditQuery{ContractID: "contract-2"})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, consent.ActionValidation, page.Entries[0].Action)
	assert.Equal(t, DefaultPageSize, page.Limit)

	page, err = chain.Query(ctx, store.AuditQuery{Status: consent.AuditDenied})
	require.NoError(t, err)
	assert.Len(t, page.Entries, 1)
}

// Metadata is normalized through JSON before hashing, so the hash recomputed
// from a stored copy matches even when number types changed in transit.
func TestAppend_MetadataNormalization(t *testing.T) {
	chain := NewChain(store.NewMemoryStore(), nil)
	ctx := context.Background()

	rec := record(consent.ActionRequest, consent.AuditSent)
	rec.Metadata = map[string]any{"count": int64(1 << 40), "ratio": 0.5, "tags": []string{"a", "b"}}

	entry, err := chain.Append(ctx, "agent:a", rec)
	require.NoError(t, err)

	recomputed, err := EntryHash(entry)
	require.NoError(t, err)
	assert.Equal(t, entry.EntryHash, recomputed)

	res, err := chain.Verify(ctx, "agent:a", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

// An entry hashed with an empty (non-nil) scope must still verify after the
// store hands back a copy, even if that copy collapsed empty slices to nil.
func TestVerify_ScopeNormalization(t *testing.T) {
	chain := NewChain(store.NewMemoryStore(), nil)
	ctx := context.Background()

	rec := record(consent.ActionRequest, consent.AuditSent)
	rec.Scope = consent.Scope{DataTypes: []string{}, Actions: []string{}}
	entry, err := chain.Append(ctx, "agent:a", rec)
	require.NoError(t, err)

	// Recompute from a nil-scope rendition of the same entry.
	collapsed := entry.Clone()
	collapsed.Scope = consent.Scope{}
	recomputed, err := EntryHash(collapsed)
	require.NoError(t, err)
	assert.Equal(t, entry.EntryHash, recomputed)

	// Element order does not affect the hash either.
	rec = record(consent.ActionRequest, consent.AuditSent)
	rec.Scope = consent.Scope{DataTypes: []string{"b", "a"}, Actions: []string{"write", "read"}}
	entry, err = chain.Append(ctx, "agent:a", rec)
	require.NoError(t, err)
	swapped := entry.Clone()
	swapped.Scope = consent.Scope{DataTypes: []string{"a", "b"}, Actions: []string{"read", "write"}}
	recomputed, err = EntryHash(swapped)
	require.NoError(t, err)
	assert.Equal(t, entry.EntryHash, recomputed)

	res, err := chain.Verify(ctx, "agent:a", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 2, res.Entries)
	assert.NoError(t, res.Err())
}
