// Package audit implements per-agent hash-chained audit logging. Each agent
// owns an independent append-only chain: every entry embeds the hash of its
// predecessor, so tampering with any committed entry is detectable by
// re-walking the chain. Both sides of a transaction log independently
// (dual-sided logging); their chains are never linked to each other.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/consentmesh/trustcore/pkg/canonical"
	"github.com/consentmesh/trustcore/pkg/consent"
	"github.com/consentmesh/trustcore/pkg/store"
)

// Record carries the author-supplied fields of a new audit entry.
type Record struct {
	ContractID string
	PinID      string
	Action     consent.AuditAction
	Status     consent.AuditStatus
	Target     string
	Scope      consent.Scope
	Metadata   map[string]any
	RequestID  string
}

const (
	// DefaultPageSize applies when a query does not set a limit.
	DefaultPageSize = 50
	// MaxPageSize caps a single query page.
	MaxPageSize = 1000
)

// Chain appends to, queries, and verifies per-agent audit chains.
type Chain struct {
	store  store.AuditStore
	logger *slog.Logger
	now    func() time.Time
}

// NewChain creates a chain service on the given store.
func NewChain(s store.AuditStore, logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		store:  s,
		logger: logger,
		// Timestamps participate in entry hashes and must survive a
		// TIMESTAMPTZ round trip, so they carry at most microseconds.
		now: func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// Append commits a new entry to the agent's chain. Appenders for the same
// agent serialize on the store's per-agent lock; the chain's total order is
// the commit order under that lock, not request arrival order.
func (c *Chain) Append(ctx context.Context, agentID string, rec Record) (*consent.AuditEntry, error) {
	if agentID == "" {
		return nil, consent.Errorf(consent.KindInvalidState, "agent_id is required")
	}
	if !validAction(rec.Action) {
		return nil, consent.Errorf(consent.KindInvalidState, "unknown audit action %q", rec.Action)
	}
	if !validStatus(rec.Status) {
		return nil, consent.Errorf(consent.KindInvalidState, "unknown audit status %q", rec.Status)
	}

	metadata, err := normalizeMetadata(rec.Metadata)
	if err != nil {
		return nil, err
	}

	entry, err := c.store.AppendEntry(ctx, agentID, func(prevHash string) (*consent.AuditEntry, error) {
		e := &consent.AuditEntry{
			ID:         uuid.New().String(),
			Timestamp:  c.now(),
			ContractID: rec.ContractID,
			PinID:      rec.PinID,
			AgentID:    agentID,
			Action:     rec.Action,
			Status:     rec.Status,
			Target:     rec.Target,
			Scope:      rec.Scope,
			Metadata:   metadata,
			Source:     agentID,
			RequestID:  rec.RequestID,
			PrevHash:   prevHash,
		}
		hash, err := EntryHash(e)
		if err != nil {
			return nil, err
		}
		e.EntryHash = hash
		return e, nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("audit entry appended",
		"entry_id", entry.ID, "agent_id", agentID, "action", entry.Action, "status", entry.Status)
	return entry, nil
}

// Page is one page of query results.
type Page struct {
	Entries []*consent.AuditEntry
	Total   int
	Limit   int
	Offset  int
}

// Query filters entries across all chains, newest first.
func (c *Chain) Query(ctx context.Context, q store.AuditQuery) (*Page, error) {
	if q.Limit <= 0 {
		q.Limit = DefaultPageSize
	}
	if q.Limit > MaxPageSize {
		q.Limit = MaxPageSize
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	entries, total, err := c.store.QueryEntries(ctx, q)
	if err != nil {
		return nil, err
	}
	return &Page{Entries: entries, Total: total, Limit: q.Limit, Offset: q.Offset}, nil
}

// VerifyResult reports the outcome of a chain verification. On the first
// failure it identifies the entry and which of the two checks failed.
type VerifyResult struct {
	AgentID       string `json:"agent_id"`
	Valid         bool   `json:"valid"`
	Entries       int    `json:"entries"`
	FailedEntryID string `json:"failed_entry_id,omitempty"`
	FailedCheck   string `json:"failed_check,omitempty"` // "prev_hash" or "entry_hash"
	Detail        string `json:"detail,omitempty"`
}

// Err converts an invalid result into a CHAIN_BROKEN error, nil otherwise.
func (r *VerifyResult) Err() error {
	if r.Valid {
		return nil
	}
	return consent.Errorf(consent.KindChainBroken,
		"chain for agent %s broken at entry %s (%s): %s",
		r.AgentID, r.FailedEntryID, r.FailedCheck, r.Detail)
}

// Verify walks one agent's chain in ascending append order, checking that
// each entry links to its predecessor and that its stored hash reproduces
// from its stored fields. An empty chain is vacuously valid. When the window
// starts mid-chain, the first entry's stored prev_hash anchors the walk;
// linkage before the window is not re-checked.
func (c *Chain) Verify(ctx context.Context, agentID string, from, to time.Time) (*VerifyResult, error) {
	entries, err := c.store.AgentEntries(ctx, agentID, from, to)
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{AgentID: agentID, Valid: true, Entries: len(entries)}
	if len(entries) == 0 {
		return result, nil
	}

	expected := entries[0].PrevHash
	if from.IsZero() {
		expected = consent.GenesisHash
	}

	for _, e := range entries {
		if e.PrevHash != expected {
			result.Valid = false
			result.FailedEntryID = e.ID
			result.FailedCheck = "prev_hash"
			result.Detail = "prev_hash does not match the preceding entry's hash"
			return result, nil
		}

		recomputed, err := EntryHash(e)
		if err != nil {
			return nil, err
		}
		if recomputed != e.EntryHash {
			result.Valid = false
			result.FailedEntryID = e.ID
			result.FailedCheck = "entry_hash"
			result.Detail = "stored entry_hash does not reproduce from the entry's fields"
			return result, nil
		}

		expected = e.EntryHash
	}
	return result, nil
}

// EntryHash computes the canonical SHA-256 digest over every entry field
// except EntryHash itself.
func EntryHash(e *consent.AuditEntry) (string, error) {
	content := map[string]any{
		"id":            e.ID,
		"timestamp":     e.Timestamp.UTC().Format(time.RFC3339Nano),
		"contract_id":   nullable(e.ContractID),
		"pin_id":        nullable(e.PinID),
		"agent_id":      e.AgentID,
		"action":        string(e.Action),
		"status":        string(e.Status),
		"target_system": e.Target,
		"scope":         normalizeScope(e.Scope),
		"metadata":      e.Metadata,
		"source":        e.Source,
		"request_id":    nullable(e.RequestID),
		"prev_hash":     e.PrevHash,
	}
	return canonical.Hash(content)
}

// normalizeMetadata round-trips author-supplied metadata through JSON so the
// values hashed at append time are byte-identical to what a later read from
// any store will decode. Without this, e.g. a large int64 would hash
// differently before and after a JSONB round trip.
func normalizeMetadata(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, consent.Errorf(consent.KindInvalidState, "metadata is not JSON-serializable: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// normalizeScope renders the scope as sorted, never-nil slices so an entry
// hashes the same regardless of element order and regardless of whether a
// store round trip (or a defensive copy) turned an empty slice into nil.
// Canonical JSON encodes nil as null but an empty slice as [].
func normalizeScope(s consent.Scope) map[string]any {
	return map[string]any{
		"data_types": sortedStrings(s.DataTypes),
		"actions":    sortedStrings(s.Actions),
	}
}

func sortedStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func validAction(a consent.AuditAction) bool {
	switch a {
	case consent.ActionRequest, consent.ActionResponse, consent.ActionError,
		consent.ActionValidation, consent.ActionRevocation:
		return true
	}
	return false
}

func validStatus(s consent.AuditStatus) bool {
	switch s {
	case consent.AuditSent, consent.AuditReceived, consent.AuditDenied,
		consent.AuditError, consent.AuditExpired:
		return true
	}
	return false
}
