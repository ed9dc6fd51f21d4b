// Package store defines the durable persistence boundary of the consent core
// and provides three implementations: in-memory (tests, demos), SQLite
// (single instance), and PostgreSQL (multi instance, native row locks).
//
// The locking strategy is an explicit part of the interface, not an
// implementation accident: contract updates and audit appends take blocking
// per-key locks, PIN updates take a non-blocking try-lock and surface
// LOCK_CONTENTION. Mutating operations accept a closure that runs while the
// lock is held; the store persists the mutation only when the closure
// returns nil, and releases the lock on every exit path.
package store

import (
	"context"
	"time"

	"github.com/consentmesh/trustcore/pkg/consent"
)

// ContractReader reads contracts. During PIN validation it is bound to the
// same transaction as the locked PIN row.
type ContractReader interface {
	// GetContract returns the contract or a NOT_FOUND error.
	GetContract(ctx context.Context, id string) (*consent.Contract, error)
}

// ContractStore persists contracts.
type ContractStore interface {
	ContractReader

	// CreateContract persists a new contract row.
	CreateContract(ctx context.Context, c *consent.Contract) error

	// UpdateContract runs fn under the contract's exclusive blocking lock.
	// fn receives the current row and may mutate it; the mutation is
	// persisted atomically iff fn returns nil. Returns NOT_FOUND for unknown
	// ids.
	UpdateContract(ctx context.Context, id string, fn func(*consent.Contract) error) error

	// ListExpirable returns ids of PROPOSED or ACTIVE contracts whose expiry
	// has passed at the given instant.
	ListExpirable(ctx context.Context, now time.Time) ([]string, error)
}

// PinStore persists PINs.
type PinStore interface {
	// CreatePin persists a new PIN row.
	CreatePin(ctx context.Context, p *consent.Pin) error

	// GetPin returns the PIN or a NOT_FOUND error.
	GetPin(ctx context.Context, id string) (*consent.Pin, error)

	// UpdatePinNoWait locks the PIN row without waiting, failing fast with
	// LOCK_CONTENTION if another validation holds it. fn receives the locked
	// snapshot and a ContractReader that observes the same transaction;
	// mutations are persisted iff fn returns nil. Returns NOT_FOUND for
	// unknown ids.
	UpdatePinNoWait(ctx context.Context, id string, fn func(p *consent.Pin, contracts ContractReader) error) error
}

// AuditQuery filters audit entries. Zero values mean "no filter".
type AuditQuery struct {
	ContractID string
	AgentID    string
	Action     consent.AuditAction
	Status     consent.AuditStatus
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}

// AuditStore persists per-agent hash-chained audit entries.
type AuditStore interface {
	// AppendEntry serializes appends per agent: it takes the agent's
	// blocking append lock, reads the chain tip hash (GenesisHash for an
	// empty chain), calls build with it, and commits the returned entry
	// before releasing the lock. Appends for different agents proceed in
	// parallel.
	AppendEntry(ctx context.Context, agentID string, build func(prevHash string) (*consent.AuditEntry, error)) (*consent.AuditEntry, error)

	// QueryEntries returns a page of matching entries ordered newest-first,
	// plus the total match count.
	QueryEntries(ctx context.Context, q AuditQuery) ([]*consent.AuditEntry, int, error)

	// AgentEntries returns one agent's entries in ascending append order,
	// optionally bounded by [from, to] (zero time = unbounded).
	AgentEntries(ctx context.Context, agentID string, from, to time.Time) ([]*consent.AuditEntry, error)
}

// Store is the full persistence surface consumed by the core services.
type Store interface {
	ContractStore
	PinStore
	AuditStore

	Close() error
}

func notFound(entity, id string) error {
	return consent.Errorf(consent.KindNotFound, "%s %s not found", entity, id)
}
