package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/consentmesh/trustcore/pkg/consent"
	"github.com/consentmesh/trustcore/pkg/locks"
)

// MemoryStore is the in-process Store used by tests and the demo CLI. It
// honors the same locking contract as the SQL-backed stores via a per-key
// mutex map.
type MemoryStore struct {
	locker *locks.KeyedMutex

	mu        sync.RWMutex
	contracts map[string]*consent.Contract
	pins      map[string]*consent.Pin
	chains    map[string][]*consent.AuditEntry // per agent, append order
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locker:    locks.NewKeyedMutex(),
		contracts: make(map[string]*consent.Contract),
		pins:      make(map[string]*consent.Pin),
		chains:    make(map[string][]*consent.AuditEntry),
	}
}

func (s *MemoryStore) Close() error { return nil }

// --- contracts ---

func (s *MemoryStore) CreateContract(_ context.Context, c *consent.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.contracts[c.ID]; exists {
		return consent.Errorf(consent.KindConflict, "contract %s already exists", c.ID)
	}
	s.contracts[c.ID] = c.Clone()
	return nil
}

func (s *MemoryStore) GetContract(_ context.Context, id string) (*consent.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contracts[id]
	if !ok {
		return nil, notFound("contract", id)
	}
	return c.Clone(), nil
}

func (s *MemoryStore) UpdateContract(ctx context.Context, id string, fn func(*consent.Contract) error) error {
	release, err := s.locker.Acquire(ctx, "contract:"+id)
	if err != nil {
		return err
	}
	defer release()

	current, err := s.GetContract(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(current); err != nil {
		return err
	}

	s.mu.Lock()
	s.contracts[id] = current.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListExpirable(_ context.Context, now time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, c := range s.contracts {
		if (c.Status == consent.StatusProposed || c.Status == consent.StatusActive) && c.ExpiredAt(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// --- pins ---

func (s *MemoryStore) CreatePin(_ context.Context, p *consent.Pin) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pins[p.ID]; exists {
		return consent.Errorf(consent.KindConflict, "pin %s already exists", p.ID)
	}
	s.pins[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) GetPin(_ context.Context, id string) (*consent.Pin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pins[id]
	if !ok {
		return nil, notFound("pin", id)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) UpdatePinNoWait(ctx context.Context, id string, fn func(*consent.Pin, ContractReader) error) error {
	release, err := s.locker.TryAcquire(ctx, "pin:"+id)
	if err != nil {
		return err
	}
	defer release()

	current, err := s.GetPin(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(current, s); err != nil {
		return err
	}

	s.mu.Lock()
	s.pins[id] = current.Clone()
	s.mu.Unlock()
	return nil
}

// --- audit ---

func (s *MemoryStore) AppendEntry(ctx context.Context, agentID string, build func(string) (*consent.AuditEntry, error)) (*consent.AuditEntry, error) {
	release, err := s.locker.Acquire(ctx, "audit:"+agentID)
	if err != nil {
		return nil, err
	}
	defer release()

	s.mu.RLock()
	chain := s.chains[agentID]
	prev := consent.GenesisHash
	if len(chain) > 0 {
		prev = chain[len(chain)-1].EntryHash
	}
	s.mu.RUnlock()

	entry, err := build(prev)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.chains[agentID] = append(s.chains[agentID], entry.Clone())
	s.mu.Unlock()
	return entry, nil
}

func (s *MemoryStore) QueryEntries(_ context.Context, q AuditQuery) ([]*consent.AuditEntry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []*consent.AuditEntry
	for agentID, chain := range s.chains {
		if q.AgentID != "" && q.AgentID != agentID {
			continue
		}
		for _, e := range chain {
			if matchesQuery(e, q) {
				matches = append(matches, e)
			}
		}
	}

	// Newest first; entry id breaks timestamp ties deterministically.
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].Timestamp.Equal(matches[j].Timestamp) {
			return matches[i].Timestamp.After(matches[j].Timestamp)
		}
		return matches[i].ID > matches[j].ID
	})

	total := len(matches)
	matches = page(matches, q.Limit, q.Offset)

	out := make([]*consent.AuditEntry, len(matches))
	for i, e := range matches {
		out[i] = e.Clone()
	}
	return out, total, nil
}

func (s *MemoryStore) AgentEntries(_ context.Context, agentID string, from, to time.Time) ([]*consent.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*consent.AuditEntry
	for _, e := range s.chains[agentID] {
		if !from.IsZero() && e.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && e.Timestamp.After(to) {
			continue
		}
		out = append(out, e.Clone())
	}
	return out, nil
}

func matchesQuery(e *consent.AuditEntry, q AuditQuery) bool {
	if q.ContractID != "" && e.ContractID != q.ContractID {
		return false
	}
	if q.Action != "" && e.Action != q.Action {
		return false
	}
	if q.Status != "" && e.Status != q.Status {
		return false
	}
	if !q.From.IsZero() && e.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && e.Timestamp.After(q.To) {
		return false
	}
	return true
}

func page(entries []*consent.AuditEntry, limit, offset int) []*consent.AuditEntry {
	if offset >= len(entries) {
		return nil
	}
	entries = entries[offset:]
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	return entries
}
