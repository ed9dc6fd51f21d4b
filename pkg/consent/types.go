// Package consent defines the entities of the bilateral consent protocol:
// contracts, scoped PINs, and hash-chained audit entries, together with the
// typed error surface shared by all components.
package consent

import "time"

// ContractStatus is the lifecycle state of a contract.
type ContractStatus string

const (
	StatusProposed ContractStatus = "PROPOSED"
	StatusActive   ContractStatus = "ACTIVE"
	StatusRevoked  ContractStatus = "REVOKED"
	StatusExpired  ContractStatus = "EXPIRED"
)

// validTransitions encodes the contract state machine. REVOKED and EXPIRED
// are terminal.
var validTransitions = map[ContractStatus]map[ContractStatus]bool{
	StatusProposed: {StatusActive: true, StatusRevoked: true, StatusExpired: true},
	StatusActive:   {StatusRevoked: true, StatusExpired: true},
	StatusRevoked:  {},
	StatusExpired:  {},
}

// ValidTransition reports whether a contract may move from one status to
// another.
func ValidTransition(from, to ContractStatus) bool {
	return validTransitions[from][to]
}

// Terms is the immutable subset of a contract that is hashed at proposal
// time. The content hash never changes after creation.
type Terms struct {
	PartyA        string     `json:"party_a"`
	PartyB        string     `json:"party_b"`
	DataTypes     []string   `json:"data_types"`
	Actions       []string   `json:"actions"`
	Purpose       string     `json:"purpose"`
	RetentionDays *int       `json:"retention_days"`
	ExpiresAt     *time.Time `json:"expires_at"`
}

// Contract is a bilateral consent agreement between two parties. It becomes
// enforceable (ACTIVE) only once both parties hold a verified signature over
// the content hash.
type Contract struct {
	ID              string   `json:"id"`
	PartyA          string   `json:"party_a"`
	PartyB          string   `json:"party_b"`
	DataTypes       []string `json:"data_types"`
	Actions         []string `json:"allowed_actions"`
	Purpose         string   `json:"purpose"`
	RetentionDays   *int     `json:"retention_days,omitempty"`
	GeographicScope []string `json:"geographic_scope,omitempty"`

	// Base64 Ed25519 signatures over the content hash, one per party.
	PartyASignature string `json:"party_a_signature,omitempty"`
	PartyBSignature string `json:"party_b_signature,omitempty"`

	Status      ContractStatus `json:"status"`
	ContentHash string         `json:"content_hash"`

	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	SignedAt         *time.Time `json:"signed_at,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevokedBy        string     `json:"revoked_by,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
}

// IsParty reports whether agentID is one of the two contracting parties.
func (c *Contract) IsParty(agentID string) bool {
	return agentID == c.PartyA || agentID == c.PartyB
}

// Terms returns the immutable terms the content hash was computed over.
func (c *Contract) Terms() Terms {
	return Terms{
		PartyA:        c.PartyA,
		PartyB:        c.PartyB,
		DataTypes:     c.DataTypes,
		Actions:       c.Actions,
		Purpose:       c.Purpose,
		RetentionDays: c.RetentionDays,
		ExpiresAt:     c.ExpiresAt,
	}
}

// Scope returns the full permission scope granted by the contract.
func (c *Contract) Scope() Scope {
	return Scope{DataTypes: c.DataTypes, Actions: c.Actions}
}

// ExpiredAt reports whether the contract's expiry has passed at the given
// instant. Contracts without an expiry never expire.
func (c *Contract) ExpiredAt(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}

// Clone returns a deep copy. Stores hand out clones so callers can never
// mutate persisted state in place.
func (c *Contract) Clone() *Contract {
	cp := *c
	cp.DataTypes = cloneStrings(c.DataTypes)
	cp.Actions = cloneStrings(c.Actions)
	cp.GeographicScope = cloneStrings(c.GeographicScope)
	cp.RetentionDays = cloneIntPtr(c.RetentionDays)
	cp.SignedAt = cloneTimePtr(c.SignedAt)
	cp.ExpiresAt = cloneTimePtr(c.ExpiresAt)
	cp.RevokedAt = cloneTimePtr(c.RevokedAt)
	return &cp
}

// Scope is a (data types, actions) pair. Scopes are compared by set
// containment, never by order.
type Scope struct {
	DataTypes []string `json:"data_types"`
	Actions   []string `json:"actions"`
}

// SubsetOf reports whether every data type and action in s is present in
// other.
func (s Scope) SubsetOf(other Scope) bool {
	return subset(s.DataTypes, other.DataTypes) && subset(s.Actions, other.Actions)
}

func subset(inner, outer []string) bool {
	set := make(map[string]bool, len(outer))
	for _, v := range outer {
		set[v] = true
	}
	for _, v := range inner {
		if !set[v] {
			return false
		}
	}
	return true
}

// Pin is a short-lived scoped bearer credential issued under an ACTIVE
// contract. The raw token is never persisted; only the HMAC signature
// binding (pin id, token) under the server key is stored.
type Pin struct {
	ID         string    `json:"id"`
	ContractID string    `json:"contract_id"`
	AgentID    string    `json:"agent_id"`
	Scope      Scope     `json:"scope"`
	Signature  string    `json:"signature"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`

	UsedAt    *time.Time `json:"used_at,omitempty"`
	SingleUse bool       `json:"single_use"`

	Revoked          bool       `json:"revoked"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
}

// Clone returns a deep copy.
func (p *Pin) Clone() *Pin {
	cp := *p
	cp.Scope.DataTypes = cloneStrings(p.Scope.DataTypes)
	cp.Scope.Actions = cloneStrings(p.Scope.Actions)
	cp.UsedAt = cloneTimePtr(p.UsedAt)
	cp.RevokedAt = cloneTimePtr(p.RevokedAt)
	return &cp
}

// AuditAction categorizes what an audit entry records.
type AuditAction string

const (
	ActionRequest    AuditAction = "REQUEST"
	ActionResponse   AuditAction = "RESPONSE"
	ActionError      AuditAction = "ERROR"
	ActionValidation AuditAction = "VALIDATION"
	ActionRevocation AuditAction = "REVOCATION"
)

// AuditStatus is the outcome recorded by an audit entry.
type AuditStatus string

const (
	AuditSent     AuditStatus = "SENT"
	AuditReceived AuditStatus = "RECEIVED"
	AuditDenied   AuditStatus = "DENIED"
	AuditError    AuditStatus = "ERROR"
	AuditExpired  AuditStatus = "EXPIRED"
)

// GenesisHash is the fixed prev_hash of the first entry in every agent's
// chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// AuditEntry is one immutable record in a per-agent hash chain. Entry hashes
// cover every field except EntryHash itself, so any mutation after commit is
// detectable.
type AuditEntry struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	ContractID string         `json:"contract_id,omitempty"`
	PinID      string         `json:"pin_id,omitempty"`
	AgentID    string         `json:"agent_id"`
	Action     AuditAction    `json:"action"`
	Status     AuditStatus    `json:"status"`
	Target     string         `json:"target_system"`
	Scope      Scope          `json:"scope"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Source     string         `json:"source"`
	RequestID  string         `json:"request_id,omitempty"`
	PrevHash   string         `json:"prev_hash"`
	EntryHash  string         `json:"entry_hash"`
}

// Clone returns a deep copy (metadata is copied one level deep; values are
// treated as immutable).
func (e *AuditEntry) Clone() *AuditEntry {
	cp := *e
	cp.Scope.DataTypes = cloneStrings(e.Scope.DataTypes)
	cp.Scope.Actions = cloneStrings(e.Scope.Actions)
	if e.Metadata != nil {
		cp.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// cloneStrings copies a slice while preserving the nil-vs-empty distinction.
// Canonical hashing encodes nil as null and an empty slice as [], so a clone
// that collapsed empty to nil would hash differently from its original.
func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func cloneIntPtr(i *int) *int {
	if i == nil {
		return nil
	}
	cp := *i
	return &cp
}
