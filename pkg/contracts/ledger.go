// Package contracts implements the contract ledger: proposal, bilateral
// signing, retrieval, revocation, and the expiry sweep. All state transitions
// run under the store's per-contract lock so concurrent signs by the two
// parties serialize and the PROPOSED -> ACTIVE transition happens exactly
// once.
package contracts

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/consentmesh/trustcore/pkg/consent"
	"github.com/consentmesh/trustcore/pkg/store"
	"github.com/consentmesh/trustcore/pkg/trust"
)

// Proposal carries the terms of a new contract.
type Proposal struct {
	Counterparty    string
	DataTypes       []string
	Actions         []string
	Purpose         string
	RetentionDays   *int
	GeographicScope []string
	ExpiresAt       *time.Time
}

// Ledger manages the contract lifecycle.
type Ledger struct {
	store  store.ContractStore
	logger *slog.Logger
	now    func() time.Time
}

// NewLedger creates a ledger on the given store.
func NewLedger(s store.ContractStore, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:  s,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// Create computes the content hash over the proposal's immutable terms and
// stores a new PROPOSED contract. No signature is required at proposal time.
func (l *Ledger) Create(ctx context.Context, proposer string, p Proposal) (*consent.Contract, error) {
	if proposer == "" || p.Counterparty == "" {
		return nil, consent.Errorf(consent.KindInvalidState, "both parties are required")
	}
	if proposer == p.Counterparty {
		return nil, consent.Errorf(consent.KindInvalidState, "parties must be distinct")
	}
	if p.Purpose == "" {
		return nil, consent.Errorf(consent.KindInvalidState, "purpose is required")
	}
	if p.RetentionDays != nil && *p.RetentionDays <= 0 {
		return nil, consent.Errorf(consent.KindInvalidState, "retention_days must be positive")
	}

	now := l.now()
	c := &consent.Contract{
		ID:              uuid.New().String(),
		PartyA:          proposer,
		PartyB:          p.Counterparty,
		DataTypes:       append([]string(nil), p.DataTypes...),
		Actions:         append([]string(nil), p.Actions...),
		Purpose:         p.Purpose,
		RetentionDays:   p.RetentionDays,
		GeographicScope: append([]string(nil), p.GeographicScope...),
		Status:          consent.StatusProposed,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       p.ExpiresAt,
	}

	hash, err := trust.ContentHash(c.Terms())
	if err != nil {
		return nil, err
	}
	c.ContentHash = hash

	if err := l.store.CreateContract(ctx, c); err != nil {
		return nil, err
	}

	l.logger.Info("contract proposed",
		"contract_id", c.ID, "party_a", c.PartyA, "party_b", c.PartyB)
	return c, nil
}

// Sign verifies and stores one party's signature over the contract's content
// hash. When the second valid signature lands, the contract transitions to
// ACTIVE exactly once; the check-then-set runs under the contract's lock so
// both parties may sign concurrently.
func (l *Ledger) Sign(ctx context.Context, contractID, signerID, signature, publicKeyPEM string) (*consent.Contract, error) {
	var signed *consent.Contract

	err := l.store.UpdateContract(ctx, contractID, func(c *consent.Contract) error {
		if c.Status != consent.StatusProposed {
			return consent.Errorf(consent.KindInvalidState,
				"contract %s is %s, not signable", contractID, c.Status)
		}
		if !c.IsParty(signerID) {
			return consent.Errorf(consent.KindForbidden,
				"agent %s is not a party to contract %s", signerID, contractID)
		}

		isPartyA := signerID == c.PartyA
		if (isPartyA && c.PartyASignature != "") || (!isPartyA && c.PartyBSignature != "") {
			return consent.Errorf(consent.KindConflict,
				"agent %s has already signed contract %s", signerID, contractID)
		}

		if !trust.VerifySignature(publicKeyPEM, signature, c.ContentHash) {
			return consent.Errorf(consent.KindInvalidSignature,
				"signature verification failed for contract %s", contractID)
		}

		if isPartyA {
			c.PartyASignature = signature
		} else {
			c.PartyBSignature = signature
		}

		now := l.now()
		c.UpdatedAt = now
		if c.PartyASignature != "" && c.PartyBSignature != "" {
			c.Status = consent.StatusActive
			c.SignedAt = &now
		}

		signed = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("contract signed",
		"contract_id", contractID, "signer", signerID, "status", signed.Status)
	return signed, nil
}

// Get returns the current contract state.
func (l *Ledger) Get(ctx context.Context, contractID string) (*consent.Contract, error) {
	return l.store.GetContract(ctx, contractID)
}

// Revoke transitions an ACTIVE contract to REVOKED. Revocation is
// unconditional and immediate; either party may revoke.
func (l *Ledger) Revoke(ctx context.Context, contractID, agentID, reason string) (*consent.Contract, error) {
	var revoked *consent.Contract

	err := l.store.UpdateContract(ctx, contractID, func(c *consent.Contract) error {
		if c.Status != consent.StatusActive {
			return consent.Errorf(consent.KindInvalidState,
				"contract %s is %s, only ACTIVE contracts can be revoked", contractID, c.Status)
		}
		if !c.IsParty(agentID) {
			return consent.Errorf(consent.KindForbidden,
				"agent %s is not a party to contract %s", agentID, contractID)
		}

		now := l.now()
		c.Status = consent.StatusRevoked
		c.UpdatedAt = now
		c.RevokedAt = &now
		c.RevokedBy = agentID
		c.RevocationReason = reason

		revoked = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("contract revoked",
		"contract_id", contractID, "revoked_by", agentID, "reason", reason)
	return revoked, nil
}

// ExpireDue transitions PROPOSED and ACTIVE contracts whose expiry has
// passed to EXPIRED. It is the entry point for the host's periodic expiry
// sweep and returns the ids it transitioned.
func (l *Ledger) ExpireDue(ctx context.Context) ([]string, error) {
	now := l.now()
	ids, err := l.store.ListExpirable(ctx, now)
	if err != nil {
		return nil, err
	}

	var expired []string
	for _, id := range ids {
		err := l.store.UpdateContract(ctx, id, func(c *consent.Contract) error {
			// Re-check under the lock: a concurrent revoke may have won.
			if !consent.ValidTransition(c.Status, consent.StatusExpired) || !c.ExpiredAt(now) {
				return consent.Errorf(consent.KindInvalidState, "contract %s no longer expirable", id)
			}
			c.Status = consent.StatusExpired
			c.UpdatedAt = now
			return nil
		})
		if err != nil {
			if consent.IsKind(err, consent.KindInvalidState) {
				continue
			}
			return expired, err
		}
		expired = append(expired, id)
		l.logger.Info("contract expired", "contract_id", id)
	}
	return expired, nil
}
