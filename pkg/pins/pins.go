// Package pins implements scoped, time-boxed PIN issuance and atomic
// validation against an ACTIVE contract.
//
// A PIN's bearer credential is "token.signature": a high-entropy random
// token (never persisted) and an HMAC-SHA256 signature binding the token to
// the PIN id under the server-held key. The credential is returned to the
// issuer exactly once; only the signature is stored.
package pins

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/consentmesh/trustcore/pkg/consent"
	"github.com/consentmesh/trustcore/pkg/store"
	"github.com/consentmesh/trustcore/pkg/trust"
)

// DefaultTTL applies when an issuance does not override the PIN lifetime.
const DefaultTTL = 60 * time.Second

// Issuance is the one-time result of creating a PIN. Credential cannot be
// retrieved again.
type Issuance struct {
	Pin        *consent.Pin
	Credential string
	TTL        time.Duration
}

// Validation is the successful outcome of validating a PIN.
type Validation struct {
	PinID      string
	ContractID string
	AgentID    string
	Scope      consent.Scope
}

// Store is the persistence surface the PIN service needs.
type Store interface {
	store.PinStore
	store.ContractReader
}

// Service issues, validates, and revokes PINs.
type Service struct {
	store      Store
	keyring    *trust.Keyring
	defaultTTL time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewService creates a PIN service. defaultTTL <= 0 selects DefaultTTL.
func NewService(s Store, keyring *trust.Keyring, defaultTTL time.Duration, logger *slog.Logger) *Service {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      s,
		keyring:    keyring,
		defaultTTL: defaultTTL,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// Create issues a PIN scoped to a subset of an ACTIVE contract's
// permissions. ttl <= 0 selects the service default. The scope subset check
// happens once, here; validation later compares against the stored PIN
// scope, never against the contract again.
func (s *Service) Create(ctx context.Context, agentID, contractID string, scope consent.Scope, singleUse bool, ttl time.Duration) (*Issuance, error) {
	contract, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		if consent.IsKind(err, consent.KindNotFound) {
			return nil, consent.Errorf(consent.KindInvalidState,
				"contract %s not found or not active", contractID)
		}
		return nil, err
	}

	now := s.now()
	if contract.Status != consent.StatusActive || contract.ExpiredAt(now) {
		return nil, consent.Errorf(consent.KindInvalidState,
			"contract %s not found or not active", contractID)
	}
	if !contract.IsParty(agentID) {
		return nil, consent.Errorf(consent.KindForbidden,
			"agent %s is not a party to contract %s", agentID, contractID)
	}
	if !scope.SubsetOf(contract.Scope()) {
		return nil, consent.Errorf(consent.KindScopeExceeded,
			"requested scope exceeds contract %s permissions", contractID)
	}

	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	pinID := uuid.New().String()
	token, err := trust.NewToken()
	if err != nil {
		return nil, err
	}
	signature := s.keyring.SignPin(pinID, token)

	pin := &consent.Pin{
		ID:         pinID,
		ContractID: contractID,
		AgentID:    agentID,
		Scope: consent.Scope{
			DataTypes: append([]string(nil), scope.DataTypes...),
			Actions:   append([]string(nil), scope.Actions...),
		},
		Signature: signature,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
		SingleUse: singleUse,
	}

	if err := s.store.CreatePin(ctx, pin); err != nil {
		return nil, err
	}

	s.logger.Info("pin issued",
		"pin_id", pinID, "contract_id", contractID, "agent_id", agentID,
		"single_use", singleUse, "ttl", ttl)

	return &Issuance{
		Pin:        pin,
		Credential: token + "." + signature,
		TTL:        ttl,
	}, nil
}

// Validate checks a presented credential against the stored PIN as a single
// atomic unit per PIN. The row is taken with a non-blocking lock: a
// concurrent validation of the same PIN fails fast with LOCK_CONTENTION
// instead of queueing. For single-use PINs the consumption happens inside
// the same critical section, so at most one of two racing validations can
// succeed.
func (s *Service) Validate(ctx context.Context, pinID, credential string, requested consent.Scope) (*Validation, error) {
	var result *Validation

	err := s.store.UpdatePinNoWait(ctx, pinID, func(pin *consent.Pin, contracts store.ContractReader) error {
		if pin.Revoked {
			return consent.Errorf(consent.KindNotFound, "pin %s not found", pinID)
		}

		now := s.now()
		if now.After(pin.ExpiresAt) {
			return consent.Errorf(consent.KindExpired, "pin %s has expired", pinID)
		}
		if pin.UsedAt != nil {
			return consent.Errorf(consent.KindAlreadyUsed, "pin %s has already been used", pinID)
		}

		token, sig, ok := splitCredential(credential)
		if !ok || !s.keyring.VerifyPin(pinID, token, sig) {
			return consent.Errorf(consent.KindInvalidSignature,
				"pin %s signature verification failed", pinID)
		}

		if !requested.SubsetOf(pin.Scope) {
			return consent.Errorf(consent.KindScopeExceeded,
				"requested scope exceeds pin %s scope", pinID)
		}

		contract, err := contracts.GetContract(ctx, pin.ContractID)
		if err != nil {
			if consent.IsKind(err, consent.KindNotFound) {
				return consent.Errorf(consent.KindInvalidState,
					"parent contract of pin %s is not active", pinID)
			}
			return err
		}
		if contract.Status != consent.StatusActive || contract.ExpiredAt(now) {
			return consent.Errorf(consent.KindInvalidState,
				"parent contract of pin %s is not active", pinID)
		}

		if pin.SingleUse {
			pin.UsedAt = &now
		}

		result = &Validation{
			PinID:      pin.ID,
			ContractID: pin.ContractID,
			AgentID:    pin.AgentID,
			Scope:      pin.Scope,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("pin validated", "pin_id", pinID, "contract_id", result.ContractID)
	return result, nil
}

// Revoke marks a PIN revoked. Only the PIN holder or a party to the parent
// contract may revoke, and a consumed PIN can no longer be revoked.
// Revocation takes the same non-blocking lock as validation, so it cannot
// race a validation in flight.
func (s *Service) Revoke(ctx context.Context, pinID, agentID, reason string) error {
	err := s.store.UpdatePinNoWait(ctx, pinID, func(pin *consent.Pin, contracts store.ContractReader) error {
		if pin.Revoked {
			return consent.Errorf(consent.KindInvalidState, "pin %s is already revoked", pinID)
		}
		if pin.UsedAt != nil {
			return consent.Errorf(consent.KindInvalidState, "pin %s has already been used", pinID)
		}

		if agentID != pin.AgentID {
			contract, err := contracts.GetContract(ctx, pin.ContractID)
			if err != nil {
				return err
			}
			if !contract.IsParty(agentID) {
				return consent.Errorf(consent.KindForbidden,
					"agent %s may not revoke pin %s", agentID, pinID)
			}
		}

		now := s.now()
		pin.Revoked = true
		pin.RevokedAt = &now
		pin.RevocationReason = reason
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("pin revoked", "pin_id", pinID, "revoked_by", agentID, "reason", reason)
	return nil
}

// splitCredential separates "token.signature" at the last dot.
func splitCredential(credential string) (token, signature string, ok bool) {
	i := strings.LastIndex(credential, ".")
	if i <= 0 || i == len(credential)-1 {
		return "", "", false
	}
	return credential[:i], credential[i+1:], true
}
