package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consentmesh/trustcore/pkg/consent"
)

func newPgMock(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS contracts").
		WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := NewPostgresStore(db)
	require.NoError(t, err)
	return s, mock
}

var pinCols = []string{
	"id", "contract_id", "agent_id", "scope", "signature", "issued_at",
	"expires_at", "used_at", "single_use", "revoked", "revoked_at",
	"revocation_reason",
}

func pinRow(now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(pinCols).AddRow(
		"pin-1", "contract-1", "agent:scheduler",
		[]byte(`{"data_types":["appointment"],"actions":["read"]}`), "sig",
		now, now.Add(time.Minute), nil, true, false, nil, "",
	)
}

// Validation takes the PIN row with FOR UPDATE NOWAIT and persists the
// mutation in the same transaction.
func TestPostgresUpdatePinNoWait(t *testing.T) {
	s, mock := newPgMock(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM pins WHERE id = (.+) FOR UPDATE NOWAIT").
		WithArgs("pin-1").
		WillReturnRows(pinRow(now))
	mock.ExpectExec("UPDATE pins SET used_at").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.UpdatePinNoWait(ctx, "pin-1", func(p *consent.Pin, _ ContractReader) error {
		assert.Equal(t, []string{"appointment"}, p.Scope.DataTypes)
		assert.True(t, p.SingleUse)
		used := now
		p.UsedAt = &used
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// SQLSTATE 55P03 from a busy row surfaces as LOCK_CONTENTION.
func TestPostgresUpdatePinNoWait_Contention(t *testing.T) {
	s, mock := newPgMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE NOWAIT").
		WithArgs("pin-1").
		WillReturnError(&pq.Error{Code: "55P03", Message: "could not obtain lock on row"})
	mock.ExpectRollback()

	err := s.UpdatePinNoWait(context.Background(), "pin-1", func(*consent.Pin, ContractReader) error {
		t.Fatal("closure must not run without the lock")
		return nil
	})
	assert.True(t, consent.IsKind(err, consent.KindLockContention))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A failing closure rolls the transaction back without an UPDATE.
func TestPostgresUpdatePinNoWait_Rollback(t *testing.T) {
	s, mock := newPgMock(t)
	now := time.Now().UTC().Truncate(time.Microsecond)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE NOWAIT").
		WithArgs("pin-1").
		WillReturnRows(pinRow(now))
	mock.ExpectRollback()

	err := s.UpdatePinNoWait(context.Background(), "pin-1", func(*consent.Pin, ContractReader) error {
		return consent.Errorf(consent.KindAlreadyUsed, "pin pin-1 has already been used")
	})
	assert.True(t, consent.IsKind(err, consent.KindAlreadyUsed))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Contract updates lock the row with a blocking FOR UPDATE.
func TestPostgresUpdateContract(t *testing.T) {
	s, mock := newPgMock(t)
	now := time.Now().UTC().Truncate(time.Microsecond)

	cols := []string{
		"id", "party_a", "party_b", "data_types", "actions", "purpose",
		"retention_days", "geographic_scope", "party_a_signature",
		"party_b_signature", "status", "content_hash", "created_at",
		"updated_at", "signed_at", "expires_at", "revoked_at", "revoked_by",
		"revocation_reason",
	}
	rows := sqlmock.NewRows(cols).AddRow(
		"contract-1", "system:acme", "agent:scheduler",
		[]byte(`["appointment"]`), []byte(`["read"]`), "scheduling",
		30, []byte(`[]`), "", "", "PROPOSED", "cafebabe",
		now, now, nil, nil, nil, "", "",
	)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM contracts WHERE id = (.+) FOR UPDATE").
		WithArgs("contract-1").
		WillReturnRows(rows)
	mock.ExpectExec("UPDATE contracts SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.UpdateContract(context.Background(), "contract-1", func(c *consent.Contract) error {
		assert.Equal(t, consent.StatusProposed, c.Status)
		require.NotNil(t, c.RetentionDays)
		assert.Equal(t, 30, *c.RetentionDays)
		c.PartyASignature = "sig-a"
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateContract_NotFound(t *testing.T) {
	s, mock := newPgMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := s.UpdateContract(context.Background(), "missing", func(*consent.Contract) error { return nil })
	assert.True(t, consent.IsKind(err, consent.KindNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Appends take a per-agent advisory lock before reading the chain tip; an
// empty chain yields the genesis hash.
func TestPostgresAppendEntry(t *testing.T) {
	s, mock := newPgMock(t)
	now := time.Now().UTC().Truncate(time.Microsecond)

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").
		WithArgs("audit:agent:a").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT entry_hash FROM audit_log").
		WithArgs("agent:a").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO audit_log").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	entry, err := s.AppendEntry(context.Background(), "agent:a", func(prevHash string) (*consent.AuditEntry, error) {
		assert.Equal(t, consent.GenesisHash, prevHash)
		return &consent.AuditEntry{
			ID:        "entry-1",
			Timestamp: now,
			AgentID:   "agent:a",
			Action:    consent.ActionRequest,
			Status:    consent.AuditSent,
			PrevHash:  prevHash,
			EntryHash: "abc123",
		}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, consent.GenesisHash, entry.PrevHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendEntry_ChainTip(t *testing.T) {
	s, mock := newPgMock(t)
	now := time.Now().UTC().Truncate(time.Microsecond)

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").
		WithArgs("audit:agent:a").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT entry_hash FROM audit_log").
		WithArgs("agent:a").
		WillReturnRows(sqlmock.NewRows([]string{"entry_hash"}).AddRow("tip-hash"))
	mock.ExpectExec("INSERT INTO audit_log").
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	_, err := s.AppendEntry(context.Background(), "agent:a", func(prevHash string) (*consent.AuditEntry, error) {
		assert.Equal(t, "tip-hash", prevHash)
		return &consent.AuditEntry{
			ID: "entry-2", Timestamp: now, AgentID: "agent:a",
			Action: consent.ActionRequest, Status: consent.AuditSent,
			PrevHash: prevHash, EntryHash: "def456",
		}, nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
