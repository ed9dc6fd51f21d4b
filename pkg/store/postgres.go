package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/consentmesh/trustcore/pkg/consent"
)

// PostgresStore is the durable Store for multi-instance deployments. Mutual
// exclusion uses the database's native primitives: SELECT ... FOR UPDATE for
// contract signing, FOR UPDATE NOWAIT for PIN validation (mapped to
// LOCK_CONTENTION), and a transaction-scoped advisory lock per agent for
// audit appends so the first entry of an empty chain is serialized too.
type PostgresStore struct {
	db *sql.DB
}

// lockNotAvailable is the SQLSTATE returned by FOR UPDATE NOWAIT on a busy
// row.
const lockNotAvailable = "55P03"

// OpenPostgres connects with lib/pq and migrates the schema.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	return NewPostgresStore(db)
}

// NewPostgresStore wraps an existing handle and migrates the schema.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS contracts (
		id TEXT PRIMARY KEY,
		party_a TEXT NOT NULL,
		party_b TEXT NOT NULL,
		data_types JSONB NOT NULL,
		actions JSONB NOT NULL,
		purpose TEXT NOT NULL,
		retention_days INTEGER,
		geographic_scope JSONB NOT NULL,
		party_a_signature TEXT NOT NULL DEFAULT '',
		party_b_signature TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		signed_at TIMESTAMPTZ,
		expires_at TIMESTAMPTZ,
		revoked_at TIMESTAMPTZ,
		revoked_by TEXT NOT NULL DEFAULT '',
		revocation_reason TEXT NOT NULL DEFAULT '',
		CONSTRAINT contracts_parties_distinct CHECK (party_a <> party_b),
		CONSTRAINT contracts_retention_positive CHECK (retention_days IS NULL OR retention_days > 0)
	);

	CREATE TABLE IF NOT EXISTS pins (
		id TEXT PRIMARY KEY,
		contract_id TEXT NOT NULL REFERENCES contracts(id),
		agent_id TEXT NOT NULL,
		scope JSONB NOT NULL,
		signature TEXT NOT NULL,
		issued_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		used_at TIMESTAMPTZ,
		single_use BOOLEAN NOT NULL DEFAULT FALSE,
		revoked BOOLEAN NOT NULL DEFAULT FALSE,
		revoked_at TIMESTAMPTZ,
		revocation_reason TEXT NOT NULL DEFAULT '',
		CONSTRAINT pins_expiry_after_issue CHECK (expires_at > issued_at),
		CONSTRAINT pins_usage_timing CHECK (used_at IS NULL OR used_at >= issued_at)
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		ts TIMESTAMPTZ NOT NULL,
		contract_id TEXT NOT NULL DEFAULT '',
		pin_id TEXT NOT NULL DEFAULT '',
		agent_id TEXT NOT NULL,
		action TEXT NOT NULL,
		status TEXT NOT NULL,
		target_system TEXT NOT NULL DEFAULT '',
		scope JSONB NOT NULL,
		metadata JSONB,
		source TEXT NOT NULL,
		request_id TEXT NOT NULL DEFAULT '',
		prev_hash TEXT NOT NULL,
		entry_hash TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_agent ON audit_log(agent_id, seq);
	CREATE INDEX IF NOT EXISTS idx_audit_contract ON audit_log(contract_id);
	`
	if _, err := s.db.ExecContext(context.Background(), schema); err != nil {
		return fmt.Errorf("store: migrate postgres: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

// --- contracts ---

func (s *PostgresStore) CreateContract(ctx context.Context, c *consent.Contract) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contracts (`+contractColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		c.ID, c.PartyA, c.PartyB,
		mustJSON(c.DataTypes), mustJSON(c.Actions), c.Purpose, nullInt(c.RetentionDays),
		mustJSON(c.GeographicScope), c.PartyASignature, c.PartyBSignature,
		string(c.Status), c.ContentHash,
		c.CreatedAt.UTC(), c.UpdatedAt.UTC(),
		pgNullTime(c.SignedAt), pgNullTime(c.ExpiresAt), pgNullTime(c.RevokedAt),
		c.RevokedBy, c.RevocationReason,
	)
	if err != nil {
		return fmt.Errorf("store: insert contract: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetContract(ctx context.Context, id string) (*consent.Contract, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = $1`, id)
	return scanPgContract(row, id)
}

func (s *PostgresStore) UpdateContract(ctx context.Context, id string, fn func(*consent.Contract) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = $1 FOR UPDATE`, id)
	c, err := scanPgContract(row, id)
	if err != nil {
		return err
	}
	if err := fn(c); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE contracts SET
			party_a_signature = $1, party_b_signature = $2, status = $3,
			updated_at = $4, signed_at = $5, expires_at = $6, revoked_at = $7,
			revoked_by = $8, revocation_reason = $9
		 WHERE id = $10`,
		c.PartyASignature, c.PartyBSignature, string(c.Status),
		c.UpdatedAt.UTC(), pgNullTime(c.SignedAt), pgNullTime(c.ExpiresAt),
		pgNullTime(c.RevokedAt), c.RevokedBy, c.RevocationReason, id,
	)
	if err != nil {
		return fmt.Errorf("store: update contract: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) ListExpirable(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM contracts
		 WHERE status IN ($1, $2) AND expires_at IS NOT NULL AND expires_at <= $3
		 ORDER BY id`,
		string(consent.StatusProposed), string(consent.StatusActive), now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("store: list expirable: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- pins ---

func (s *PostgresStore) CreatePin(ctx context.Context, p *consent.Pin) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pins (`+pinColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		p.ID, p.ContractID, p.AgentID, mustJSON(p.Scope), p.Signature,
		p.IssuedAt.UTC(), p.ExpiresAt.UTC(), pgNullTime(p.UsedAt),
		p.SingleUse, p.Revoked, pgNullTime(p.RevokedAt), p.RevocationReason,
	)
	if err != nil {
		return fmt.Errorf("store: insert pin: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPin(ctx context.Context, id string) (*consent.Pin, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pinColumns+` FROM pins WHERE id = $1`, id)
	return scanPgPin(row, id)
}

func (s *PostgresStore) UpdatePinNoWait(ctx context.Context, id string, fn func(*consent.Pin, ContractReader) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+pinColumns+` FROM pins WHERE id = $1 FOR UPDATE NOWAIT`, id)
	p, err := scanPgPin(row, id)
	if err != nil {
		if pqErr, ok := errAsPq(err); ok && pqErr.Code == lockNotAvailable {
			return consent.Errorf(consent.KindLockContention, "pin %s is locked by another validation", id)
		}
		return err
	}

	if err := fn(p, txContractReader{tx: tx}); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE pins SET used_at = $1, revoked = $2, revoked_at = $3, revocation_reason = $4 WHERE id = $5`,
		pgNullTime(p.UsedAt), p.Revoked, pgNullTime(p.RevokedAt), p.RevocationReason, id,
	)
	if err != nil {
		return fmt.Errorf("store: update pin: %w", err)
	}
	return tx.Commit()
}

// txContractReader reads contracts inside the PIN validation transaction so
// step 6 of validation observes the same snapshot as the locked row.
type txContractReader struct {
	tx *sql.Tx
}

func (r txContractReader) GetContract(ctx context.Context, id string) (*consent.Contract, error) {
	row := r.tx.QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = $1`, id)
	return scanPgContract(row, id)
}

// --- audit ---

func (s *PostgresStore) AppendEntry(ctx context.Context, agentID string, build func(string) (*consent.AuditEntry, error)) (*consent.AuditEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// The advisory lock serializes appenders for this agent even when the
	// chain is empty and there is no tip row to lock. It is released at
	// commit/rollback.
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "audit:"+agentID,
	); err != nil {
		return nil, fmt.Errorf("store: advisory lock: %w", err)
	}

	prev := consent.GenesisHash
	err = tx.QueryRowContext(ctx,
		`SELECT entry_hash FROM audit_log WHERE agent_id = $1 ORDER BY seq DESC LIMIT 1`,
		agentID,
	).Scan(&prev)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("store: read chain tip: %w", err)
	}

	entry, err := build(prev)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_log (`+auditColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		entry.ID, entry.Timestamp.UTC(), entry.ContractID, entry.PinID,
		entry.AgentID, string(entry.Action), string(entry.Status), entry.Target,
		mustJSON(entry.Scope), mustJSON(entry.Metadata), entry.Source,
		entry.RequestID, entry.PrevHash, entry.EntryHash,
	)
	if err != nil {
		return nil, fmt.Errorf("store: insert audit entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit audit entry: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) QueryEntries(ctx context.Context, q AuditQuery) ([]*consent.AuditEntry, int, error) {
	where, args := auditWhere(q, func(n int) string { return fmt.Sprintf("$%d", n) })

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count audit entries: %w", err)
	}

	query := `SELECT ` + auditColumns + ` FROM audit_log` + where + ` ORDER BY seq DESC`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	if q.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("store: query audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries, err := scanPgEntries(rows)
	return entries, total, err
}

func (s *PostgresStore) AgentEntries(ctx context.Context, agentID string, from, to time.Time) ([]*consent.AuditEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_log WHERE agent_id = $1`
	args := []any{agentID}
	if !from.IsZero() {
		args = append(args, from.UTC())
		query += fmt.Sprintf(` AND ts >= $%d`, len(args))
	}
	if !to.IsZero() {
		args = append(args, to.UTC())
		query += fmt.Sprintf(` AND ts <= $%d`, len(args))
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: agent entries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanPgEntries(rows)
}

// --- scanning ---

func scanPgContract(row rowScanner, id string) (*consent.Contract, error) {
	var c consent.Contract
	var dataTypes, actions, geo []byte
	var status string
	var retention sql.NullInt64
	var signedAt, expiresAt, revokedAt sql.NullTime

	err := row.Scan(
		&c.ID, &c.PartyA, &c.PartyB, &dataTypes, &actions, &c.Purpose, &retention,
		&geo, &c.PartyASignature, &c.PartyBSignature, &status, &c.ContentHash,
		&c.CreatedAt, &c.UpdatedAt, &signedAt, &expiresAt, &revokedAt,
		&c.RevokedBy, &c.RevocationReason,
	)
	if err == sql.ErrNoRows {
		return nil, notFound("contract", id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan contract: %w", err)
	}

	c.Status = consent.ContractStatus(status)
	if retention.Valid {
		v := int(retention.Int64)
		c.RetentionDays = &v
	}
	for _, col := range []struct {
		raw []byte
		dst any
	}{{dataTypes, &c.DataTypes}, {actions, &c.Actions}, {geo, &c.GeographicScope}} {
		if err := json.Unmarshal(col.raw, col.dst); err != nil {
			return nil, fmt.Errorf("store: decode json column: %w", err)
		}
	}
	c.SignedAt = fromNullTime(signedAt)
	c.ExpiresAt = fromNullTime(expiresAt)
	c.RevokedAt = fromNullTime(revokedAt)
	return &c, nil
}

func scanPgPin(row rowScanner, id string) (*consent.Pin, error) {
	var p consent.Pin
	var scope []byte
	var usedAt, revokedAt sql.NullTime

	err := row.Scan(
		&p.ID, &p.ContractID, &p.AgentID, &scope, &p.Signature,
		&p.IssuedAt, &p.ExpiresAt, &usedAt, &p.SingleUse, &p.Revoked,
		&revokedAt, &p.RevocationReason,
	)
	if err == sql.ErrNoRows {
		return nil, notFound("pin", id)
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(scope, &p.Scope); err != nil {
		return nil, fmt.Errorf("store: decode pin scope: %w", err)
	}
	p.UsedAt = fromNullTime(usedAt)
	p.RevokedAt = fromNullTime(revokedAt)
	return &p, nil
}

func scanPgEntries(rows *sql.Rows) ([]*consent.AuditEntry, error) {
	var out []*consent.AuditEntry
	for rows.Next() {
		var e consent.AuditEntry
		var scope, metadata []byte
		var action, status string
		err := rows.Scan(
			&e.ID, &e.Timestamp, &e.ContractID, &e.PinID, &e.AgentID, &action,
			&status, &e.Target, &scope, &metadata, &e.Source, &e.RequestID,
			&e.PrevHash, &e.EntryHash,
		)
		if err != nil {
			return nil, fmt.Errorf("store: scan audit entry: %w", err)
		}
		e.Action = consent.AuditAction(action)
		e.Status = consent.AuditStatus(status)
		e.Timestamp = e.Timestamp.UTC()
		if err := json.Unmarshal(scope, &e.Scope); err != nil {
			return nil, fmt.Errorf("store: decode entry scope: %w", err)
		}
		if len(metadata) > 0 && string(metadata) != "null" {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("store: decode entry metadata: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func fromNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	utc := t.Time.UTC()
	return &utc
}

func pgNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func errAsPq(err error) (*pq.Error, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr, true
	}
	return nil, false
}
