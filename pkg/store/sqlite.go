package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/consentmesh/trustcore/pkg/consent"
	"github.com/consentmesh/trustcore/pkg/locks"
)

// SQLiteStore is the durable Store for single-instance deployments. SQLite
// has no row-level lock primitives usable from multiple connections, so the
// store pairs the database with a Locker: the in-process keyed mutex map for
// a single process, or a Redis locker when several processes share the file.
type SQLiteStore struct {
	db     *sql.DB
	locker locks.Locker
}

// OpenSQLite opens (or creates) the database at path and migrates the
// schema, locking with the in-process keyed mutex.
func OpenSQLite(path string) (*SQLiteStore, error) {
	return OpenSQLiteWithLocker(path, locks.NewKeyedMutex())
}

// OpenSQLiteWithLocker opens the database with an explicit lock backend.
func OpenSQLiteWithLocker(path string, locker locks.Locker) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return NewSQLiteStore(db, locker)
}

// NewSQLiteStore wraps an existing handle and migrates the schema.
func NewSQLiteStore(db *sql.DB, locker locks.Locker) (*SQLiteStore, error) {
	if locker == nil {
		locker = locks.NewKeyedMutex()
	}
	s := &SQLiteStore{db: db, locker: locker}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS contracts (
		id TEXT PRIMARY KEY,
		party_a TEXT NOT NULL,
		party_b TEXT NOT NULL,
		data_types TEXT NOT NULL,
		actions TEXT NOT NULL,
		purpose TEXT NOT NULL,
		retention_days INTEGER,
		geographic_scope TEXT NOT NULL,
		party_a_signature TEXT NOT NULL DEFAULT '',
		party_b_signature TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		signed_at TEXT,
		expires_at TEXT,
		revoked_at TEXT,
		revoked_by TEXT NOT NULL DEFAULT '',
		revocation_reason TEXT NOT NULL DEFAULT '',
		CHECK (party_a <> party_b),
		CHECK (retention_days IS NULL OR retention_days > 0)
	);

	CREATE TABLE IF NOT EXISTS pins (
		id TEXT PRIMARY KEY,
		contract_id TEXT NOT NULL REFERENCES contracts(id),
		agent_id TEXT NOT NULL,
		scope TEXT NOT NULL,
		signature TEXT NOT NULL,
		issued_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		used_at TEXT,
		single_use INTEGER NOT NULL DEFAULT 0,
		revoked INTEGER NOT NULL DEFAULT 0,
		revoked_at TEXT,
		revocation_reason TEXT NOT NULL DEFAULT '',
		CHECK (expires_at > issued_at),
		CHECK (used_at IS NULL OR used_at >= issued_at)
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		ts TEXT NOT NULL,
		contract_id TEXT NOT NULL DEFAULT '',
		pin_id TEXT NOT NULL DEFAULT '',
		agent_id TEXT NOT NULL,
		action TEXT NOT NULL,
		status TEXT NOT NULL,
		target_system TEXT NOT NULL DEFAULT '',
		scope TEXT NOT NULL,
		metadata TEXT NOT NULL,
		source TEXT NOT NULL,
		request_id TEXT NOT NULL DEFAULT '',
		prev_hash TEXT NOT NULL,
		entry_hash TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_agent ON audit_log(agent_id, seq);
	CREATE INDEX IF NOT EXISTS idx_audit_contract ON audit_log(contract_id);
	`
	_, err := s.db.ExecContext(context.Background(), schema)
	if err != nil {
		return fmt.Errorf("store: migrate sqlite: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// DB exposes the underlying handle for maintenance tooling and tests.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// --- contracts ---

const contractColumns = `id, party_a, party_b, data_types, actions, purpose, retention_days,
	geographic_scope, party_a_signature, party_b_signature, status, content_hash,
	created_at, updated_at, signed_at, expires_at, revoked_at, revoked_by, revocation_reason`

func (s *SQLiteStore) CreateContract(ctx context.Context, c *consent.Contract) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contracts (`+contractColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.PartyA, c.PartyB,
		mustJSON(c.DataTypes), mustJSON(c.Actions), c.Purpose, nullInt(c.RetentionDays),
		mustJSON(c.GeographicScope), c.PartyASignature, c.PartyBSignature,
		string(c.Status), c.ContentHash,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
		nullTime(c.SignedAt), nullTime(c.ExpiresAt), nullTime(c.RevokedAt),
		c.RevokedBy, c.RevocationReason,
	)
	if err != nil {
		return fmt.Errorf("store: insert contract: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetContract(ctx context.Context, id string) (*consent.Contract, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = ?`, id)
	return scanContract(row, id)
}

func (s *SQLiteStore) UpdateContract(ctx context.Context, id string, fn func(*consent.Contract) error) error {
	release, err := s.locker.Acquire(ctx, "contract:"+id)
	if err != nil {
		return err
	}
	defer release()

	c, err := s.GetContract(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(c); err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE contracts SET
			party_a_signature = ?, party_b_signature = ?, status = ?,
			updated_at = ?, signed_at = ?, expires_at = ?, revoked_at = ?,
			revoked_by = ?, revocation_reason = ?
		 WHERE id = ?`,
		c.PartyASignature, c.PartyBSignature, string(c.Status),
		formatTime(c.UpdatedAt), nullTime(c.SignedAt), nullTime(c.ExpiresAt),
		nullTime(c.RevokedAt), c.RevokedBy, c.RevocationReason, id,
	)
	if err != nil {
		return fmt.Errorf("store: update contract: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListExpirable(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM contracts
		 WHERE status IN (?, ?) AND expires_at IS NOT NULL AND expires_at <= ?
		 ORDER BY id`,
		string(consent.StatusProposed), string(consent.StatusActive), formatTime(now),
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

const pinColumns = `id, contract_id, agent_id, scope, signature, issued_at, expires_at,
	used_at, single_use, revoked, revoked_at, revocation_reason`

func (s *SQLiteStore) CreatePin(ctx context.Context, p *consent.Pin) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pins (`+pinColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ContractID, p.AgentID, mustJSON(p.Scope), p.Signature,
		formatTime(p.IssuedAt), formatTime(p.ExpiresAt), nullTime(p.UsedAt),
		boolToInt(p.SingleUse), boolToInt(p.Revoked), nullTime(p.RevokedAt),
		p.RevocationReason,
	)
	if err != nil {
		return fmt.Errorf("store: insert pin: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetPin(ctx context.Context, id string) (*consent.Pin, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pinColumns+` FROM pins WHERE id = ?`, id)
	return scanPin(row, id)
}

func (s *SQLiteStore) UpdatePinNoWait(ctx context.Context, id string, fn func(*consent.Pin, ContractReader) error) error {
	release, err := s.locker.TryAcquire(ctx, "pin:"+id)
	if err != nil {
		return err
	}
	defer release()

	p, err := s.GetPin(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(p, s); err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE pins SET used_at = ?, revoked = ?, revoked_at = ?, revocation_reason = ? WHERE id = ?`,
		nullTime(p.UsedAt), boolToInt(p.Revoked), nullTime(p.RevokedAt), p.RevocationReason, id,
	)
	if err != nil {
		return fmt.Errorf("store: update pin: %w", err)
	}
	return nil
}

// --- audit ---

const auditColumns = `id, ts, contract_id, pin_id, agent_id, action, status,
	target_system, scope, metadata, source, request_id, prev_hash, entry_hash`

func (s *SQLiteStore) AppendEntry(ctx context.Context, agentID string, build func(string) (*consent.AuditEntry, error)) (*consent.AuditEntry, error) {
	release, err := s.locker.Acquire(ctx, "audit:"+agentID)
	if err != nil {
		return nil, err
	}
	defer release()

	prev := consent.GenesisHash
	err = s.db.QueryRowContext(ctx,
		`SELECT entry_hash FROM audit_log WHERE agent_id = ? ORDER BY seq DESC LIMIT 1`,
		agentID,
	).Scan(&prev)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("store: read chain tip: %w", err)
	}

	entry, err := build(prev)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log (`+auditColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, formatTime(entry.Timestamp), entry.ContractID, entry.PinID,
		entry.AgentID, string(entry.Action), string(entry.Status), entry.Target,
		mustJSON(entry.Scope), mustJSON(entry.Metadata), entry.Source,
		entry.RequestID, entry.PrevHash, entry.EntryHash,
	)
	if err != nil {
		return nil, fmt.Errorf("store: insert audit entry: %w", err)
	}
	return entry, nil
}

func (s *SQLiteStore) QueryEntries(ctx context.Context, q AuditQuery) ([]*consent.AuditEntry, int, error) {
	where, args := auditWhere(q, func(int) string { return "?" })

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count audit entries: %w", err)
	}

	query := `SELECT ` + auditColumns + ` FROM audit_log` + where + ` ORDER BY seq DESC`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	if q.Offset > 0 {
		if q.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += fmt.Sprintf(" OFFSET %d", q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("store: query audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries, err := scanEntries(rows)
	return entries, total, err
}

func (s *SQLiteStore) AgentEntries(ctx context.Context, agentID string, from, to time.Time) ([]*consent.AuditEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_log WHERE agent_id = ?`
	args := []any{agentID}
	if !from.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, formatTime(from))
	}
	if !to.IsZero() {
		query += ` AND ts <= ?`
		args = append(args, formatTime(to))
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: agent entries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

// auditWhere builds the shared filter clause. placeholder renders the n-th
// positional parameter ("?" for sqlite, "$n" for postgres).
func auditWhere(q AuditQuery, placeholder func(n int) string) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, placeholder(len(args))))
	}

	if q.ContractID != "" {
		add("contract_id = %s", q.ContractID)
	}
	if q.AgentID != "" {
		add("agent_id = %s", q.AgentID)
	}
	if q.Action != "" {
		add("action = %s", string(q.Action))
	}
	if q.Status != "" {
		add("status = %s", string(q.Status))
	}
	if !q.From.IsZero() {
		add("ts >= %s", formatTime(q.From))
	}
	if !q.To.IsZero() {
		add("ts <= %s", formatTime(q.To))
	}

	if len(conds) == 0 {
		return "", nil
	}
	where := " WHERE " + conds[0]
	for _, c := range conds[1:] {
		where += " AND " + c
	}
	return where, args
}

// --- row scanning and encoding helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContract(row rowScanner, id string) (*consent.Contract, error) {
	var c consent.Contract
	var dataTypes, actions, geo string
	var status string
	var retention sql.NullInt64
	var createdAt, updatedAt string
	var signedAt, expiresAt, revokedAt sql.NullString

	err := row.Scan(
		&c.ID, &c.PartyA, &c.PartyB, &dataTypes, &actions, &c.Purpose, &retention,
		&geo, &c.PartyASignature, &c.PartyBSignature, &status, &c.ContentHash,
		&createdAt, &updatedAt, &signedAt, &expiresAt, &revokedAt,
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
		raw string
		dst any
	}{{dataTypes, &c.DataTypes}, {actions, &c.Actions}, {geo, &c.GeographicScope}} {
		if err := json.Unmarshal([]byte(col.raw), col.dst); err != nil {
			return nil, fmt.Errorf("store: decode json column: %w", err)
		}
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if c.SignedAt, err = parseNullTime(signedAt); err != nil {
		return nil, err
	}
	if c.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return nil, err
	}
	if c.RevokedAt, err = parseNullTime(revokedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanPin(row rowScanner, id string) (*consent.Pin, error) {
	var p consent.Pin
	var scope string
	var issuedAt, expiresAt string
	var usedAt, revokedAt sql.NullString
	var singleUse, revoked int

	err := row.Scan(
		&p.ID, &p.ContractID, &p.AgentID, &scope, &p.Signature,
		&issuedAt, &expiresAt, &usedAt, &singleUse, &revoked, &revokedAt,
		&p.RevocationReason,
	)
	if err == sql.ErrNoRows {
		return nil, notFound("pin", id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan pin: %w", err)
	}

	p.SingleUse = singleUse != 0
	p.Revoked = revoked != 0
	if err := json.Unmarshal([]byte(scope), &p.Scope); err != nil {
		return nil, fmt.Errorf("store: decode pin scope: %w", err)
	}
	if p.IssuedAt, err = parseTime(issuedAt); err != nil {
		return nil, err
	}
	if p.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	if p.UsedAt, err = parseNullTime(usedAt); err != nil {
		return nil, err
	}
	if p.RevokedAt, err = parseNullTime(revokedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanEntries(rows *sql.Rows) ([]*consent.AuditEntry, error) {
	var out []*consent.AuditEntry
	for rows.Next() {
		var e consent.AuditEntry
		var ts, scope, metadata, action, status string
		err := rows.Scan(
			&e.ID, &ts, &e.ContractID, &e.PinID, &e.AgentID, &action, &status,
			&e.Target, &scope, &metadata, &e.Source, &e.RequestID,
			&e.PrevHash, &e.EntryHash,
		)
		if err != nil {
			return nil, fmt.Errorf("store: scan audit entry: %w", err)
		}
		e.Action = consent.AuditAction(action)
		e.Status = consent.AuditStatus(status)
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(scope), &e.Scope); err != nil {
			return nil, fmt.Errorf("store: decode entry scope: %w", err)
		}
		if metadata != "" && metadata != "null" {
			if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
				return nil, fmt.Errorf("store: decode entry metadata: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

// formatTime renders timestamps in UTC with a fixed-width microsecond
// fraction, so lexicographic and chronological order agree for TEXT columns.
// RFC3339Nano would drop trailing zeros and break that property.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000Z07:00")
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
