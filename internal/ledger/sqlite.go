package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ppiankov/consentgate/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS consent_ledger (
	seq                      INTEGER PRIMARY KEY AUTOINCREMENT,
	id                       TEXT NOT NULL UNIQUE,
	entity_type              TEXT NOT NULL,
	entity_id                TEXT NOT NULL,
	consent_level            TEXT NOT NULL,
	permitted_uses           TEXT NOT NULL,
	cultural_authority       TEXT NOT NULL DEFAULT '',
	contributors             TEXT NOT NULL DEFAULT '[]',
	attribution_text         TEXT NOT NULL DEFAULT '',
	consent_given_by         TEXT NOT NULL,
	consent_given_at         INTEGER NOT NULL,
	consent_expires_at       INTEGER,
	consent_revoked          INTEGER NOT NULL DEFAULT 0,
	consent_revoked_at       INTEGER,
	consent_revoked_by       TEXT NOT NULL DEFAULT '',
	revocation_reason        TEXT NOT NULL DEFAULT '',
	revenue_share_enabled    INTEGER NOT NULL DEFAULT 0,
	revenue_share_percentage REAL,
	training_override        TEXT,
	notes                    TEXT NOT NULL DEFAULT '',
	created_at               INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_consent_ledger_entity ON consent_ledger (entity_type, entity_id, seq DESC);

CREATE TABLE IF NOT EXISTS usage_log (
	seq               INTEGER PRIMARY KEY AUTOINCREMENT,
	id                TEXT NOT NULL UNIQUE,
	entity_type       TEXT NOT NULL,
	entity_id         TEXT NOT NULL,
	action            TEXT NOT NULL,
	user_id           TEXT NOT NULL DEFAULT '',
	revenue_generated REAL,
	query_text        TEXT NOT NULL DEFAULT '',
	destination       TEXT NOT NULL DEFAULT '',
	created_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_log_entity ON usage_log (entity_type, entity_id, created_at DESC);
`

const ledgerColumns = `seq, id, entity_type, entity_id, consent_level, permitted_uses,
	cultural_authority, contributors, attribution_text, consent_given_by, consent_given_at,
	consent_expires_at, consent_revoked, consent_revoked_at, consent_revoked_by,
	revocation_reason, revenue_share_enabled, revenue_share_percentage, training_override,
	notes, created_at`

// SQLiteStore is a Store backed by a SQLite database file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string, now func() time.Time) (*SQLiteStore, error) {
	if now == nil {
		now = time.Now
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("ledger: create directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: apply schema: %w", err)
	}
	return &SQLiteStore{db: db, now: now}, nil
}

func (s *SQLiteStore) Current(ctx context.Context, ref model.EntityRef) (*model.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ledgerColumns+` FROM consent_ledger
		 WHERE entity_type = ? AND entity_id = ?
		 ORDER BY seq DESC LIMIT 1`,
		string(ref.Type), ref.ID)

	e, err := scanSQLiteEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read current entry: %w", err)
	}
	return e, nil
}

func (s *SQLiteStore) Create(ctx context.Context, in model.ConsentInput) (*model.Entry, error) {
	now := s.now().UTC()
	if err := Validate(in, now); err != nil {
		return nil, err
	}
	e := newEntry(in, now)

	uses, contributors, override, err := encodeEntryJSON(&e)
	if err != nil {
		return nil, err
	}
	rsEnabled, rsPct := revenueColumns(e.RevenueShare)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO consent_ledger (
			id, entity_type, entity_id, consent_level, permitted_uses, cultural_authority,
			contributors, attribution_text, consent_given_by, consent_given_at, consent_expires_at,
			revenue_share_enabled, revenue_share_percentage, training_override, notes, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Entity.Type), e.Entity.ID, string(e.Level), string(uses), e.CulturalAuthority,
		string(contributors), e.AttributionText, e.GivenBy, e.GivenAt.UnixNano(), nanosOrNil(e.ExpiresAt),
		rsEnabled, rsPct, jsonOrNil(override), e.Notes, e.CreatedAt.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: insert entry: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("ledger: read entry seq: %w", err)
	}
	e.Seq = seq
	return &e, nil
}

func (s *SQLiteStore) RevokeCurrent(ctx context.Context, ref model.EntityRef, rev model.Revocation) (*model.Entry, error) {
	if err := validateRevocation(rev); err != nil {
		return nil, err
	}
	cur, err := s.Current(ctx, ref)
	if err != nil {
		return nil, err
	}
	if cur.Revoked {
		return cur, nil
	}
	if rev.At.IsZero() {
		rev.At = s.now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE consent_ledger
		 SET consent_revoked = 1, consent_revoked_at = ?, consent_revoked_by = ?, revocation_reason = ?
		 WHERE seq = ? AND consent_revoked = 0
		   AND NOT EXISTS (
		     SELECT 1 FROM consent_ledger newer
		     WHERE newer.entity_type = ? AND newer.entity_id = ? AND newer.seq > ?
		   )`,
		rev.At.UnixNano(), rev.RevokedBy, rev.Reason,
		cur.Seq, string(ref.Type), ref.ID, cur.Seq,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: revoke entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("ledger: revoke entry: %w", err)
	}
	if n == 0 {
		return resolveLostRevoke(ctx, s, ref, cur.Seq)
	}

	at := rev.At
	cur.Revoked = true
	cur.RevokedAt = &at
	cur.RevokedBy = rev.RevokedBy
	cur.RevocationReason = rev.Reason
	return cur, nil
}

func (s *SQLiteStore) History(ctx context.Context, ref model.EntityRef) ([]model.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ledgerColumns+` FROM consent_ledger
		 WHERE entity_type = ? AND entity_id = ?
		 ORDER BY seq DESC`,
		string(ref.Type), ref.ID)
	if err != nil {
		return nil, fmt.Errorf("ledger: query history: %w", err)
	}
	defer rows.Close()

	var out []model.Entry
	for rows.Next() {
		e, err := scanSQLiteEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan history: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// AppendUsage stores a usage record. Duplicate IDs are ignored so that
// redelivered records are written once.
func (s *SQLiteStore) AppendUsage(ctx context.Context, e model.UsageEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_log (id, entity_type, entity_id, action, user_id, revenue_generated,
			query_text, destination, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		e.ID, string(e.Entity.Type), e.Entity.ID, string(e.Action), e.ActorID, floatOrNil(e.Revenue),
		e.QueryText, e.Destination, e.CreatedAt.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("ledger: insert usage: %w", err)
	}
	return nil
}

// ListUsage returns usage records matching the filter, newest first.
func (s *SQLiteStore) ListUsage(ctx context.Context, ref model.EntityRef, f model.UsageFilter) ([]model.UsageEntry, error) {
	var (
		where = []string{"entity_type = ?", "entity_id = ?"}
		args  = []any{string(ref.Type), ref.ID}
	)
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, string(f.Action))
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UTC().UnixNano())
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, f.Until.UTC().UnixNano())
	}
	query := `SELECT seq, id, entity_type, entity_id, action, user_id, revenue_generated,
			query_text, destination, created_at
		 FROM usage_log WHERE ` + strings.Join(where, " AND ") + `
		 ORDER BY created_at DESC, seq DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: query usage: %w", err)
	}
	defer rows.Close()

	var out []model.UsageEntry
	for rows.Next() {
		var (
			e        model.UsageEntry
			typ, act string
			revenue  sql.NullFloat64
			created  int64
		)
		if err := rows.Scan(&e.Seq, &e.ID, &typ, &e.Entity.ID, &act, &e.ActorID, &revenue,
			&e.QueryText, &e.Destination, &created); err != nil {
			return nil, fmt.Errorf("ledger: scan usage: %w", err)
		}
		e.Entity.Type = model.EntityType(typ)
		e.Action = model.PermittedUse(act)
		if revenue.Valid {
			v := revenue.Float64
			e.Revenue = &v
		}
		e.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteEntry(row rowScanner) (*model.Entry, error) {
	var (
		e                    model.Entry
		typ, level           string
		uses, contributors   string
		givenAt, createdAt   int64
		expiresAt, revokedAt sql.NullInt64
		revoked, rsEnabled   bool
		rsPct                sql.NullFloat64
		override             sql.NullString
	)
	err := row.Scan(&e.Seq, &e.ID, &typ, &e.Entity.ID, &level, &uses,
		&e.CulturalAuthority, &contributors, &e.AttributionText, &e.GivenBy, &givenAt,
		&expiresAt, &revoked, &revokedAt, &e.RevokedBy,
		&e.RevocationReason, &rsEnabled, &rsPct, &override,
		&e.Notes, &createdAt)
	if err != nil {
		return nil, err
	}

	e.Entity.Type = model.EntityType(typ)
	e.Level = model.ConsentLevel(level)
	e.Revoked = revoked
	e.GivenAt = time.Unix(0, givenAt).UTC()
	e.CreatedAt = time.Unix(0, createdAt).UTC()
	if expiresAt.Valid {
		t := time.Unix(0, expiresAt.Int64).UTC()
		e.ExpiresAt = &t
	}
	if revokedAt.Valid {
		t := time.Unix(0, revokedAt.Int64).UTC()
		e.RevokedAt = &t
	}
	if rsEnabled || rsPct.Valid {
		e.RevenueShare = &model.RevenueShare{Enabled: rsEnabled, Percentage: rsPct.Float64}
	}
	var ov []byte
	if override.Valid {
		ov = []byte(override.String)
	}
	if err := decodeEntryJSON(&e, []byte(uses), []byte(contributors), ov); err != nil {
		return nil, err
	}
	return &e, nil
}

// currentReader is the part of a Store needed to resolve a lost revoke race.
type currentReader interface {
	Current(ctx context.Context, ref model.EntityRef) (*model.Entry, error)
}

// resolveLostRevoke explains why a conditional revoke matched no row: either a
// concurrent revoke of the same entry won (idempotent success), or a newer
// entry now governs (ErrSuperseded).
func resolveLostRevoke(ctx context.Context, s currentReader, ref model.EntityRef, seq int64) (*model.Entry, error) {
	latest, err := s.Current(ctx, ref)
	if err != nil {
		return nil, err
	}
	if latest.Seq == seq && latest.Revoked {
		return latest, nil
	}
	return nil, ErrSuperseded
}

func encodeEntryJSON(e *model.Entry) (uses, contributors, override []byte, err error) {
	if uses, err = json.Marshal(e.PermittedUses); err != nil {
		return nil, nil, nil, fmt.Errorf("ledger: encode permitted uses: %w", err)
	}
	if e.Contributors == nil {
		e.Contributors = []model.Contributor{}
	}
	if contributors, err = json.Marshal(e.Contributors); err != nil {
		return nil, nil, nil, fmt.Errorf("ledger: encode contributors: %w", err)
	}
	if e.TrainingOverride != nil {
		if override, err = json.Marshal(e.TrainingOverride); err != nil {
			return nil, nil, nil, fmt.Errorf("ledger: encode training override: %w", err)
		}
	}
	return uses, contributors, override, nil
}

func decodeEntryJSON(e *model.Entry, uses, contributors, override []byte) error {
	if len(uses) > 0 {
		if err := json.Unmarshal(uses, &e.PermittedUses); err != nil {
			return fmt.Errorf("ledger: decode permitted uses: %w", err)
		}
	}
	if len(contributors) > 0 {
		if err := json.Unmarshal(contributors, &e.Contributors); err != nil {
			return fmt.Errorf("ledger: decode contributors: %w", err)
		}
	}
	if len(override) > 0 {
		var o model.TrainingOverride
		if err := json.Unmarshal(override, &o); err != nil {
			return fmt.Errorf("ledger: decode training override: %w", err)
		}
		e.TrainingOverride = &o
	}
	return nil
}

func revenueColumns(rs *model.RevenueShare) (bool, any) {
	if rs == nil {
		return false, nil
	}
	return rs.Enabled, rs.Percentage
}

func jsonOrNil(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func nanosOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixNano()
}

func floatOrNil(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
