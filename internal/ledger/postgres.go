package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ppiankov/consentgate/internal/model"
)

// PostgresSchema creates the ledger and usage tables. Applied by OpenPostgres.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS consent_ledger (
	seq                      BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	id                       TEXT NOT NULL UNIQUE,
	entity_type              TEXT NOT NULL,
	entity_id                TEXT NOT NULL,
	consent_level            TEXT NOT NULL,
	permitted_uses           TEXT[] NOT NULL,
	cultural_authority       TEXT NOT NULL DEFAULT '',
	contributors             JSONB NOT NULL DEFAULT '[]',
	attribution_text         TEXT NOT NULL DEFAULT '',
	consent_given_by         TEXT NOT NULL,
	consent_given_at         TIMESTAMPTZ NOT NULL,
	consent_expires_at       TIMESTAMPTZ,
	consent_revoked          BOOLEAN NOT NULL DEFAULT FALSE,
	consent_revoked_at       TIMESTAMPTZ,
	consent_revoked_by       TEXT NOT NULL DEFAULT '',
	revocation_reason        TEXT NOT NULL DEFAULT '',
	revenue_share_enabled    BOOLEAN NOT NULL DEFAULT FALSE,
	revenue_share_percentage DOUBLE PRECISION,
	training_override        JSONB,
	notes                    TEXT NOT NULL DEFAULT '',
	created_at               TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_consent_ledger_entity ON consent_ledger (entity_type, entity_id, seq DESC);

CREATE TABLE IF NOT EXISTS usage_log (
	seq               BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	id                TEXT NOT NULL UNIQUE,
	entity_type       TEXT NOT NULL,
	entity_id         TEXT NOT NULL,
	action            TEXT NOT NULL,
	user_id           TEXT NOT NULL DEFAULT '',
	revenue_generated DOUBLE PRECISION,
	query_text        TEXT NOT NULL DEFAULT '',
	destination       TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_log_entity ON usage_log (entity_type, entity_id, created_at DESC);
`

// PostgresStore is a Store backed by PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// OpenPostgres connects to dsn, tunes the pool, and applies the schema.
func OpenPostgres(ctx context.Context, dsn string, maxConns int32, now func() time.Time) (*PostgresStore, error) {
	if now == nil {
		now = time.Now
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("ledger: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger: ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, PostgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger: apply schema: %w", err)
	}
	return &PostgresStore{pool: pool, now: now}, nil
}

// NewPostgresStore wraps an existing pool. The schema must already exist.
func NewPostgresStore(pool *pgxpool.Pool, now func() time.Time) *PostgresStore {
	if now == nil {
		now = time.Now
	}
	return &PostgresStore{pool: pool, now: now}
}

func (s *PostgresStore) Current(ctx context.Context, ref model.EntityRef) (*model.Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+ledgerColumns+` FROM consent_ledger
		 WHERE entity_type = $1 AND entity_id = $2
		 ORDER BY seq DESC LIMIT 1`,
		string(ref.Type), ref.ID)

	e, err := scanPostgresEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read current entry: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) Create(ctx context.Context, in model.ConsentInput) (*model.Entry, error) {
	now := s.now().UTC()
	if err := Validate(in, now); err != nil {
		return nil, err
	}
	e := newEntry(in, now)

	_, contributors, override, err := encodeEntryJSON(&e)
	if err != nil {
		return nil, err
	}
	rsEnabled, rsPct := revenueColumns(e.RevenueShare)

	err = s.pool.QueryRow(ctx,
		`INSERT INTO consent_ledger (
			id, entity_type, entity_id, consent_level, permitted_uses, cultural_authority,
			contributors, attribution_text, consent_given_by, consent_given_at, consent_expires_at,
			revenue_share_enabled, revenue_share_percentage, training_override, notes, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING seq`,
		e.ID, string(e.Entity.Type), e.Entity.ID, string(e.Level), usesToStrings(e.PermittedUses), e.CulturalAuthority,
		string(contributors), e.AttributionText, e.GivenBy, e.GivenAt, e.ExpiresAt,
		rsEnabled, rsPct, jsonOrNil(override), e.Notes, e.CreatedAt,
	).Scan(&e.Seq)
	if err != nil {
		return nil, fmt.Errorf("ledger: insert entry: %w", err)
	}
	return &e, nil
}

func (s *PostgresStore) RevokeCurrent(ctx context.Context, ref model.EntityRef, rev model.Revocation) (*model.Entry, error) {
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

	tag, err := s.pool.Exec(ctx,
		`UPDATE consent_ledger
		 SET consent_revoked = TRUE, consent_revoked_at = $1, consent_revoked_by = $2, revocation_reason = $3
		 WHERE seq = $4 AND NOT consent_revoked
		   AND NOT EXISTS (
		     SELECT 1 FROM consent_ledger newer
		     WHERE newer.entity_type = $5 AND newer.entity_id = $6 AND newer.seq > $4
		   )`,
		rev.At, rev.RevokedBy, rev.Reason, cur.Seq, string(ref.Type), ref.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: revoke entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return resolveLostRevoke(ctx, s, ref, cur.Seq)
	}

	at := rev.At
	cur.Revoked = true
	cur.RevokedAt = &at
	cur.RevokedBy = rev.RevokedBy
	cur.RevocationReason = rev.Reason
	return cur, nil
}

func (s *PostgresStore) History(ctx context.Context, ref model.EntityRef) ([]model.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ledgerColumns+` FROM consent_ledger
		 WHERE entity_type = $1 AND entity_id = $2
		 ORDER BY seq DESC`,
		string(ref.Type), ref.ID)
	if err != nil {
		return nil, fmt.Errorf("ledger: query history: %w", err)
	}
	defer rows.Close()

	var out []model.Entry
	for rows.Next() {
		e, err := scanPostgresEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan history: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// AppendUsage stores a usage record. Duplicate IDs are ignored.
func (s *PostgresStore) AppendUsage(ctx context.Context, e model.UsageEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_log (id, entity_type, entity_id, action, user_id, revenue_generated,
			query_text, destination, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, string(e.Entity.Type), e.Entity.ID, string(e.Action), e.ActorID, e.Revenue,
		e.QueryText, e.Destination, e.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("ledger: insert usage: %w", err)
	}
	return nil
}

// ListUsage returns usage records matching the filter, newest first.
func (s *PostgresStore) ListUsage(ctx context.Context, ref model.EntityRef, f model.UsageFilter) ([]model.UsageEntry, error) {
	var (
		where = []string{"entity_type = $1", "entity_id = $2"}
		args  = []any{string(ref.Type), ref.ID}
	)
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Action != "" {
		where = append(where, "action = "+next(string(f.Action)))
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= "+next(f.Since.UTC()))
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at <= "+next(f.Until.UTC()))
	}
	query := `SELECT seq, id, entity_type, entity_id, action, user_id, revenue_generated,
			query_text, destination, created_at
		 FROM usage_log WHERE ` + strings.Join(where, " AND ") + `
		 ORDER BY created_at DESC, seq DESC`
	if f.Limit > 0 {
		query += " LIMIT " + next(f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: query usage: %w", err)
	}
	defer rows.Close()

	var out []model.UsageEntry
	for rows.Next() {
		var (
			e        model.UsageEntry
			typ, act string
		)
		if err := rows.Scan(&e.Seq, &e.ID, &typ, &e.Entity.ID, &act, &e.ActorID, &e.Revenue,
			&e.QueryText, &e.Destination, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan usage: %w", err)
		}
		e.Entity.Type = model.EntityType(typ)
		e.Action = model.PermittedUse(act)
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPostgresEntry(row pgx.Row) (*model.Entry, error) {
	var (
		e                    model.Entry
		typ, level           string
		uses                 []string
		contributors         []byte
		expiresAt, revokedAt *time.Time
		rsPct                *float64
		rsEnabled            bool
		override             []byte
	)
	err := row.Scan(&e.Seq, &e.ID, &typ, &e.Entity.ID, &level, &uses,
		&e.CulturalAuthority, &contributors, &e.AttributionText, &e.GivenBy, &e.GivenAt,
		&expiresAt, &e.Revoked, &revokedAt, &e.RevokedBy,
		&e.RevocationReason, &rsEnabled, &rsPct, &override,
		&e.Notes, &e.CreatedAt)
	if err != nil {
		return nil, err
	}

	e.Entity.Type = model.EntityType(typ)
	e.Level = model.ConsentLevel(level)
	e.GivenAt = e.GivenAt.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	e.PermittedUses = make([]model.PermittedUse, len(uses))
	for i, u := range uses {
		e.PermittedUses[i] = model.PermittedUse(u)
	}
	if expiresAt != nil {
		t := expiresAt.UTC()
		e.ExpiresAt = &t
	}
	if revokedAt != nil {
		t := revokedAt.UTC()
		e.RevokedAt = &t
	}
	if rsEnabled || rsPct != nil {
		rs := &model.RevenueShare{Enabled: rsEnabled}
		if rsPct != nil {
			rs.Percentage = *rsPct
		}
		e.RevenueShare = rs
	}
	if err := decodeEntryJSON(&e, nil, contributors, override); err != nil {
		return nil, err
	}
	return &e, nil
}

func usesToStrings(uses []model.PermittedUse) []string {
	out := make([]string, len(uses))
	for i, u := range uses {
		out[i] = string(u)
	}
	return out
}
