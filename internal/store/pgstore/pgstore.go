// Package pgstore is the durable Store backend, built on pgx/v5 against a
// Postgres database with a write-ahead log. A single CTE-shaped statement
// decides and applies the version-then-timestamp staleness rule and
// reports which of the closed 4-variant outcomes fired, avoiding a
// separate read-back round trip.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/autosync/contactcache/internal/model"
	"github.com/autosync/contactcache/internal/store"
)

// Store is a pgx/v5-backed implementation of store.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open connects to Postgres, tunes the pool, and retries the initial
// connect with exponential backoff since a cold database (container
// still starting, DNS not yet resolvable) is a transient failure worth
// retrying rather than failing startup on.
func Open(ctx context.Context, url string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, &store.StoreError{Op: "Open", Err: err}
	}

	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	var pool *pgxpool.Pool
	connect := func() error {
		p, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(connect, policy); err != nil {
		return nil, &store.StoreError{Op: "Open", Err: err}
	}

	log.Info().
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Msg("contact cache postgres pool created")

	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

type tx struct {
	pgxTx pgx.Tx
	done  bool
}

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return &store.ProgrammingError{Op: "Commit", Err: store.ErrNoActiveTransaction}
	}
	t.done = true
	if err := t.pgxTx.Commit(ctx); err != nil {
		return &store.StoreError{Op: "Commit", Err: err}
	}
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.pgxTx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return &store.StoreError{Op: "Rollback", Err: err}
	}
	return nil
}

func (s *Store) BeginTransaction(ctx context.Context) (store.Tx, error) {
	pgxTx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, &store.StoreError{Op: "BeginTransaction", Err: err}
	}
	return &tx{pgxTx: pgxTx}, nil
}

func pgTx(op string, t store.Tx) (pgx.Tx, error) {
	mt, ok := t.(*tx)
	if !ok || mt == nil || mt.done {
		return nil, &store.ProgrammingError{Op: op, Err: store.ErrNoActiveTransaction}
	}
	return mt.pgxTx, nil
}

// UpsertContact performs the version-then-timestamp staleness-aware
// upsert in one statement, reporting which branch fired via the
// statement's final SELECT of the decision so the caller doesn't need a
// separate read-back round trip.
func (s *Store) UpsertContact(ctx context.Context, t store.Tx, sourceDevice string, c model.Contact, nowMs int64) (model.UpsertOutcome, error) {
	pt, err := pgTx("UpsertContact", t)
	if err != nil {
		return 0, err
	}

	phonesJSON, err := json.Marshal(c.Phones)
	if err != nil {
		return 0, &store.StoreError{Op: "UpsertContact", Err: err}
	}
	emailsJSON, err := json.Marshal(c.Emails)
	if err != nil {
		return 0, &store.StoreError{Op: "UpsertContact", Err: err}
	}

	var outcome string
	err = pt.QueryRow(ctx, `
WITH existing AS (
    SELECT * FROM contacts
    WHERE source_device = $1 AND external_contact_id = $2
    FOR UPDATE
),
decision AS (
    SELECT
        CASE
            WHEN NOT EXISTS (SELECT 1 FROM existing) THEN 'INSERT'
            WHEN $5 < existing.source_version
                 OR ($5 = existing.source_version AND $6 < existing.source_last_modified_ms)
                THEN 'STALE'
            WHEN NOT existing.deleted
                 AND existing.display_name = $3
                 AND existing.phones = $4::jsonb
                 AND existing.emails = $7::jsonb
                 AND existing.avatar_etag = $8
                 AND existing.source_version = $5
                 AND existing.source_last_modified_ms = $6
                THEN 'UNCHANGED'
            ELSE 'UPDATE'
        END AS action
    FROM (SELECT 1) AS one
    LEFT JOIN existing ON TRUE
),
upsert AS (
    INSERT INTO contacts (source_device, external_contact_id, display_name, phones, emails,
                           avatar_etag, source_version, source_last_modified_ms, local_updated_ms, deleted)
    SELECT $1, $2, $3, $4::jsonb, $7::jsonb, $8, $5, $6, $9, FALSE
    WHERE (SELECT action FROM decision) IN ('INSERT', 'UPDATE')
    ON CONFLICT (source_device, external_contact_id) DO UPDATE SET
        display_name = EXCLUDED.display_name,
        phones = EXCLUDED.phones,
        emails = EXCLUDED.emails,
        avatar_etag = EXCLUDED.avatar_etag,
        source_version = EXCLUDED.source_version,
        source_last_modified_ms = EXCLUDED.source_last_modified_ms,
        local_updated_ms = EXCLUDED.local_updated_ms,
        deleted = FALSE
)
SELECT action FROM decision
`, sourceDevice, c.ExternalContactID, c.DisplayName, string(phonesJSON),
		c.SourceVersion, c.SourceLastModifiedMs, string(emailsJSON), c.AvatarETag, nowMs,
	).Scan(&outcome)
	if err != nil {
		return 0, &store.StoreError{Op: "UpsertContact", Err: err}
	}

	switch outcome {
	case "INSERT":
		return model.Inserted, nil
	case "UPDATE":
		return model.Updated, nil
	case "UNCHANGED":
		return model.Unchanged, nil
	case "STALE":
		return model.StaleIgnored, nil
	default:
		return 0, &store.StoreError{Op: "UpsertContact", Err: errors.New("unrecognized upsert decision: " + outcome)}
	}
}

func (s *Store) MarkDeleted(ctx context.Context, t store.Tx, sourceDevice string, ids []string, nowMs int64) (int, error) {
	pt, err := pgTx("MarkDeleted", t)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	tag, err := pt.Exec(ctx, `
		UPDATE contacts
		SET deleted = TRUE, local_updated_ms = $3
		WHERE source_device = $1 AND external_contact_id = ANY($2) AND deleted = FALSE
	`, sourceDevice, ids, nowMs)
	if err != nil {
		return 0, &store.StoreError{Op: "MarkDeleted", Err: err}
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) MarkMissingDeleted(ctx context.Context, t store.Tx, sourceDevice string, liveIDs []string, nowMs int64) (int, error) {
	pt, err := pgTx("MarkMissingDeleted", t)
	if err != nil {
		return 0, err
	}

	tag, err := pt.Exec(ctx, `
		UPDATE contacts
		SET deleted = TRUE, local_updated_ms = $3
		WHERE source_device = $1 AND deleted = FALSE AND NOT (external_contact_id = ANY($2))
	`, sourceDevice, liveIDs, nowMs)
	if err != nil {
		return 0, &store.StoreError{Op: "MarkMissingDeleted", Err: err}
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) PurgeDeletedBefore(ctx context.Context, cutoffMs int64) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM contacts WHERE deleted = TRUE AND local_updated_ms < $1
	`, cutoffMs)
	if err != nil {
		return 0, &store.StoreError{Op: "PurgeDeletedBefore", Err: err}
	}
	return int(tag.RowsAffected()), nil
}

// escapeLikePattern escapes the characters ILIKE treats as wildcards so a
// literal namePrefix can't accidentally match via "%"/"_". Must stay in
// sync with the ESCAPE '\' clause on the ILIKE call site.
func escapeLikePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (s *Store) ListActiveContacts(ctx context.Context, sourceDevice string, namePrefix string, limit int) ([]model.Contact, error) {
	query := `
		SELECT external_contact_id, display_name, phones, emails, avatar_etag,
		       source_version, source_last_modified_ms, local_updated_ms
		FROM contacts
		WHERE source_device = $1 AND deleted = FALSE
	`
	args := []any{sourceDevice}
	if namePrefix != "" {
		query += ` AND display_name ILIKE $2 ESCAPE '\'`
		args = append(args, escapeLikePattern(namePrefix)+"%")
	}
	query += ` ORDER BY lower(display_name), external_contact_id`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, &store.StoreError{Op: "ListActiveContacts", Err: err}
	}
	defer rows.Close()

	out := make([]model.Contact, 0)
	for rows.Next() {
		var c model.Contact
		var phonesJSON, emailsJSON []byte
		if err := rows.Scan(&c.ExternalContactID, &c.DisplayName, &phonesJSON, &emailsJSON,
			&c.AvatarETag, &c.SourceVersion, &c.SourceLastModifiedMs, &c.LocalUpdatedMs); err != nil {
			return nil, &store.StoreError{Op: "ListActiveContacts", Err: err}
		}
		_ = json.Unmarshal(phonesJSON, &c.Phones)
		_ = json.Unmarshal(emailsJSON, &c.Emails)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, &store.StoreError{Op: "ListActiveContacts", Err: err}
	}
	return out, nil
}

func (s *Store) GetSyncState(ctx context.Context, sourceDevice string) (model.SyncState, bool, error) {
	var st model.SyncState
	err := s.pool.QueryRow(ctx, `
		SELECT last_full_sync_ms, last_delta_sync_ms, last_sync_token, last_source_sync_sequence, cache_schema_version
		FROM sync_state WHERE source_device = $1
	`, sourceDevice).Scan(&st.LastFullSyncMs, &st.LastDeltaSyncMs, &st.LastSyncToken, &st.LastSourceSyncSequence, &st.CacheSchemaVersion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.SyncState{}, false, nil
		}
		return model.SyncState{}, false, &store.StoreError{Op: "GetSyncState", Err: err}
	}
	return st, true, nil
}

func (s *Store) UpsertSyncState(ctx context.Context, t store.Tx, sourceDevice string, state model.SyncState) error {
	pt, err := pgTx("UpsertSyncState", t)
	if err != nil {
		return err
	}

	_, err = pt.Exec(ctx, `
		INSERT INTO sync_state (source_device, last_full_sync_ms, last_delta_sync_ms, last_sync_token,
		                         last_source_sync_sequence, cache_schema_version)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (source_device) DO UPDATE SET
			last_full_sync_ms = EXCLUDED.last_full_sync_ms,
			last_delta_sync_ms = EXCLUDED.last_delta_sync_ms,
			last_sync_token = EXCLUDED.last_sync_token,
			last_source_sync_sequence = EXCLUDED.last_source_sync_sequence,
			cache_schema_version = EXCLUDED.cache_schema_version
	`, sourceDevice, state.LastFullSyncMs, state.LastDeltaSyncMs, state.LastSyncToken,
		state.LastSourceSyncSequence, state.CacheSchemaVersion)
	if err != nil {
		return &store.StoreError{Op: "UpsertSyncState", Err: err}
	}
	return nil
}

func (s *Store) CountActiveContacts(ctx context.Context, sourceDevice string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM contacts WHERE source_device = $1 AND deleted = FALSE
	`, sourceDevice).Scan(&count)
	if err != nil {
		return 0, &store.StoreError{Op: "CountActiveContacts", Err: err}
	}
	return count, nil
}

func (s *Store) ListKnownSources(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT source_device FROM (
			SELECT DISTINCT source_device FROM contacts
			UNION
			SELECT DISTINCT source_device FROM sync_state
		) AS sources ORDER BY source_device
	`)
	if err != nil {
		return nil, &store.StoreError{Op: "ListKnownSources", Err: err}
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var source string
		if err := rows.Scan(&source); err != nil {
			return nil, &store.StoreError{Op: "ListKnownSources", Err: err}
		}
		out = append(out, source)
	}
	return out, rows.Err()
}
