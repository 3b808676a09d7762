package revlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresTableName       = "conversation_revisions"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresRevisionStore persists the revision log in a single Postgres
// table, guaranteeing the monotonic-revision invariant through single
// atomic statements rather than a client-side read-modify-write. Grounded
// on the teacher's PostgresStateBackend lazy-connect-and-migrate idiom.
type PostgresRevisionStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresRevisionStore(dsn string) (*PostgresRevisionStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresRevisionStore{dsn: dsn, openDB: sql.Open}, nil
}

func (s *PostgresRevisionStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		_, err = db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS `+postgresTableName+` (
				user_id TEXT NOT NULL,
				conversation_id TEXT NOT NULL,
				revision BIGINT NOT NULL,
				deleted BOOLEAN NOT NULL,
				blob JSONB,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (user_id, conversation_id)
			)`)
		if err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		_, err = db.ExecContext(ctx, `
			CREATE INDEX IF NOT EXISTS conversation_revisions_user_updated_idx
			ON `+postgresTableName+` (user_id, updated_at DESC)`)
		if err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresRevisionStore) List(ctx context.Context, userID string) ([]ConversationMeta, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, revision, deleted, updated_at
		FROM `+postgresTableName+`
		WHERE user_id = $1
		ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConversationMeta
	for rows.Next() {
		var m ConversationMeta
		if err := rows.Scan(&m.ConversationID, &m.Revision, &m.Deleted, &m.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresRevisionStore) Get(ctx context.Context, userID, conversationID string) (ConversationRecord, error) {
	if err := s.ensureReady(); err != nil {
		return ConversationRecord{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var rec ConversationRecord
	var blob sql.NullString
	rec.ConversationID = conversationID
	err := s.db.QueryRowContext(ctx, `
		SELECT revision, deleted, blob, updated_at
		FROM `+postgresTableName+`
		WHERE user_id = $1 AND conversation_id = $2`, userID, conversationID).
		Scan(&rec.Revision, &rec.Deleted, &blob, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ConversationRecord{}, ErrNotFound
	}
	if err != nil {
		return ConversationRecord{}, err
	}
	if !rec.Deleted && blob.Valid {
		rec.Blob = json.RawMessage(blob.String)
	}
	return rec, nil
}

func (s *PostgresRevisionStore) Upsert(ctx context.Context, userID, conversationID string, baseRevision *uint64, blob json.RawMessage) (uint64, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	if baseRevision == nil {
		var rev uint64
		err := s.db.QueryRowContext(ctx, `
			INSERT INTO `+postgresTableName+` (user_id, conversation_id, revision, deleted, blob, updated_at)
			VALUES ($1, $2, 1, false, $3, NOW())
			ON CONFLICT (user_id, conversation_id) DO NOTHING
			RETURNING revision`, userID, conversationID, string(blob)).Scan(&rev)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, s.currentAsConflict(ctx, userID, conversationID)
		}
		if err != nil {
			return 0, err
		}
		return rev, nil
	}

	var rev uint64
	err := s.db.QueryRowContext(ctx, `
		UPDATE `+postgresTableName+`
		SET revision = revision + 1, deleted = false, blob = $1, updated_at = NOW()
		WHERE user_id = $2 AND conversation_id = $3 AND revision = $4
		RETURNING revision`, string(blob), userID, conversationID, *baseRevision).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, s.currentAsConflictOrNotFound(ctx, userID, conversationID)
	}
	if err != nil {
		return 0, err
	}
	return rev, nil
}

func (s *PostgresRevisionStore) Tombstone(ctx context.Context, userID, conversationID string, baseRevision *uint64) (uint64, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	if baseRevision == nil {
		var rev uint64
		err := s.db.QueryRowContext(ctx, `
			INSERT INTO `+postgresTableName+` (user_id, conversation_id, revision, deleted, blob, updated_at)
			VALUES ($1, $2, 1, true, NULL, NOW())
			ON CONFLICT (user_id, conversation_id) DO NOTHING
			RETURNING revision`, userID, conversationID).Scan(&rev)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, s.currentAsConflict(ctx, userID, conversationID)
		}
		if err != nil {
			return 0, err
		}
		return rev, nil
	}

	var rev uint64
	err := s.db.QueryRowContext(ctx, `
		UPDATE `+postgresTableName+`
		SET revision = revision + 1, deleted = true, blob = NULL, updated_at = NOW()
		WHERE user_id = $1 AND conversation_id = $2 AND revision = $3
		RETURNING revision`, userID, conversationID, *baseRevision).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		// Same ambiguity noted in MemoryRevisionStore.Tombstone: we
		// preserve the source's 404-on-missing-row outcome.
		return 0, s.currentAsConflictOrNotFound(ctx, userID, conversationID)
	}
	if err != nil {
		return 0, err
	}
	return rev, nil
}

func (s *PostgresRevisionStore) currentAsConflict(ctx context.Context, userID, conversationID string) error {
	var rev uint64
	var deleted bool
	err := s.db.QueryRowContext(ctx, `
		SELECT revision, deleted FROM `+postgresTableName+`
		WHERE user_id = $1 AND conversation_id = $2`, userID, conversationID).Scan(&rev, &deleted)
	if err != nil {
		return err
	}
	return &ConflictError{CurrentRevision: rev, Deleted: deleted}
}

func (s *PostgresRevisionStore) currentAsConflictOrNotFound(ctx context.Context, userID, conversationID string) error {
	var rev uint64
	var deleted bool
	err := s.db.QueryRowContext(ctx, `
		SELECT revision, deleted FROM `+postgresTableName+`
		WHERE user_id = $1 AND conversation_id = $2`, userID, conversationID).Scan(&rev, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return &ConflictError{CurrentRevision: rev, Deleted: deleted}
}

func (s *PostgresRevisionStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
