package resume

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ManuGH/xg2g-timeshift/internal/persistence/sqlite"
	"github.com/rs/zerolog"
)

const schemaVersion = 1

// SqliteStore implements Store using SQLite.
type SqliteStore struct {
	DB  *sql.DB
	ttl time.Duration
}

// NewSqliteStore opens (and migrates) the store at dbPath. An existing file is
// integrity-checked first; a corrupt file is quarantined and the store starts
// empty.
func NewSqliteStore(dbPath string, ttl time.Duration, logger zerolog.Logger) (*SqliteStore, error) {
	if _, err := os.Stat(dbPath); err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		verr := sqlite.VerifyIntegrity(ctx, dbPath, sqlite.QuickCheck)
		cancel()
		switch {
		case errors.Is(verr, sqlite.ErrCorrupt):
			moved, qerr := sqlite.Quarantine(dbPath, time.Now())
			if qerr != nil {
				return nil, fmt.Errorf("resume store: %w", qerr)
			}
			logger.Error().Err(verr).Str("moved_to", moved).Msg("resume store corrupt, starting empty")
		case verr != nil:
			return nil, fmt.Errorf("resume store: verify: %w", verr)
		}
	}

	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}
	s := &SqliteStore{DB: db, ttl: ttl}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("resume store: migration failed: %w", err)
	}
	return s, nil
}

func (s *SqliteStore) migrate() error {
	var current int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS resume_positions (
		client_id TEXT NOT NULL,
		stream TEXT NOT NULL,
		sequence_id INTEGER NOT NULL,
		segment_offset INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL,
		PRIMARY KEY (client_id, stream)
	);
	CREATE INDEX IF NOT EXISTS idx_resume_positions_updated ON resume_positions(updated_at_ms);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SqliteStore) Put(ctx context.Context, clientID, stream string, state *State) error {
	query := `
	INSERT INTO resume_positions (client_id, stream, sequence_id, segment_offset, updated_at_ms)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(client_id, stream) DO UPDATE SET
		sequence_id = excluded.sequence_id,
		segment_offset = excluded.segment_offset,
		updated_at_ms = excluded.updated_at_ms
	`
	_, err := s.DB.ExecContext(ctx, query, clientID, stream, state.SequenceID, state.SegmentOffset, state.UpdatedAt.UnixMilli())
	return err
}

func (s *SqliteStore) Get(ctx context.Context, clientID, stream string) (*State, error) {
	query := `SELECT sequence_id, segment_offset, updated_at_ms FROM resume_positions
	WHERE client_id = ? AND stream = ? AND updated_at_ms >= ?`
	cutoff := int64(0)
	if s.ttl > 0 {
		cutoff = time.Now().Add(-s.ttl).UnixMilli()
	}

	var st State
	var updated int64
	err := s.DB.QueryRowContext(ctx, query, clientID, stream, cutoff).Scan(&st.SequenceID, &st.SegmentOffset, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st.UpdatedAt = time.UnixMilli(updated)
	return &st, nil
}

func (s *SqliteStore) Delete(ctx context.Context, clientID, stream string) error {
	_, err := s.DB.ExecContext(ctx, "DELETE FROM resume_positions WHERE client_id = ? AND stream = ?", clientID, stream)
	return err
}

// Prune removes entries older than the TTL.
func (s *SqliteStore) Prune(ctx context.Context) (int64, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	res, err := s.DB.ExecContext(ctx, "DELETE FROM resume_positions WHERE updated_at_ms < ?", time.Now().Add(-s.ttl).UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SqliteStore) Close() error {
	return s.DB.Close()
}
