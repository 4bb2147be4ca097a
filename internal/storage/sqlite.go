package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/xaenox/somm-bot/internal/models"
)

// SQLiteStorage keeps the snapshot in a local SQLite database.
type SQLiteStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewSQLiteStorage(dbPath string, logger *zap.Logger) (*SQLiteStorage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dbPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dbPath = filepath.Join(homeDir, ".sommbot", "chat_state.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE IF NOT EXISTS chat_state (
			state_key  TEXT PRIMARY KEY,
			state      BLOB NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &SQLiteStorage{db: db, logger: logger}, nil
}

func (s *SQLiteStorage) Save(ctx context.Context, snapshot *models.Snapshot) error {
	data, err := encodeSnapshot(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode chat state: %w", err)
	}

	query := `
		INSERT INTO chat_state (state_key, state, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (state_key) DO UPDATE
		SET state = excluded.state, updated_at = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, query, stateKey, data, time.Now()); err != nil {
		return fmt.Errorf("failed to save chat state: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) Load(ctx context.Context) (*models.Snapshot, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT state FROM chat_state WHERE state_key = ?`, stateKey).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load chat state: %w", err)
	}
	return decodeSnapshot(data, s.logger), nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
