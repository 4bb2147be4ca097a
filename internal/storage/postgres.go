package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/xaenox/somm-bot/internal/models"
)

//go:embed migrations.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DSN renders the lib/pq connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// PostgresStorage keeps the snapshot in a single JSONB row.
type PostgresStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresStorage(config DatabaseConfig, logger *zap.Logger) (*PostgresStorage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("postgres", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	storage := &PostgresStorage{db: db, logger: logger}

	if err := storage.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	return storage, nil
}

func (s *PostgresStorage) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}

	if _, err := s.db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}
	return nil
}

func (s *PostgresStorage) Save(ctx context.Context, snapshot *models.Snapshot) error {
	data, err := encodeSnapshot(snapshot)
	if err != nil {
		return fmt.Errorf("error encoding chat state: %w", err)
	}

	query := `
		INSERT INTO chat_state (state_key, state, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (state_key) DO UPDATE
		SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`

	if _, err := s.db.ExecContext(ctx, query, stateKey, string(data), time.Now()); err != nil {
		return fmt.Errorf("error saving chat state: %w", err)
	}
	return nil
}

func (s *PostgresStorage) Load(ctx context.Context) (*models.Snapshot, error) {
	query := `SELECT state FROM chat_state WHERE state_key = $1`

	var data []byte
	err := s.db.QueryRowContext(ctx, query, stateKey).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error loading chat state: %w", err)
	}
	return decodeSnapshot(data, s.logger), nil
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
