package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/xaenox/somm-bot/internal/models"
)

// FileStorage writes the snapshot as a JSON document on local disk.
type FileStorage struct {
	path   string
	logger *zap.Logger
}

func NewFileStorage(path string, logger *zap.Logger) (*FileStorage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, ".sommbot", "chat_state.json")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &FileStorage{path: path, logger: logger}, nil
}

// Save replaces the file atomically via a temporary file and rename.
func (s *FileStorage) Save(ctx context.Context, snapshot *models.Snapshot) error {
	data, err := encodeSnapshot(snapshot)
	if err != nil {
		return fmt.Errorf("error encoding chat state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".chat_state-*.json")
	if err != nil {
		return fmt.Errorf("error creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("error writing chat state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("error closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("error replacing chat state: %w", err)
	}
	return nil
}

func (s *FileStorage) Load(ctx context.Context) (*models.Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading chat state: %w", err)
	}
	return decodeSnapshot(data, s.logger), nil
}

func (s *FileStorage) Path() string { return s.path }

func (s *FileStorage) Close() error { return nil }
