package storage

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/xaenox/somm-bot/internal/models"
)

// MemoryStorage keeps the serialized snapshot in process memory.
type MemoryStorage struct {
	mu     sync.RWMutex
	data   []byte
	saves  int
	logger *zap.Logger
}

func NewMemoryStorage(logger *zap.Logger) *MemoryStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStorage{logger: logger}
}

func (s *MemoryStorage) Save(ctx context.Context, snapshot *models.Snapshot) error {
	data, err := encodeSnapshot(snapshot)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = data
	s.saves++
	return nil
}

func (s *MemoryStorage) Load(ctx context.Context) (*models.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return decodeSnapshot(s.data, s.logger), nil
}

// SetRaw replaces the stored bytes, e.g. to seed state.
func (s *MemoryStorage) SetRaw(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = append([]byte(nil), data...)
}

// Saves returns how many snapshots have been written.
func (s *MemoryStorage) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.saves
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}
