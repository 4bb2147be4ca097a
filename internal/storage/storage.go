package storage

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/xaenox/somm-bot/internal/models"
)

// Storage persists the conversation collection as a single snapshot.
//
// Load returns (nil, nil) when no prior state exists or the stored state
// cannot be decoded. An error is only returned when the backend itself
// fails.
type Storage interface {
	Save(ctx context.Context, snapshot *models.Snapshot) error
	Load(ctx context.Context) (*models.Snapshot, error)
	Close() error
}

// stateKey names the snapshot row in the SQL backends.
const stateKey = "chatState"

func encodeSnapshot(snapshot *models.Snapshot) ([]byte, error) {
	return json.Marshal(snapshot)
}

func decodeSnapshot(data []byte, logger *zap.Logger) *models.Snapshot {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(data) == 0 {
		return nil
	}
	var snap models.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		logger.Warn("Discarding unreadable chat state", zap.Error(err), zap.Int("bytes", len(data)))
		return nil
	}
	return &snap
}
