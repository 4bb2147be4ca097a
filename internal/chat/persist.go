package chat

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xaenox/somm-bot/internal/models"
	"github.com/xaenox/somm-bot/internal/storage"
)

const saveTimeout = 10 * time.Second

// persister writes snapshots in the background. Requests made while a write
// is running coalesce into one follow-up write of the latest state. Write
// failures are logged and never reach the caller.
type persister struct {
	store    storage.Storage
	snapshot func() *models.Snapshot
	logger   *zap.Logger

	pending   chan struct{}
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newPersister(store storage.Storage, snapshot func() *models.Snapshot, logger *zap.Logger) *persister {
	p := &persister{
		store:    store,
		snapshot: snapshot,
		logger:   logger,
		pending:  make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go p.run()
	return p
}

// request schedules a write without blocking.
func (p *persister) request() {
	select {
	case p.pending <- struct{}{}:
	default:
	}
}

func (p *persister) run() {
	defer close(p.done)
	for {
		select {
		case <-p.pending:
			p.write()
		case <-p.quit:
			select {
			case <-p.pending:
				p.write()
			default:
			}
			return
		}
	}
}

func (p *persister) write() {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	snap := p.snapshot()
	if err := p.store.Save(ctx, snap); err != nil {
		p.logger.Error("Failed to save chat state",
			zap.Error(err),
			zap.Int("conversations", len(snap.Conversations)))
	}
}

// close flushes any pending write and stops the worker.
func (p *persister) close() {
	p.closeOnce.Do(func() {
		close(p.quit)
	})
	<-p.done
}
