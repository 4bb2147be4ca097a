package chat

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xaenox/somm-bot/internal/models"
	"github.com/xaenox/somm-bot/internal/storage"
)

// record owns one conversation. Its mutex is never held while acquiring the
// repository lock.
type record struct {
	mu         sync.Mutex
	conv       models.Conversation
	generation uint64
	deleted    bool
}

// Repository is the process-wide conversation collection. It loads once at
// construction and schedules a snapshot write after every mutation.
type Repository struct {
	mu      sync.RWMutex
	records map[string]*record
	order   []string
	active  string

	clock   func() time.Time
	persist *persister
	logger  *zap.Logger
}

func newRepository(ctx context.Context, store storage.Storage, clock func() time.Time, logger *zap.Logger) *Repository {
	r := &Repository{
		records: make(map[string]*record),
		clock:   clock,
		logger:  logger,
	}

	snap, err := store.Load(ctx)
	if err != nil {
		logger.Warn("Failed to load chat state, starting empty", zap.Error(err))
	}
	if snap != nil {
		r.restore(snap)
		logger.Info("Loaded chat state",
			zap.Int("conversations", len(r.order)),
			zap.String("active_conversation", r.active))
	}

	r.persist = newPersister(store, r.snapshot, logger)
	return r
}

func (r *Repository) restore(snap *models.Snapshot) {
	for _, c := range snap.Conversations {
		if c.ID == "" {
			continue
		}
		if _, dup := r.records[c.ID]; dup {
			continue
		}
		// In-flight calls do not survive a restart.
		if c.Status.Busy() {
			c.Status = models.StatusIdle
		}
		r.records[c.ID] = &record{conv: c}
		r.order = append(r.order, c.ID)
	}
	if _, ok := r.records[snap.ActiveConversation]; ok {
		r.active = snap.ActiveConversation
	}
}

func (r *Repository) snapshot() *models.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := &models.Snapshot{
		Conversations:      make([]models.Conversation, 0, len(r.order)),
		ActiveConversation: r.active,
		SavedAt:            r.clock(),
	}
	for _, id := range r.order {
		rec := r.records[id]
		rec.mu.Lock()
		snap.Conversations = append(snap.Conversations, rec.conv.Clone())
		rec.mu.Unlock()
	}
	return snap
}

func (r *Repository) save() {
	r.persist.request()
}

func (r *Repository) insert(conv models.Conversation) {
	r.mu.Lock()
	r.records[conv.ID] = &record{conv: conv}
	r.order = append(r.order, conv.ID)
	r.active = conv.ID
	r.mu.Unlock()

	r.save()
}

func (r *Repository) get(id string) (*record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	return rec, ok
}

// remove deletes a conversation and clears the active selection if it
// pointed at it. In-flight results for it are discarded.
func (r *Repository) remove(id string) bool {
	r.mu.Lock()
	rec, ok := r.records[id]
	if ok {
		delete(r.records, id)
		for i, oid := range r.order {
			if oid == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
		if r.active == id {
			r.active = ""
		}
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	rec.mu.Lock()
	rec.deleted = true
	rec.generation++
	rec.mu.Unlock()

	r.save()
	return true
}

func (r *Repository) list() []models.Conversation {
	return r.snapshot().Conversations
}

func (r *Repository) setActive(id string) bool {
	r.mu.Lock()
	_, ok := r.records[id]
	if ok {
		r.active = id
	}
	r.mu.Unlock()

	if ok {
		r.save()
	}
	return ok
}

func (r *Repository) activeID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.active
}

func (r *Repository) close() {
	r.persist.close()
}
