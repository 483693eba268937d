// Package registry holds the client-visible thread list. Every mutation is
// applied locally first, then sent to the durable store, and rolled back to
// the exact prior list if the store rejects it.
package registry

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/RichardoC/Pad-i/internal/models"
)

// Store is the durable side of the thread list.
type Store interface {
	CreateThread(ctx context.Context, id, model, ownerID string) (models.Thread, error)
	UpdateThreadTitle(ctx context.Context, id, title string) error
	UpdateThreadModel(ctx context.Context, id, model string) error
	DeleteThread(ctx context.Context, id string) error
	ListThreads(ctx context.Context, ownerID string) ([]models.Thread, error)
}

type Registry struct {
	mu      sync.Mutex
	threads []models.Thread
	store   Store
	ownerID string
	now     func() time.Time
	logger  *zap.Logger
}

func New(store Store, ownerID string, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:   store,
		ownerID: ownerID,
		now:     time.Now,
		logger:  logger,
	}
}

// Load replaces the local list with the store's list for the owner.
func (r *Registry) Load(ctx context.Context) error {
	threads, err := r.store.ListThreads(ctx, r.ownerID)
	if err != nil {
		return fmt.Errorf("failed to list threads: %w", err)
	}
	r.mu.Lock()
	r.threads = slices.Clone(threads)
	r.mu.Unlock()
	return nil
}

func (r *Registry) List() []models.Thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.threads)
}

func (r *Registry) Get(id string) (models.Thread, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.index(id); i >= 0 {
		return r.threads[i], true
	}
	return models.Thread{}, false
}

func (r *Registry) Create(ctx context.Context, id, model string) (models.Thread, error) {
	return r.StartCreate(id, model)(ctx)
}

// StartCreate inserts the thread at the head of the list immediately and
// returns the function that performs the remote creation. The thread keeps
// the caller-chosen id; on success the store's timestamps are adopted, on
// failure the previous list is restored.
func (r *Registry) StartCreate(id, model string) func(ctx context.Context) (models.Thread, error) {
	now := r.now()
	optimistic := models.Thread{
		ID:        id,
		Model:     model,
		OwnerID:   r.ownerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	previous := r.apply(func(threads []models.Thread) []models.Thread {
		return append([]models.Thread{optimistic}, threads...)
	})

	return func(ctx context.Context) (models.Thread, error) {
		created, err := r.store.CreateThread(ctx, id, model, r.ownerID)
		if err != nil {
			r.rollback("create", id, previous, err)
			return models.Thread{}, fmt.Errorf("failed to create thread: %w", err)
		}
		r.mu.Lock()
		if i := r.index(id); i >= 0 {
			threads := slices.Clone(r.threads)
			threads[i] = adopt(threads[i], created)
			r.threads = threads
		}
		r.mu.Unlock()
		return created, nil
	}
}

func (r *Registry) UpdateTitle(ctx context.Context, id, title string) error {
	now := r.now()
	previous := r.apply(func(threads []models.Thread) []models.Thread {
		return update(threads, id, func(t *models.Thread) {
			t.Title = models.StringPtr(title)
			t.UpdatedAt = now
		})
	})
	if err := r.store.UpdateThreadTitle(ctx, id, title); err != nil {
		r.rollback("update title", id, previous, err)
		return fmt.Errorf("failed to update thread title: %w", err)
	}
	return nil
}

func (r *Registry) UpdateModel(ctx context.Context, id, model string) error {
	now := r.now()
	previous := r.apply(func(threads []models.Thread) []models.Thread {
		return update(threads, id, func(t *models.Thread) {
			t.Model = model
			t.UpdatedAt = now
		})
	})
	if err := r.store.UpdateThreadModel(ctx, id, model); err != nil {
		r.rollback("update model", id, previous, err)
		return fmt.Errorf("failed to update thread model: %w", err)
	}
	return nil
}

func (r *Registry) Delete(ctx context.Context, id string) error {
	previous := r.apply(func(threads []models.Thread) []models.Thread {
		return slices.DeleteFunc(threads, func(t models.Thread) bool { return t.ID == id })
	})
	if err := r.store.DeleteThread(ctx, id); err != nil {
		r.rollback("delete", id, previous, err)
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	return nil
}

// apply runs fn on a copy of the current list, installs the result and
// returns the untouched prior list.
func (r *Registry) apply(fn func([]models.Thread) []models.Thread) []models.Thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous := r.threads
	r.threads = fn(slices.Clone(previous))
	return previous
}

func (r *Registry) rollback(op, id string, previous []models.Thread, cause error) {
	r.logger.Warn("thread mutation rejected, rolling back",
		zap.String("op", op),
		zap.String("threadID", id),
		zap.Error(cause))
	r.mu.Lock()
	r.threads = previous
	r.mu.Unlock()
}

// index must be called with r.mu held.
func (r *Registry) index(id string) int {
	return slices.IndexFunc(r.threads, func(t models.Thread) bool { return t.ID == id })
}

func update(threads []models.Thread, id string, fn func(*models.Thread)) []models.Thread {
	for i := range threads {
		if threads[i].ID == id {
			fn(&threads[i])
		}
	}
	return threads
}

// adopt takes the store's canonical fields for a created thread while keeping
// title and model changes applied locally since the optimistic insert.
func adopt(local, created models.Thread) models.Thread {
	created.Title = local.Title
	created.Model = local.Model
	if local.UpdatedAt.After(created.UpdatedAt) {
		created.UpdatedAt = local.UpdatedAt
	}
	return created
}
