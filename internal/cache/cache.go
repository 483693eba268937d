// Package cache keeps an in-memory copy of each thread's messages so thread
// switches can render without a network round trip. It is an accelerator
// only; the durable store stays the system of record.
package cache

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/RichardoC/Pad-i/internal/models"
)

// Fetcher loads a thread's messages from the durable store.
type Fetcher interface {
	FetchMessages(ctx context.Context, threadID string) ([]models.Message, error)
}

type entry struct {
	messages []models.Message
	ok       bool
	// gen moves on every Set and Clear so a fetch that started earlier can
	// tell its result is stale.
	gen uint64
}

type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	fetcher Fetcher
	group   singleflight.Group
	logger  *zap.Logger
}

func New(fetcher Fetcher, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		entries: make(map[string]*entry),
		fetcher: fetcher,
		logger:  logger,
	}
}

// Get returns a copy of the cached messages for threadID.
func (c *Cache) Get(threadID string) ([]models.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, found := c.entries[threadID]
	if !found || !e.ok {
		return nil, false
	}
	return models.CloneMessages(e.messages), true
}

// Set overwrites the entry for threadID.
func (c *Cache) Set(threadID string, messages []models.Message) {
	cp := models.CloneMessages(messages)
	if cp == nil {
		cp = []models.Message{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.slot(threadID)
	e.messages = cp
	e.ok = true
	e.gen++
}

func (c *Cache) Clear(threadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.slot(threadID)
	e.messages = nil
	e.ok = false
	e.gen++
}

// Prefetch populates the entry for threadID if it is absent. Failures are
// logged and dropped; there is no retry.
func (c *Cache) Prefetch(ctx context.Context, threadID string) {
	if _, ok := c.Get(threadID); ok {
		return
	}
	if _, err := c.fetch(ctx, threadID); err != nil {
		c.logger.Warn("prefetch messages failed",
			zap.String("threadID", threadID),
			zap.Error(err))
	}
}

// Resolve returns the cached messages for threadID, fetching and caching
// them on a miss. fromCache reports whether the network was skipped.
func (c *Cache) Resolve(ctx context.Context, threadID string) (msgs []models.Message, fromCache bool, err error) {
	if cached, ok := c.Get(threadID); ok {
		return cached, true, nil
	}
	msgs, err = c.fetch(ctx, threadID)
	return msgs, false, err
}

func (c *Cache) fetch(ctx context.Context, threadID string) ([]models.Message, error) {
	gen := c.generation(threadID)
	v, err, _ := c.group.Do(threadID, func() (interface{}, error) {
		return c.fetcher.FetchMessages(ctx, threadID)
	})
	if err != nil {
		return nil, err
	}
	msgs := v.([]models.Message)

	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.slot(threadID)
	if e.gen != gen {
		// A newer write landed while the fetch was in flight.
		c.logger.Debug("discarding stale fetch", zap.String("threadID", threadID))
		if e.ok {
			return models.CloneMessages(e.messages), nil
		}
		return models.CloneMessages(msgs), nil
	}
	e.messages = models.CloneMessages(msgs)
	if e.messages == nil {
		e.messages = []models.Message{}
	}
	e.ok = true
	e.gen++
	return models.CloneMessages(e.messages), nil
}

func (c *Cache) generation(threadID string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[threadID]; ok {
		return e.gen
	}
	return 0
}

// slot must be called with c.mu held for writing.
func (c *Cache) slot(threadID string) *entry {
	e, ok := c.entries[threadID]
	if !ok {
		e = &entry{}
		c.entries[threadID] = e
	}
	return e
}
