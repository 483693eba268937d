// Package session ties the thread registry, the message cache and the
// streaming transport together. It owns which thread is active, bootstraps
// the identity of new threads before their durable row exists and runs the
// persistence and title steps after every completed turn.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/RichardoC/Pad-i/internal/cache"
	"github.com/RichardoC/Pad-i/internal/models"
	"github.com/RichardoC/Pad-i/internal/registry"
	"github.com/RichardoC/Pad-i/internal/usage"
)

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrTurnInProgress = errors.New("a reply is still streaming for this thread")
	ErrThreadCreate   = errors.New("thread could not be created")

	errStreamTruncated = errors.New("stream ended without a done event")
)

const DefaultPrefetch = 8

type Transport interface {
	Send(ctx context.Context, conv models.Conversation) (<-chan models.StreamEvent, error)
}

type MessageStore interface {
	ReplaceMessages(ctx context.Context, threadID string, msgs []models.Message) error
}

type TitleGenerator interface {
	GenerateTitle(ctx context.Context, prompt string) (string, error)
}

type UsageGate interface {
	CanSend(ctx context.Context, identity string) (bool, error)
	Invalidate(identity string)
}

// LocalState remembers the last active thread across restarts.
type LocalState interface {
	ActiveThread() string
	SetActiveThread(id string) error
}

type State int

const (
	StateIdle State = iota
	StateBootstrapping
	StateActive
)

func (s State) String() string {
	switch s {
	case StateBootstrapping:
		return "bootstrapping"
	case StateActive:
		return "active"
	default:
		return "idle"
	}
}

type Status string

const (
	StatusReady     Status = "ready"
	StatusStreaming Status = "streaming"
	StatusError     Status = "error"
)

// Hooks are called from background goroutines. OnStreamEnd fires once the
// stream of a turn has closed, with the stream's error if it failed.
type Hooks struct {
	OnStreamEvent  func(threadID string, ev models.StreamEvent)
	OnStreamEnd    func(threadID string, err error)
	OnTurnComplete func(threadID string, msgs []models.Message)
	OnTitle        func(threadID, title string)
	OnError        func(threadID string, err error)
}

type Deps struct {
	Registry  *registry.Registry
	Cache     *cache.Cache
	Transport Transport
	Store     MessageStore
	Titles    TitleGenerator
	Gate      UsageGate
	Local     LocalState
}

type Options struct {
	Identity     string
	DefaultModel string
	Prefetch     int
	Hooks        Hooks
}

// View is a snapshot of what the caller should render.
type View struct {
	State    State
	ActiveID string
	Model    string
	Messages []models.Message
	Status   Status
	LoadErr  error
	Blocked  bool
}

type pendingSend struct {
	text     string
	model    string
	threadID string
}

type pendingTitle struct {
	prompt   string
	threadID string
}

// readiness resolves once the remote create call for a thread returns.
type readiness struct {
	done chan struct{}
	err  error
}

func (r *readiness) resolved() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// threadSync orders the background writes of one thread. Saves run one at
// a time and only the most recently issued one is written; a title write
// never lands after a user rename.
type threadSync struct {
	persist sync.Mutex
	seq     uint64
	title   sync.Mutex
	renamed bool
}

type turn struct {
	ctx      context.Context
	threadID string
	history  []models.Message
	live     []models.Message
}

type Orchestrator struct {
	mu       sync.Mutex
	activeID string
	model    string
	messages []models.Message
	status   Status
	loadErr  error
	blocked  bool

	pending      *pendingSend
	pendingTitle *pendingTitle
	ready        map[string]*readiness
	turns        map[string]*turn
	syncs        map[string]*threadSync

	deps     Deps
	identity string
	prefetch int
	hooks    Hooks
	tasks    sync.WaitGroup
	newID    func() string
	now      func() time.Time
	logger   *zap.Logger
}

func New(deps Deps, opts Options, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = DefaultPrefetch
	}
	return &Orchestrator{
		model:    opts.DefaultModel,
		status:   StatusReady,
		ready:    make(map[string]*readiness),
		turns:    make(map[string]*turn),
		syncs:    make(map[string]*threadSync),
		deps:     deps,
		identity: opts.Identity,
		prefetch: opts.Prefetch,
		hooks:    opts.Hooks,
		newID:    uuid.NewString,
		now:      time.Now,
		logger:   logger,
	}
}

// Start loads the thread list, warms the cache for the most recent threads
// and restores the thread that was active when the client last ran.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.deps.Registry.Load(ctx); err != nil {
		return err
	}

	threads := o.deps.Registry.List()
	for i := 0; i < len(threads) && i < o.prefetch; i++ {
		id := threads[i].ID
		o.detach(ctx, func(ctx context.Context) {
			o.deps.Cache.Prefetch(ctx, id)
		})
	}

	if o.deps.Local == nil {
		return nil
	}
	last := o.deps.Local.ActiveThread()
	if last == "" {
		return nil
	}
	if _, ok := o.deps.Registry.Get(last); !ok {
		o.logger.Info("Last active thread no longer exists", zap.String("threadID", last))
		o.saveActive("")
		return nil
	}
	if err := o.Select(ctx, last); err != nil {
		o.logger.Warn("Failed to restore last active thread",
			zap.String("threadID", last),
			zap.Error(err))
	}
	return nil
}

func (o *Orchestrator) View() View {
	o.mu.Lock()
	defer o.mu.Unlock()
	status := o.status
	if _, ok := o.turns[o.activeID]; ok && o.activeID != "" {
		status = StatusStreaming
	}
	return View{
		State:    o.stateLocked(),
		ActiveID: o.activeID,
		Model:    o.model,
		Messages: models.CloneMessages(o.messages),
		Status:   status,
		LoadErr:  o.loadErr,
		Blocked:  o.blocked,
	}
}

// Wait blocks until every stream and background task has finished.
func (o *Orchestrator) Wait() {
	o.tasks.Wait()
}

func (o *Orchestrator) stateLocked() State {
	if o.activeID == "" {
		return StateIdle
	}
	if r, ok := o.ready[o.activeID]; ok && !r.resolved() {
		return StateBootstrapping
	}
	return StateActive
}

// Submit sends text on the active thread, bootstrapping a new thread first
// when none is active.
func (o *Orchestrator) Submit(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	o.mu.Lock()
	activeID := o.activeID
	_, busy := o.turns[activeID]
	o.mu.Unlock()
	if activeID != "" && busy {
		return ErrTurnInProgress
	}

	if err := o.checkQuota(ctx); err != nil {
		return err
	}

	if activeID == "" {
		return o.bootstrap(ctx, text)
	}

	o.mu.Lock()
	model := o.model
	o.mu.Unlock()
	return o.send(ctx, activeID, text, model)
}

func (o *Orchestrator) checkQuota(ctx context.Context) error {
	allowed, err := o.deps.Gate.CanSend(ctx, o.identity)
	if err != nil {
		// The server enforces the quota as well.
		o.logger.Warn("Usage check failed, allowing send", zap.Error(err))
		allowed = true
	}
	o.mu.Lock()
	o.blocked = !allowed
	o.mu.Unlock()
	if !allowed {
		return usage.ErrQuotaExceeded
	}
	return nil
}

func (o *Orchestrator) bootstrap(ctx context.Context, text string) error {
	id := o.newID()
	ready := &readiness{done: make(chan struct{})}

	o.mu.Lock()
	model := o.model
	o.pending = &pendingSend{text: text, model: model, threadID: id}
	o.pendingTitle = &pendingTitle{prompt: text, threadID: id}
	o.ready[id] = ready
	o.mu.Unlock()

	create := o.deps.Registry.StartCreate(id, model)
	o.detach(ctx, func(ctx context.Context) {
		_, err := create(ctx)
		ready.err = err
		close(ready.done)
		if err != nil {
			o.logger.Warn("Failed to create thread",
				zap.String("threadID", id),
				zap.Error(err))
			o.report(id, fmt.Errorf("%w: %w", ErrThreadCreate, err))
		}
	})

	o.mu.Lock()
	o.activeID = id
	o.messages = nil
	o.loadErr = nil
	o.status = StatusReady
	o.mu.Unlock()
	o.saveActive(id)

	return o.identityChanged(ctx, id)
}

// identityChanged consumes the pending send queued for id, at most once.
func (o *Orchestrator) identityChanged(ctx context.Context, id string) error {
	o.mu.Lock()
	p := o.pending
	if p == nil || p.threadID != id {
		o.mu.Unlock()
		return nil
	}
	o.pending = nil
	o.mu.Unlock()

	return o.send(ctx, p.threadID, p.text, p.model)
}

func (o *Orchestrator) send(ctx context.Context, threadID, text, model string) error {
	o.mu.Lock()
	if _, busy := o.turns[threadID]; busy {
		o.mu.Unlock()
		return ErrTurnInProgress
	}
	var history []models.Message
	if threadID == o.activeID {
		history = models.CloneMessages(o.messages)
	} else if cached, ok := o.deps.Cache.Get(threadID); ok {
		history = cached
	}
	history = append(history, models.Message{
		ID:        o.newID(),
		ThreadID:  threadID,
		Role:      models.RoleUser,
		Parts:     []models.Part{{Type: models.PartText, Text: text}},
		CreatedAt: o.now(),
	})
	t := &turn{ctx: ctx, threadID: threadID, history: history, live: models.CloneMessages(history)}
	o.turns[threadID] = t
	if threadID == o.activeID {
		o.messages = models.CloneMessages(history)
		o.status = StatusStreaming
	}
	o.mu.Unlock()

	events, err := o.deps.Transport.Send(ctx, models.Conversation{
		ThreadID: threadID,
		Model:    model,
		Identity: o.identity,
		Messages: models.CloneMessages(history),
	})
	if err != nil {
		o.mu.Lock()
		delete(o.turns, threadID)
		if threadID == o.activeID {
			o.status = StatusError
		}
		if errors.Is(err, usage.ErrQuotaExceeded) {
			o.blocked = true
		}
		o.mu.Unlock()
		return fmt.Errorf("failed to send message: %w", err)
	}

	o.tasks.Add(1)
	go func() {
		defer o.tasks.Done()
		o.consume(t, events)
	}()
	return nil
}

func (o *Orchestrator) consume(t *turn, events <-chan models.StreamEvent) {
	reply := models.Message{
		ID:        o.newID(),
		ThreadID:  t.threadID,
		Role:      models.RoleAssistant,
		CreatedAt: o.now(),
	}

	var streamErr error
	done := false
	for ev := range events {
		switch ev.Type {
		case models.EventDone:
			done = true
		case models.EventError:
			streamErr = errors.New(ev.Error)
		default:
			reply.Apply(ev)
		}

		o.mu.Lock()
		t.live = append(models.CloneMessages(t.history), reply.Clone())
		if o.activeID == t.threadID {
			o.messages = models.CloneMessages(t.live)
		}
		o.mu.Unlock()

		if o.hooks.OnStreamEvent != nil {
			o.hooks.OnStreamEvent(t.threadID, ev)
		}
	}
	if streamErr == nil && !done {
		streamErr = errStreamTruncated
	}

	msgs := append(models.CloneMessages(t.history), reply)
	o.mu.Lock()
	delete(o.turns, t.threadID)
	if o.activeID == t.threadID {
		o.messages = models.CloneMessages(msgs)
		if streamErr != nil {
			o.status = StatusError
		} else {
			o.status = StatusReady
		}
	}
	o.mu.Unlock()

	if o.hooks.OnStreamEnd != nil {
		o.hooks.OnStreamEnd(t.threadID, streamErr)
	}
	if streamErr != nil {
		o.logger.Warn("Stream failed, skipping persistence",
			zap.String("threadID", t.threadID),
			zap.Error(streamErr))
		// The server may have counted the message already.
		o.deps.Gate.Invalidate(o.identity)
		o.report(t.threadID, streamErr)
		return
	}
	o.turnCompleted(t.ctx, t.threadID, msgs)
}

// turnCompleted runs once the stream for threadID has settled. Everything is
// keyed by threadID, never by whichever thread is active by the time a step
// runs.
func (o *Orchestrator) turnCompleted(ctx context.Context, threadID string, msgs []models.Message) {
	if len(msgs) == 0 {
		return
	}

	o.mu.Lock()
	title := o.pendingTitle
	if title != nil && title.threadID == threadID {
		o.pendingTitle = nil
	} else {
		title = nil
	}
	ready := o.ready[threadID]
	ts := o.syncLocked(threadID)
	ts.seq++
	seq := ts.seq
	o.mu.Unlock()

	if title != nil {
		o.detach(ctx, func(ctx context.Context) {
			o.generateTitle(ctx, *title, ready)
		})
	}

	o.detach(ctx, func(ctx context.Context) {
		defer o.deps.Gate.Invalidate(o.identity)

		if ready != nil {
			<-ready.done
		}
		if ready == nil || ready.err == nil {
			if _, ok := o.deps.Registry.Get(threadID); !ok {
				o.logger.Debug("Thread deleted before its turn settled", zap.String("threadID", threadID))
				return
			}
		}

		ts.persist.Lock()
		defer ts.persist.Unlock()
		o.mu.Lock()
		latest := ts.seq
		o.mu.Unlock()
		if seq != latest {
			o.logger.Debug("Skipping superseded save",
				zap.String("threadID", threadID),
				zap.Int("count", len(msgs)))
			return
		}

		o.deps.Cache.Set(threadID, msgs)
		if ready != nil && ready.err != nil {
			o.logger.Warn("Thread was never created, messages kept in cache only",
				zap.String("threadID", threadID))
			return
		}

		if err := o.deps.Store.ReplaceMessages(ctx, threadID, msgs); err != nil {
			o.logger.Warn("Failed to persist messages",
				zap.String("threadID", threadID),
				zap.Int("count", len(msgs)),
				zap.Error(err))
			o.report(threadID, fmt.Errorf("failed to persist messages: %w", err))
			return
		}
		if o.hooks.OnTurnComplete != nil {
			o.hooks.OnTurnComplete(threadID, models.CloneMessages(msgs))
		}
	})
}

// syncLocked must be called with o.mu held.
func (o *Orchestrator) syncLocked(threadID string) *threadSync {
	ts, ok := o.syncs[threadID]
	if !ok {
		ts = &threadSync{}
		o.syncs[threadID] = ts
	}
	return ts
}

func (o *Orchestrator) generateTitle(ctx context.Context, p pendingTitle, ready *readiness) {
	title, err := o.deps.Titles.GenerateTitle(ctx, p.prompt)
	if err != nil {
		o.logger.Warn("Failed to generate title",
			zap.String("threadID", p.threadID),
			zap.Error(err))
		return
	}
	if ready != nil {
		<-ready.done
		if ready.err != nil {
			return
		}
	}

	o.mu.Lock()
	ts := o.syncLocked(p.threadID)
	o.mu.Unlock()
	ts.title.Lock()
	defer ts.title.Unlock()
	if ts.renamed {
		o.logger.Debug("Dropping generated title, thread was renamed",
			zap.String("threadID", p.threadID))
		return
	}
	if err := o.deps.Registry.UpdateTitle(ctx, p.threadID, title); err != nil {
		o.logger.Warn("Failed to save generated title",
			zap.String("threadID", p.threadID),
			zap.Error(err))
		o.report(p.threadID, err)
		return
	}
	if o.hooks.OnTitle != nil {
		o.hooks.OnTitle(p.threadID, title)
	}
}

// Select makes id the active thread, restoring its model and its messages
// from the cache or, on a miss, from the durable store.
func (o *Orchestrator) Select(ctx context.Context, id string) error {
	th, known := o.deps.Registry.Get(id)

	o.mu.Lock()
	if id == o.activeID {
		o.mu.Unlock()
		return nil
	}
	o.activeID = id
	o.messages = nil
	o.loadErr = nil
	o.status = StatusReady
	if known {
		o.model = th.Model
	}
	t, streaming := o.turns[id]
	if streaming {
		o.messages = models.CloneMessages(t.live)
	}
	o.mu.Unlock()
	o.saveActive(id)

	if streaming {
		return o.identityChanged(ctx, id)
	}

	msgs, fromCache, err := o.deps.Cache.Resolve(ctx, id)

	o.mu.Lock()
	if o.activeID != id {
		// Switched again while fetching; the cache already holds the result.
		o.mu.Unlock()
		return nil
	}
	if err != nil {
		o.loadErr = err
		o.mu.Unlock()
		return fmt.Errorf("failed to load messages: %w", err)
	}
	if _, started := o.turns[id]; !started {
		o.messages = msgs
	}
	o.mu.Unlock()

	o.logger.Debug("Thread selected",
		zap.String("threadID", id),
		zap.Bool("fromCache", fromCache),
		zap.Int("count", len(msgs)))
	return o.identityChanged(ctx, id)
}

// NewChat returns to Idle; the next Submit bootstraps a fresh thread.
func (o *Orchestrator) NewChat() {
	o.mu.Lock()
	o.activeID = ""
	o.messages = nil
	o.loadErr = nil
	o.status = StatusReady
	o.mu.Unlock()
	o.saveActive("")
}

// SelectModel changes the model of the active thread, or only the default for
// the next bootstrap while no thread is established.
func (o *Orchestrator) SelectModel(ctx context.Context, model string) error {
	o.mu.Lock()
	previous := o.model
	o.model = model
	id := o.activeID
	state := o.stateLocked()
	o.mu.Unlock()

	if state != StateActive {
		return nil
	}
	if err := o.deps.Registry.UpdateModel(ctx, id, model); err != nil {
		o.mu.Lock()
		if o.activeID == id && o.model == model {
			o.model = previous
		}
		o.mu.Unlock()
		return err
	}
	return nil
}

func (o *Orchestrator) Rename(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrEmptyMessage
	}
	o.mu.Lock()
	if o.pendingTitle != nil && o.pendingTitle.threadID == id {
		o.pendingTitle = nil
	}
	ts := o.syncLocked(id)
	ready := o.ready[id]
	o.mu.Unlock()

	ts.title.Lock()
	defer ts.title.Unlock()
	ts.renamed = true
	if ready != nil {
		select {
		case <-ready.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return o.deps.Registry.UpdateTitle(ctx, id, title)
}

// Delete removes a thread. A thread still being created is deleted once its
// create call has returned; if that call failed there is nothing remote to
// remove.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	o.mu.Lock()
	ready := o.ready[id]
	o.mu.Unlock()

	created := true
	if ready != nil {
		select {
		case <-ready.done:
			created = ready.err == nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if created {
		if err := o.deps.Registry.Delete(ctx, id); err != nil {
			return err
		}
	}
	o.deps.Cache.Clear(id)

	o.mu.Lock()
	delete(o.ready, id)
	delete(o.syncs, id)
	if o.pendingTitle != nil && o.pendingTitle.threadID == id {
		o.pendingTitle = nil
	}
	wasActive := o.activeID == id
	if wasActive {
		o.activeID = ""
		o.messages = nil
		o.loadErr = nil
		o.status = StatusReady
	}
	o.mu.Unlock()

	if wasActive {
		o.saveActive("")
	}
	return nil
}

// detach runs fn in the background. It survives cancellation of ctx and its
// failures never reach the caller.
func (o *Orchestrator) detach(ctx context.Context, fn func(ctx context.Context)) {
	ctx = context.WithoutCancel(ctx)
	o.tasks.Add(1)
	go func() {
		defer o.tasks.Done()
		fn(ctx)
	}()
}

func (o *Orchestrator) saveActive(id string) {
	if o.deps.Local == nil {
		return
	}
	if err := o.deps.Local.SetActiveThread(id); err != nil {
		o.logger.Warn("Failed to save active thread", zap.String("threadID", id), zap.Error(err))
	}
}

func (o *Orchestrator) report(threadID string, err error) {
	if o.hooks.OnError != nil {
		o.hooks.OnError(threadID, err)
	}
}
