package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RichardoC/Pad-i/internal/cache"
	"github.com/RichardoC/Pad-i/internal/models"
	"github.com/RichardoC/Pad-i/internal/registry"
	"github.com/RichardoC/Pad-i/internal/usage"
)

var (
	errBackend  = errors.New("backend unavailable")
	errNotFound = errors.New("not found")
)

// fakeBackend plays the durable store for the registry, the cache and the
// orchestrator, recording every call in order.
type fakeBackend struct {
	mu         sync.Mutex
	calls      []string
	threads    []models.Thread
	messages   map[string][]models.Message
	replaced   map[string][]models.Message
	fetches    map[string]int
	created    map[string]bool
	createGate chan struct{}
	// replaceGate holds back the first save of a two-message list.
	replaceGate chan struct{}
	createErr  error
	modelErr   error
	fetchErr   error
}

func newBackend() *fakeBackend {
	return &fakeBackend{
		messages: make(map[string][]models.Message),
		replaced: make(map[string][]models.Message),
		fetches:  make(map[string]int),
		created:  make(map[string]bool),
	}
}

func (b *fakeBackend) log(call string) {
	b.mu.Lock()
	b.calls = append(b.calls, call)
	b.mu.Unlock()
}

func (b *fakeBackend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *fakeBackend) CreateThread(ctx context.Context, id, model, ownerID string) (models.Thread, error) {
	if b.createGate != nil {
		<-b.createGate
	}
	b.log("create:" + id)
	if b.createErr != nil {
		return models.Thread{}, b.createErr
	}
	b.mu.Lock()
	b.created[id] = true
	b.mu.Unlock()
	now := time.Now()
	return models.Thread{ID: id, Model: model, OwnerID: ownerID, CreatedAt: now, UpdatedAt: now}, nil
}

func (b *fakeBackend) UpdateThreadTitle(ctx context.Context, id, title string) error {
	b.log("title:" + id + ":" + title)
	return nil
}

func (b *fakeBackend) UpdateThreadModel(ctx context.Context, id, model string) error {
	b.log("model:" + id + ":" + model)
	return b.modelErr
}

func (b *fakeBackend) DeleteThread(ctx context.Context, id string) error {
	b.log("delete:" + id)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.created[id] {
		delete(b.created, id)
		return nil
	}
	for _, t := range b.threads {
		if t.ID == id {
			return nil
		}
	}
	return errNotFound
}

func (b *fakeBackend) ListThreads(ctx context.Context, ownerID string) ([]models.Thread, error) {
	b.log("list:" + ownerID)
	return b.threads, nil
}

func (b *fakeBackend) FetchMessages(ctx context.Context, threadID string) ([]models.Message, error) {
	b.log("fetch:" + threadID)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetches[threadID]++
	if b.fetchErr != nil {
		return nil, b.fetchErr
	}
	return models.CloneMessages(b.messages[threadID]), nil
}

func (b *fakeBackend) ReplaceMessages(ctx context.Context, threadID string, msgs []models.Message) error {
	b.log(fmt.Sprintf("replace:%s:%d", threadID, len(msgs)))
	b.mu.Lock()
	gate := b.replaceGate
	if len(msgs) == 2 {
		b.replaceGate = nil
	}
	b.mu.Unlock()
	if gate != nil && len(msgs) == 2 {
		<-gate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replaced[threadID] = models.CloneMessages(msgs)
	return nil
}

func (b *fakeBackend) Fetches(threadID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetches[threadID]
}

type fakeTransport struct {
	mu        sync.Mutex
	sent      []models.Conversation
	reply     string
	streamErr string
	hold      chan struct{}
}

func (f *fakeTransport) Send(ctx context.Context, conv models.Conversation) (<-chan models.StreamEvent, error) {
	f.mu.Lock()
	f.sent = append(f.sent, conv)
	hold := f.hold
	f.mu.Unlock()

	events := make(chan models.StreamEvent, 4)
	go func() {
		defer close(events)
		if hold != nil {
			<-hold
		}
		if f.streamErr != "" {
			events <- models.StreamEvent{Type: models.EventError, Error: f.streamErr}
			return
		}
		events <- models.StreamEvent{Type: models.EventTextDelta, Delta: f.reply}
		events <- models.StreamEvent{Type: models.EventDone}
	}()
	return events, nil
}

func (f *fakeTransport) Sent() []models.Conversation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Conversation(nil), f.sent...)
}

type fakeTitles struct {
	mu      sync.Mutex
	prompts []string
	hold    chan struct{}
}

func (f *fakeTitles) GenerateTitle(ctx context.Context, prompt string) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	hold := f.hold
	f.mu.Unlock()
	if hold != nil {
		<-hold
	}
	return "Greeting", nil
}

func (f *fakeTitles) Prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

type fakeGate struct {
	mu            sync.Mutex
	denied        bool
	err           error
	invalidations int
}

func (g *fakeGate) CanSend(ctx context.Context, identity string) (bool, error) {
	if g.err != nil {
		return false, g.err
	}
	return !g.denied, nil
}

func (g *fakeGate) Invalidate(identity string) {
	g.mu.Lock()
	g.invalidations++
	g.mu.Unlock()
}

type fakeLocal struct {
	mu     sync.Mutex
	active string
}

func (l *fakeLocal) ActiveThread() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

func (l *fakeLocal) SetActiveThread(id string) error {
	l.mu.Lock()
	l.active = id
	l.mu.Unlock()
	return nil
}

type harness struct {
	o         *Orchestrator
	backend   *fakeBackend
	transport *fakeTransport
	titles    *fakeTitles
	gate      *fakeGate
	local     *fakeLocal
	registry  *registry.Registry
	cache     *cache.Cache

	mu     sync.Mutex
	errors []error
}

func newHarness(t *testing.T, backend *fakeBackend) *harness {
	t.Helper()
	h := &harness{
		backend:   backend,
		transport: &fakeTransport{reply: "Hi there!"},
		titles:    &fakeTitles{},
		gate:      &fakeGate{},
		local:     &fakeLocal{},
	}
	h.registry = registry.New(backend, "visitor-1", nil)
	h.cache = cache.New(backend, nil)
	h.o = New(Deps{
		Registry:  h.registry,
		Cache:     h.cache,
		Transport: h.transport,
		Store:     backend,
		Titles:    h.titles,
		Gate:      h.gate,
		Local:     h.local,
	}, Options{
		Identity:     "visitor-1",
		DefaultModel: "openai/gpt-4o",
		Hooks: Hooks{
			OnError: func(threadID string, err error) {
				h.mu.Lock()
				h.errors = append(h.errors, err)
				h.mu.Unlock()
			},
		},
	}, nil)
	t.Cleanup(h.o.Wait)
	return h
}

func (h *harness) Errors() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.errors...)
}

func textMessage(id, threadID string, role models.Role, text string) models.Message {
	return models.Message{ID: id, ThreadID: threadID, Role: role, Parts: []models.Part{{Type: models.PartText, Text: text}}}
}

func TestSubmitRejectsBlankText(t *testing.T) {
	h := newHarness(t, newBackend())
	assert.ErrorIs(t, h.o.Submit(context.Background(), "   \n"), ErrEmptyMessage)
	assert.Empty(t, h.transport.Sent())
	assert.Equal(t, StateIdle, h.o.View().State)
}

func TestBootstrapSendsQueuedTextOnceUnderNewID(t *testing.T) {
	backend := newBackend()
	backend.createGate = make(chan struct{})
	h := newHarness(t, backend)

	require.NoError(t, h.o.Submit(context.Background(), "X"))

	view := h.o.View()
	require.NotEmpty(t, view.ActiveID)
	assert.Equal(t, StateBootstrapping, view.State)

	sent := h.transport.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, view.ActiveID, sent[0].ThreadID)
	assert.Equal(t, "visitor-1", sent[0].Identity)
	assert.Equal(t, "openai/gpt-4o", sent[0].Model)
	require.Len(t, sent[0].Messages, 1)
	assert.Equal(t, "X", sent[0].Messages[0].Text())

	// The thread is visible before the store has answered.
	threads := h.registry.List()
	require.Len(t, threads, 1)
	assert.Equal(t, view.ActiveID, threads[0].ID)
	assert.True(t, threads[0].TitlePending())
	assert.Equal(t, view.ActiveID, h.local.ActiveThread())

	close(backend.createGate)
	h.o.Wait()

	assert.Len(t, h.transport.Sent(), 1)
	assert.Equal(t, StateActive, h.o.View().State)
}

func TestPersistenceWaitsForThreadCreation(t *testing.T) {
	backend := newBackend()
	backend.createGate = make(chan struct{})
	h := newHarness(t, backend)

	require.NoError(t, h.o.Submit(context.Background(), "Hello"))
	id := h.o.View().ActiveID

	require.Eventually(t, func() bool {
		return h.o.View().Status == StatusReady
	}, time.Second, time.Millisecond)
	assert.Len(t, h.o.View().Messages, 2)
	assert.Empty(t, backend.Calls(), "nothing may reach the store before the thread exists")

	close(backend.createGate)
	h.o.Wait()

	calls := backend.Calls()
	require.Contains(t, calls, "create:"+id)
	require.Contains(t, calls, "replace:"+id+":2")
	created := indexOf(calls, "create:"+id)
	assert.Less(t, created, indexOf(calls, "replace:"+id+":2"))
	assert.Less(t, created, indexOf(calls, "title:"+id+":Greeting"))
}

func indexOf(calls []string, call string) int {
	for i, c := range calls {
		if c == call {
			return i
		}
	}
	return -1
}

func TestHelloEndToEnd(t *testing.T) {
	backend := newBackend()
	backend.messages["other"] = []models.Message{
		textMessage("o1", "other", models.RoleUser, "Earlier question"),
	}
	h := newHarness(t, backend)
	ctx := context.Background()

	require.NoError(t, h.o.Submit(ctx, "Hello"))
	id := h.o.View().ActiveID
	h.o.Wait()

	assert.Equal(t, []string{"Hello"}, h.titles.Prompts())

	replaces := 0
	for _, c := range backend.Calls() {
		if c == "replace:"+id+":2" {
			replaces++
		}
	}
	assert.Equal(t, 1, replaces)

	persisted := backend.replaced[id]
	require.Len(t, persisted, 2)
	assert.Equal(t, models.RoleUser, persisted[0].Role)
	assert.Equal(t, "Hello", persisted[0].Text())
	assert.Equal(t, models.RoleAssistant, persisted[1].Role)
	assert.Equal(t, "Hi there!", persisted[1].Text())

	thread, ok := h.registry.Get(id)
	require.True(t, ok)
	require.NotNil(t, thread.Title)
	assert.Equal(t, "Greeting", *thread.Title)
	assert.Equal(t, 1, h.gate.invalidations)

	require.NoError(t, h.o.Select(ctx, "other"))
	assert.Equal(t, "Earlier question", h.o.View().Messages[0].Text())

	require.NoError(t, h.o.Select(ctx, id))
	assert.Equal(t, persisted, h.o.View().Messages)
	assert.Equal(t, 0, backend.Fetches(id), "switching back must be served from the cache")
	assert.Equal(t, 1, backend.Fetches("other"))
}

func TestSecondTurnSendsFullHistoryWithoutTitle(t *testing.T) {
	h := newHarness(t, newBackend())
	ctx := context.Background()

	require.NoError(t, h.o.Submit(ctx, "Hello"))
	h.o.Wait()
	require.NoError(t, h.o.Submit(ctx, "And again"))
	h.o.Wait()

	sent := h.transport.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, sent[0].ThreadID, sent[1].ThreadID)
	require.Len(t, sent[1].Messages, 3)
	assert.Equal(t, "And again", sent[1].Messages[2].Text())

	assert.Equal(t, []string{"Hello"}, h.titles.Prompts())
	assert.Len(t, h.backend.replaced[sent[0].ThreadID], 4)
}

func TestSubmitBlockedByQuota(t *testing.T) {
	h := newHarness(t, newBackend())
	h.gate.denied = true

	err := h.o.Submit(context.Background(), "Hello")
	assert.ErrorIs(t, err, usage.ErrQuotaExceeded)

	view := h.o.View()
	assert.True(t, view.Blocked)
	assert.Equal(t, StateIdle, view.State)
	assert.Empty(t, h.transport.Sent())
	assert.Empty(t, h.registry.List())

	h.gate.denied = false
	require.NoError(t, h.o.Submit(context.Background(), "Hello"))
	assert.False(t, h.o.View().Blocked)
}

func TestUsageCheckFailureAllowsSend(t *testing.T) {
	h := newHarness(t, newBackend())
	h.gate.err = errBackend

	require.NoError(t, h.o.Submit(context.Background(), "Hello"))
	assert.Len(t, h.transport.Sent(), 1)
}

func TestSubmitWhileStreaming(t *testing.T) {
	h := newHarness(t, newBackend())
	h.transport.hold = make(chan struct{})
	ctx := context.Background()

	require.NoError(t, h.o.Submit(ctx, "first"))
	assert.Equal(t, StatusStreaming, h.o.View().Status)
	assert.ErrorIs(t, h.o.Submit(ctx, "second"), ErrTurnInProgress)

	close(h.transport.hold)
	h.o.Wait()
	assert.Len(t, h.transport.Sent(), 1)
}

func TestSelectModel(t *testing.T) {
	backend := newBackend()
	h := newHarness(t, backend)
	ctx := context.Background()

	require.NoError(t, h.o.Submit(ctx, "Hello"))
	id := h.o.View().ActiveID
	h.o.Wait()

	require.NoError(t, h.o.SelectModel(ctx, "openai/o3"))
	assert.Contains(t, backend.Calls(), "model:"+id+":openai/o3")
	thread, _ := h.registry.Get(id)
	assert.Equal(t, "openai/o3", thread.Model)

	h.o.NewChat()
	before := len(backend.Calls())
	require.NoError(t, h.o.SelectModel(ctx, "openai/gpt-4o-mini"))
	assert.Len(t, backend.Calls(), before, "no thread is established, nothing to update")
	assert.Equal(t, "openai/gpt-4o-mini", h.o.View().Model)

	require.NoError(t, h.o.Submit(ctx, "Next"))
	h.o.Wait()
	sent := h.transport.Sent()
	assert.Equal(t, "openai/gpt-4o-mini", sent[len(sent)-1].Model)
	next, _ := h.registry.Get(h.o.View().ActiveID)
	assert.Equal(t, "openai/gpt-4o-mini", next.Model)
}

func TestSelectModelDuringBootstrapStaysLocal(t *testing.T) {
	backend := newBackend()
	backend.createGate = make(chan struct{})
	h := newHarness(t, backend)
	ctx := context.Background()

	require.NoError(t, h.o.Submit(ctx, "Hello"))
	require.NoError(t, h.o.SelectModel(ctx, "openai/o3"))
	assert.Equal(t, "openai/o3", h.o.View().Model)

	close(backend.createGate)
	h.o.Wait()
	for _, c := range backend.Calls() {
		assert.NotContains(t, c, "model:")
	}
}

func TestSelectModelRollsBackOnFailure(t *testing.T) {
	backend := newBackend()
	h := newHarness(t, backend)
	ctx := context.Background()

	require.NoError(t, h.o.Submit(ctx, "Hello"))
	id := h.o.View().ActiveID
	h.o.Wait()

	backend.modelErr = errBackend
	assert.ErrorIs(t, h.o.SelectModel(ctx, "openai/o3"), errBackend)
	assert.Equal(t, "openai/gpt-4o", h.o.View().Model)
	thread, _ := h.registry.Get(id)
	assert.Equal(t, "openai/gpt-4o", thread.Model)
}

func TestSelectRestoresThreadModel(t *testing.T) {
	backend := newBackend()
	backend.threads = []models.Thread{{ID: "t1", Model: "openai/o3", OwnerID: "visitor-1"}}
	h := newHarness(t, backend)
	ctx := context.Background()
	require.NoError(t, h.registry.Load(ctx))

	require.NoError(t, h.o.Select(ctx, "t1"))
	view := h.o.View()
	assert.Equal(t, "openai/o3", view.Model)
	assert.Equal(t, StateActive, view.State)
}

func TestSelectFetchFailure(t *testing.T) {
	backend := newBackend()
	backend.fetchErr = errBackend
	h := newHarness(t, backend)

	err := h.o.Select(context.Background(), "t1")
	assert.ErrorIs(t, err, errBackend)

	view := h.o.View()
	assert.Equal(t, "t1", view.ActiveID)
	assert.Empty(t, view.Messages)
	assert.ErrorIs(t, view.LoadErr, errBackend)
}

func TestDeleteEvictsCacheAndReturnsToIdle(t *testing.T) {
	backend := newBackend()
	h := newHarness(t, backend)
	ctx := context.Background()

	require.NoError(t, h.o.Submit(ctx, "Hello"))
	id := h.o.View().ActiveID
	h.o.Wait()
	_, cached := h.cache.Get(id)
	require.True(t, cached)

	require.NoError(t, h.o.Delete(ctx, id))

	_, cached = h.cache.Get(id)
	assert.False(t, cached)
	assert.Equal(t, StateIdle, h.o.View().State)
	assert.Empty(t, h.registry.List())
	assert.Empty(t, h.local.ActiveThread())
}

func TestDeleteWhileStreamingSkipsPersistence(t *testing.T) {
	backend := newBackend()
	h := newHarness(t, backend)
	h.transport.hold = make(chan struct{})
	ctx := context.Background()

	require.NoError(t, h.o.Submit(ctx, "Hello"))
	id := h.o.View().ActiveID
	require.NoError(t, h.o.Delete(ctx, id))

	close(h.transport.hold)
	h.o.Wait()

	_, cached := h.cache.Get(id)
	assert.False(t, cached)
	for _, c := range backend.Calls() {
		assert.NotContains(t, c, "replace:")
	}
}

func TestDeleteWhileCreating(t *testing.T) {
	backend := newBackend()
	backend.createGate = make(chan struct{})
	h := newHarness(t, backend)
	ctx := context.Background()

	require.NoError(t, h.o.Submit(ctx, "Hello"))
	id := h.o.View().ActiveID
	require.Equal(t, StateBootstrapping, h.o.View().State)

	deleted := make(chan error, 1)
	go func() { deleted <- h.o.Delete(ctx, id) }()
	close(backend.createGate)
	require.NoError(t, <-deleted)
	h.o.Wait()

	calls := backend.Calls()
	assert.Less(t, indexOf(calls, "create:"+id), indexOf(calls, "delete:"+id))
	assert.Empty(t, h.registry.List())
	assert.Equal(t, StateIdle, h.o.View().State)
}

func TestDeleteAfterFailedCreateIsLocal(t *testing.T) {
	backend := newBackend()
	backend.createErr = errBackend
	h := newHarness(t, backend)
	ctx := context.Background()

	require.NoError(t, h.o.Submit(ctx, "Hello"))
	id := h.o.View().ActiveID
	h.o.Wait()

	require.NoError(t, h.o.Delete(ctx, id))
	assert.NotContains(t, backend.Calls(), "delete:"+id)
	_, cached := h.cache.Get(id)
	assert.False(t, cached)
	assert.Equal(t, StateIdle, h.o.View().State)
}

func TestSlowSaveDoesNotOverwriteNewerTurn(t *testing.T) {
	backend := newBackend()
	backend.replaceGate = make(chan struct{})
	h := newHarness(t, backend)
	ctx := context.Background()

	require.NoError(t, h.o.Submit(ctx, "Hello"))
	id := h.o.View().ActiveID
	require.Eventually(t, func() bool {
		return indexOf(backend.Calls(), "replace:"+id+":2") >= 0
	}, time.Second, time.Millisecond)

	require.NoError(t, h.o.Submit(ctx, "Again"))
	require.Eventually(t, func() bool {
		view := h.o.View()
		return view.Status == StatusReady && len(view.Messages) == 4
	}, time.Second, time.Millisecond)

	close(backend.replaceGate)
	h.o.Wait()

	assert.Len(t, backend.replaced[id], 4)
	cached, ok := h.cache.Get(id)
	require.True(t, ok)
	assert.Len(t, cached, 4)
}

func TestTurnsSettledDuringCreateSaveNewest(t *testing.T) {
	backend := newBackend()
	backend.createGate = make(chan struct{})
	h := newHarness(t, backend)
	ctx := context.Background()

	require.NoError(t, h.o.Submit(ctx, "Hello"))
	id := h.o.View().ActiveID
	require.Eventually(t, func() bool {
		return h.o.View().Status == StatusReady
	}, time.Second, time.Millisecond)

	require.NoError(t, h.o.Submit(ctx, "Again"))
	require.Eventually(t, func() bool {
		view := h.o.View()
		return view.Status == StatusReady && len(view.Messages) == 4
	}, time.Second, time.Millisecond)

	close(backend.createGate)
	h.o.Wait()

	assert.Len(t, backend.replaced[id], 4)
	cached, ok := h.cache.Get(id)
	require.True(t, ok)
	assert.Len(t, cached, 4)
}

func TestThreadCreateFailureIsReported(t *testing.T) {
	backend := newBackend()
	backend.createErr = errBackend
	h := newHarness(t, backend)

	require.NoError(t, h.o.Submit(context.Background(), "Hello"))
	id := h.o.View().ActiveID
	h.o.Wait()

	errs := h.Errors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrThreadCreate)
	assert.ErrorIs(t, errs[0], errBackend)

	assert.Empty(t, h.registry.List())
	assert.NotContains(t, backend.Calls(), "replace:"+id+":2")

	// The turn is not lost.
	cached, ok := h.cache.Get(id)
	require.True(t, ok)
	assert.Len(t, cached, 2)
	assert.Len(t, h.o.View().Messages, 2)
}

func TestStreamErrorSkipsPersistence(t *testing.T) {
	backend := newBackend()
	h := newHarness(t, backend)
	h.transport.streamErr = "model overloaded"

	require.NoError(t, h.o.Submit(context.Background(), "Hello"))
	id := h.o.View().ActiveID
	h.o.Wait()

	assert.Equal(t, StatusError, h.o.View().Status)
	assert.NotContains(t, backend.Calls(), "replace:"+id+":2")
	assert.Equal(t, 1, h.gate.invalidations, "the server may have counted the message")
	assert.Empty(t, h.titles.Prompts())
	require.Len(t, h.Errors(), 1)
	assert.EqualError(t, h.Errors()[0], "model overloaded")
}

func TestPersistenceKeyedByCapturedThread(t *testing.T) {
	backend := newBackend()
	backend.messages["other"] = []models.Message{
		textMessage("o1", "other", models.RoleUser, "Earlier question"),
	}
	h := newHarness(t, backend)
	h.transport.hold = make(chan struct{})
	ctx := context.Background()

	require.NoError(t, h.o.Submit(ctx, "Hello"))
	id := h.o.View().ActiveID

	require.NoError(t, h.o.Select(ctx, "other"))
	close(h.transport.hold)
	h.o.Wait()

	assert.Len(t, backend.replaced[id], 2)
	assert.NotContains(t, backend.replaced, "other")

	view := h.o.View()
	assert.Equal(t, "other", view.ActiveID)
	require.Len(t, view.Messages, 1)
	assert.Equal(t, "Earlier question", view.Messages[0].Text())

	cached, ok := h.cache.Get(id)
	require.True(t, ok)
	assert.Len(t, cached, 2)
}

func TestRenameCancelsPendingTitle(t *testing.T) {
	backend := newBackend()
	h := newHarness(t, backend)
	h.transport.hold = make(chan struct{})
	ctx := context.Background()

	require.NoError(t, h.o.Submit(ctx, "Hello"))
	id := h.o.View().ActiveID
	require.NoError(t, h.o.Rename(ctx, id, "My chat"))

	close(h.transport.hold)
	h.o.Wait()

	assert.Empty(t, h.titles.Prompts())
	thread, _ := h.registry.Get(id)
	require.NotNil(t, thread.Title)
	assert.Equal(t, "My chat", *thread.Title)
}

func TestRenameWinsOverTitleInFlight(t *testing.T) {
	backend := newBackend()
	h := newHarness(t, backend)
	h.titles.hold = make(chan struct{})
	ctx := context.Background()

	require.NoError(t, h.o.Submit(ctx, "Hello"))
	id := h.o.View().ActiveID
	require.Eventually(t, func() bool {
		return len(h.titles.Prompts()) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, h.o.Rename(ctx, id, "My own name"))
	close(h.titles.hold)
	h.o.Wait()

	thread, _ := h.registry.Get(id)
	require.NotNil(t, thread.Title)
	assert.Equal(t, "My own name", *thread.Title)
	assert.NotContains(t, backend.Calls(), "title:"+id+":Greeting")
}

func TestRenameWhileCreatingWaitsForThread(t *testing.T) {
	backend := newBackend()
	backend.createGate = make(chan struct{})
	h := newHarness(t, backend)
	ctx := context.Background()

	require.NoError(t, h.o.Submit(ctx, "Hello"))
	id := h.o.View().ActiveID

	renamed := make(chan error, 1)
	go func() { renamed <- h.o.Rename(ctx, id, "Mine") }()
	close(backend.createGate)
	require.NoError(t, <-renamed)
	h.o.Wait()

	calls := backend.Calls()
	assert.Less(t, indexOf(calls, "create:"+id), indexOf(calls, "title:"+id+":Mine"))
	thread, _ := h.registry.Get(id)
	require.NotNil(t, thread.Title)
	assert.Equal(t, "Mine", *thread.Title)
}

func TestStartRestoresLastActiveThread(t *testing.T) {
	backend := newBackend()
	backend.threads = []models.Thread{
		{ID: "t2", Model: "openai/o3", OwnerID: "visitor-1"},
		{ID: "t1", Model: "openai/gpt-4o", OwnerID: "visitor-1"},
	}
	backend.messages["t1"] = []models.Message{textMessage("a", "t1", models.RoleUser, "one")}
	backend.messages["t2"] = []models.Message{textMessage("b", "t2", models.RoleUser, "two")}
	h := newHarness(t, backend)
	h.local.active = "t2"

	require.NoError(t, h.o.Start(context.Background()))
	h.o.Wait()

	view := h.o.View()
	assert.Equal(t, "t2", view.ActiveID)
	assert.Equal(t, "openai/o3", view.Model)
	require.Len(t, view.Messages, 1)
	assert.Equal(t, "two", view.Messages[0].Text())

	_, ok := h.cache.Get("t1")
	assert.True(t, ok, "recent threads are prefetched")
}

func TestStartForgetsUnknownLastThread(t *testing.T) {
	h := newHarness(t, newBackend())
	h.local.active = "gone"

	require.NoError(t, h.o.Start(context.Background()))

	assert.Equal(t, StateIdle, h.o.View().State)
	assert.Empty(t, h.local.ActiveThread())
}
