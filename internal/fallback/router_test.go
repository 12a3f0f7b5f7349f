package fallback

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/unisync/internal/apierr"
	"github.com/soyeahso/unisync/internal/cache"
	"github.com/soyeahso/unisync/internal/domain"
	"github.com/soyeahso/unisync/internal/health"
	"github.com/soyeahso/unisync/internal/hooks"
	"github.com/soyeahso/unisync/internal/llm"
	"github.com/soyeahso/unisync/internal/logging"
	"github.com/soyeahso/unisync/internal/retry"
	"github.com/soyeahso/unisync/internal/store"
)

var t0 = time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)

func silentLog() *logging.Logger {
	return logging.New(nil, "silent")
}

type switchHealth struct{ up atomic.Bool }

func (h *switchHealth) IsHealthy(context.Context) bool { return h.up.Load() }

type fakeRemote struct {
	mu     sync.Mutex
	agents map[string]*domain.Agent
	calls  map[string]int
	seq    int

	err         error // returned by every call when set
	invokeReply string
	streamErr   error
	stream      []llm.StreamEvent
	streamHang  bool          // the stream sends nothing until its context ends
	streamGone  chan struct{} // closed when a hanging stream saw its context end
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{agents: map[string]*domain.Agent{}, calls: map[string]int{}}
}

func (f *fakeRemote) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeRemote) enter(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
	return f.err
}

func (f *fakeRemote) GetAgent(_ context.Context, externalID string) (*domain.Agent, error) {
	if err := f.enter("get"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[externalID]
	if !ok {
		return nil, apierr.FromStatus(404, "Not Found", nil)
	}
	cp := *a
	return &cp, nil
}

func (f *fakeRemote) ListAgents(_ context.Context, filter domain.AgentFilter) ([]*domain.Agent, error) {
	if err := f.enter("list"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Agent
	for _, a := range f.agents {
		if filter.UserID == "" || a.UserID == filter.UserID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeRemote) CreateAgent(_ context.Context, a *domain.Agent) (*domain.Agent, error) {
	if err := f.enter("create"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	cp := *a
	cp.MarkSynced("ext-"+string(rune('0'+f.seq)), t0)
	f.agents[cp.ExternalID] = &cp
	out := cp
	return &out, nil
}

func (f *fakeRemote) UpdateAgent(_ context.Context, externalID string, a *domain.Agent) (*domain.Agent, error) {
	if err := f.enter("update"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *a
	f.agents[externalID] = &cp
	return &cp, nil
}

func (f *fakeRemote) Invoke(_ context.Context, _, _, conversationID string) (*domain.Message, error) {
	if err := f.enter("invoke"); err != nil {
		return nil, err
	}
	return &domain.Message{ID: "m-ext", ConversationID: conversationID, Role: domain.RoleAssistant, Content: f.invokeReply}, nil
}

func (f *fakeRemote) InvokeStream(ctx context.Context, _, _, _ string) (<-chan llm.StreamEvent, error) {
	f.enter("stream")
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	if f.streamHang {
		ch := make(chan llm.StreamEvent)
		go func() {
			<-ctx.Done()
			close(ch)
			close(f.streamGone)
		}()
		return ch, nil
	}
	ch := make(chan llm.StreamEvent, len(f.stream))
	for _, ev := range f.stream {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

type harness struct {
	router   *Router
	agents   *store.AgentStore
	messages *store.MessageStore
	convs    *store.ConversationStore
	cache    *cache.Cache
	remote   *fakeRemote
	health   *switchHealth
	sleep    *sleepRecorder
}

func newHarness(t *testing.T, opts ...func(*Deps, *Options)) *harness {
	t.Helper()
	db, err := store.Open(":memory:", silentLog())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{
		agents:   store.NewAgentStore(db),
		messages: store.NewMessageStore(db),
		convs:    store.NewConversationStore(db),
		remote:   newFakeRemote(),
		health:   &switchHealth{},
		sleep:    &sleepRecorder{},
	}
	h.health.up.Store(true)
	h.cache = cache.New(cache.Options{TTL: time.Minute, Now: func() time.Time { return t0 }}, silentLog())

	ids := 0
	deps := Deps{
		Agents:   h.agents,
		Messages: h.messages,
		Remote:   h.remote,
		Health:   h.health,
		Cache:    h.cache,
	}
	o := Options{
		ExternalEnabled: true,
		CacheEnabled:    true,
		ChunkDelay:      30 * time.Millisecond,
		Retry:           retry.Policy{MaxAttempts: 3, Backoff: apierr.DefaultBackoff},
		Now:             func() time.Time { return t0 },
		Sleep:           h.sleep.Sleep,
		NewID: func() string {
			ids++
			return "local-" + string(rune('0'+ids))
		},
	}
	for _, fn := range opts {
		fn(&deps, &o)
	}
	h.router = New(deps, o, silentLog())
	return h
}

func (h *harness) seedConversation(t *testing.T, id, agentID string) {
	t.Helper()
	require.NoError(t, h.convs.Insert(context.Background(), &domain.Conversation{
		ID: id, AgentID: agentID, CreatedAt: t0, UpdatedAt: t0,
		SyncState: domain.SyncState{Status: domain.SyncStatusPending},
	}))
}

func collect(ch <-chan llm.StreamEvent) []llm.StreamEvent {
	var events []llm.StreamEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

// --- create ---

func TestCreateExternalFirst(t *testing.T) {
	h := newHarness(t)

	a, err := h.router.Create(context.Background(), domain.AgentInput{Name: "Helper", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "local-1", a.ID)
	assert.Equal(t, "ext-1", a.ExternalID)
	assert.Equal(t, domain.SyncStatusSynced, a.Status)

	stored, err := h.agents.Get(context.Background(), "local-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusSynced, stored.Status)
	assert.Equal(t, "ext-1", stored.ExternalID)
	assert.Equal(t, 1, h.remote.count("create"))
}

func TestCreateLocalWhenUnhealthy(t *testing.T) {
	h := newHarness(t)
	h.health.up.Store(false)

	a, err := h.router.Create(context.Background(), domain.AgentInput{Name: "Offline"})
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusPending, a.Status)
	assert.Empty(t, a.ExternalID)
	assert.Zero(t, h.remote.count("create"))

	stored, err := h.agents.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusPending, stored.Status)
	assert.Empty(t, stored.ExternalID)
}

func TestCreateLocalWhenDisabled(t *testing.T) {
	h := newHarness(t, func(_ *Deps, o *Options) { o.ExternalEnabled = false })

	a, err := h.router.Create(context.Background(), domain.AgentInput{Name: "Offline"})
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusPending, a.Status)
	assert.Zero(t, h.remote.count("create"))
}

func TestCreateFallsBackAfterRetries(t *testing.T) {
	h := newHarness(t)
	h.remote.err = apierr.FromStatus(502, "Bad Gateway", nil)

	a, err := h.router.Create(context.Background(), domain.AgentInput{Name: "Flaky"})
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusPending, a.Status)
	assert.Empty(t, a.ExternalID)
	assert.Equal(t, 3, h.remote.count("create"))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.sleep.delays)
}

func TestCreateDoesNotRetryValidation(t *testing.T) {
	h := newHarness(t)
	h.remote.err = apierr.FromStatus(422, "", []byte(`{"message":"bad"}`))

	a, err := h.router.Create(context.Background(), domain.AgentInput{Name: "x"})
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusPending, a.Status)
	assert.Equal(t, 1, h.remote.count("create"))
	assert.Empty(t, h.sleep.delays)
}

// --- get ---

func TestGetPrefersCache(t *testing.T) {
	h := newHarness(t)
	cached := &domain.Agent{ID: "a1", Name: "cached"}
	h.cache.Set(context.Background(), cache.EntityKey(domain.KindAgent, "a1"), cached, 0)

	got, ok := h.router.Get(context.Background(), "a1")
	require.True(t, ok)
	assert.Same(t, cached, got)
	assert.Zero(t, h.remote.count("get"))
}

func TestGetExternalResolvesExternalID(t *testing.T) {
	h := newHarness(t)
	local := domain.NewAgent("a1", domain.AgentInput{Name: "old", UserID: "u1"}, t0.Add(-time.Hour))
	local.MarkSynced("ext-7", t0.Add(-time.Hour))
	require.NoError(t, h.agents.Insert(context.Background(), local))
	h.remote.agents["ext-7"] = &domain.Agent{ID: "ext-7", Name: "fresh", UpdatedAt: t0}

	got, ok := h.router.Get(context.Background(), "a1")
	require.True(t, ok)
	assert.Equal(t, "a1", got.ID)
	assert.Equal(t, "fresh", got.Name)
	assert.Equal(t, "ext-7", got.ExternalID)
	assert.Equal(t, "u1", got.UserID)

	// second read is served from memory
	_, ok = h.router.Get(context.Background(), "a1")
	require.True(t, ok)
	assert.Equal(t, 1, h.remote.count("get"))
}

func TestGetKeepsNewerUnsyncedLocalEdit(t *testing.T) {
	h := newHarness(t)
	local := domain.NewAgent("a1", domain.AgentInput{Name: "edited offline"}, t0)
	local.ExternalID = "ext-7"
	require.NoError(t, h.agents.Insert(context.Background(), local))
	h.remote.agents["ext-7"] = &domain.Agent{ID: "ext-7", Name: "stale", UpdatedAt: t0.Add(-time.Hour)}

	got, ok := h.router.Get(context.Background(), "a1")
	require.True(t, ok)
	assert.Equal(t, "edited offline", got.Name)
	assert.Equal(t, domain.SyncStatusPending, got.Status)
}

func TestGetSkipsExternalForUnlinkedLocal(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.agents.Insert(context.Background(), domain.NewAgent("a1", domain.AgentInput{Name: "local"}, t0)))

	got, ok := h.router.Get(context.Background(), "a1")
	require.True(t, ok)
	assert.Equal(t, "local", got.Name)
	assert.Zero(t, h.remote.count("get"))
}

func TestGetFallsBackToLocal(t *testing.T) {
	h := newHarness(t)
	local := domain.NewAgent("a1", domain.AgentInput{Name: "local"}, t0)
	local.MarkSynced("ext-1", t0)
	require.NoError(t, h.agents.Insert(context.Background(), local))
	h.remote.err = apierr.FromTransport(errors.New("connection refused"))

	got, ok := h.router.Get(context.Background(), "a1")
	require.True(t, ok)
	assert.Equal(t, "local", got.Name)
	assert.Equal(t, 3, h.remote.count("get"))
}

func TestGetUnknownPassesIDThrough(t *testing.T) {
	h := newHarness(t)
	h.remote.agents["ext-9"] = &domain.Agent{ID: "ext-9", Name: "remote only"}

	got, ok := h.router.Get(context.Background(), "ext-9")
	require.True(t, ok)
	assert.Equal(t, "remote only", got.Name)
}

func TestGetAbsent(t *testing.T) {
	h := newHarness(t)
	h.health.up.Store(false)

	got, ok := h.router.Get(context.Background(), "ghost")
	assert.False(t, ok)
	assert.Nil(t, got)
}

// --- list ---

func TestListExternalThenCached(t *testing.T) {
	h := newHarness(t)
	h.remote.agents["ext-1"] = &domain.Agent{ID: "a", UserID: "u1"}
	h.remote.agents["ext-2"] = &domain.Agent{ID: "b", UserID: "u2"}

	got, err := h.router.List(context.Background(), domain.AgentFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, got, 1)

	_, err = h.router.List(context.Background(), domain.AgentFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 1, h.remote.count("list"))

	h.cache.InvalidateList(domain.KindAgent)
	_, err = h.router.List(context.Background(), domain.AgentFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 2, h.remote.count("list"))
}

func TestListLocalWhenUnhealthy(t *testing.T) {
	h := newHarness(t)
	h.health.up.Store(false)
	require.NoError(t, h.agents.Insert(context.Background(), domain.NewAgent("a1", domain.AgentInput{Name: "x", UserID: "u1"}, t0)))

	got, err := h.router.List(context.Background(), domain.AgentFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a1", got[0].ID)
}

func TestFallbackEventsOnlyForDegradedAnswers(t *testing.T) {
	var got []map[string]any
	events := hooks.NewManager(silentLog())
	events.On(hooks.EventFallbackUsed, "test", func(_ context.Context, p hooks.Payload) error {
		got = append(got, p.Data)
		return nil
	})
	h := newHarness(t, func(d *Deps, _ *Options) { d.Events = events })

	_, err := h.router.Create(context.Background(), domain.AgentInput{Name: "online"})
	require.NoError(t, err)
	assert.Empty(t, got, "external create is not a fallback")

	h.health.up.Store(false)
	_, err = h.router.Create(context.Background(), domain.AgentInput{Name: "offline"})
	require.NoError(t, err)
	_, err = h.router.List(context.Background(), domain.AgentFilter{UserID: "nobody"})
	require.NoError(t, err)

	assert.Equal(t, []map[string]any{
		{"op": "create", "source": "local"},
		{"op": "list", "source": "local"},
	}, got)
}

// --- update ---

func TestUpdatePushesLinkedAgent(t *testing.T) {
	h := newHarness(t)
	a, err := h.router.Create(context.Background(), domain.AgentInput{Name: "v1"})
	require.NoError(t, err)

	name := "v2"
	got, err := h.router.Update(context.Background(), a.ID, domain.AgentPatch{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Name)
	assert.Equal(t, domain.SyncStatusSynced, got.Status)
	assert.Equal(t, 1, h.remote.count("update"))
	assert.Equal(t, "v2", h.remote.agents[a.ExternalID].Name)
}

func TestUpdateLeavesPendingWhenUnhealthy(t *testing.T) {
	h := newHarness(t)
	a, err := h.router.Create(context.Background(), domain.AgentInput{Name: "v1"})
	require.NoError(t, err)
	h.health.up.Store(false)

	name := "v2"
	got, err := h.router.Update(context.Background(), a.ID, domain.AgentPatch{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusPending, got.Status)
	assert.Zero(t, h.remote.count("update"))

	stored, err := h.agents.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, "v2", stored.Name)
	assert.Equal(t, domain.SyncStatusPending, stored.Status)
	assert.Equal(t, a.ExternalID, stored.ExternalID)

	// the cached copy was dropped
	cached, ok := h.router.Get(context.Background(), a.ID)
	require.True(t, ok)
	assert.Equal(t, "v2", cached.Name)
}

func TestUpdateMissing(t *testing.T) {
	h := newHarness(t)
	_, err := h.router.Update(context.Background(), "ghost", domain.AgentPatch{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// --- invoke ---

func TestInvokeExternalRecordsHistory(t *testing.T) {
	h := newHarness(t)
	a, err := h.router.Create(context.Background(), domain.AgentInput{Name: "bot"})
	require.NoError(t, err)
	h.seedConversation(t, "c1", a.ID)
	h.remote.invokeReply = "pong"

	reply, err := h.router.Invoke(context.Background(), a.ID, "ping", "c1")
	require.NoError(t, err)
	assert.Equal(t, "pong", reply.Content)
	assert.Equal(t, "external", reply.Source)

	hist, err := h.messages.History(context.Background(), "c1", 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, domain.RoleUser, hist[0].Role)
	assert.Equal(t, "ping", hist[0].Content)
	assert.Equal(t, domain.RoleAssistant, hist[1].Role)
	assert.Equal(t, "external", hist[1].Source)
}

func TestInvokeFallsBackToLocalModel(t *testing.T) {
	var got llm.CompletionRequest
	local := &llm.MockClient{
		ProviderName: "ollama",
		CompleteFunc: func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			got = req
			return &llm.CompletionResponse{Content: "local answer"}, nil
		},
	}
	h := newHarness(t, func(d *Deps, _ *Options) { d.LocalAI = local })
	h.health.up.Store(false)
	require.NoError(t, h.agents.Insert(context.Background(), domain.NewAgent("a1", domain.AgentInput{
		Name: "bot", Instructions: "be terse", ModelID: "llama3", Temperature: 0.1,
	}, t0)))
	h.seedConversation(t, "c1", "a1")

	reply, err := h.router.Invoke(context.Background(), "a1", "hello", "c1")
	require.NoError(t, err)
	assert.Equal(t, "local answer", reply.Content)
	assert.Equal(t, "local", reply.Source)

	assert.Equal(t, "llama3", got.Model)
	assert.Equal(t, "be terse", got.System)
	require.NotNil(t, got.Temperature)
	assert.InDelta(t, 0.1, *got.Temperature, 1e-9)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "hello"}, got.Messages[0])
}

func TestInvokeBreakerStopsLocalModel(t *testing.T) {
	calls := 0
	local := &llm.MockClient{
		CompleteFunc: func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
			calls++
			return nil, errors.New("model crashed")
		},
	}
	breaker := health.NewBreaker("test-local", 2, time.Hour, func() time.Time { return t0 })
	h := newHarness(t, func(d *Deps, o *Options) {
		d.LocalAI = local
		d.Breaker = breaker
		o.ExternalEnabled = false
	})
	require.NoError(t, h.agents.Insert(context.Background(), domain.NewAgent("a1", domain.AgentInput{Name: "bot"}, t0)))

	for i := 0; i < 3; i++ {
		_, err := h.router.Invoke(context.Background(), "a1", "hi", "")
		assert.ErrorIs(t, err, ErrNoService)
	}
	assert.Equal(t, 2, calls)
	assert.Equal(t, health.StateOpen, breaker.State())
}

func TestInvokeUnknownAgent(t *testing.T) {
	h := newHarness(t)
	h.health.up.Store(false)
	_, err := h.router.Invoke(context.Background(), "ghost", "hi", "")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

// --- streaming ---

func TestInvokeStreamPassthrough(t *testing.T) {
	h := newHarness(t)
	a, err := h.router.Create(context.Background(), domain.AgentInput{Name: "bot"})
	require.NoError(t, err)
	h.seedConversation(t, "c1", a.ID)
	h.remote.stream = []llm.StreamEvent{
		{Type: llm.EventDelta, Content: "Hi "},
		{Type: llm.EventDelta, Content: "there"},
		{Type: llm.EventDone, Response: &llm.CompletionResponse{Content: "Hi there"}},
	}

	events := collect(h.router.InvokeStream(context.Background(), a.ID, "hello", "c1"))
	require.Len(t, events, 3)
	assert.Equal(t, "Hi ", events[0].Content)
	assert.Equal(t, llm.EventDone, events[2].Type)
	assert.Zero(t, h.remote.count("invoke"))
	assert.Empty(t, h.sleep.delays)

	hist, err := h.messages.History(context.Background(), "c1", 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "Hi there", hist[1].Content)
}

func TestInvokeStreamSimulatesWhenStreamFails(t *testing.T) {
	content := "  Hello,  brave\nnew\tworld! "
	tests := []struct {
		name  string
		setup func(*fakeRemote)
	}{
		{"request fails", func(f *fakeRemote) { f.streamErr = apierr.FromStatus(503, "", nil) }},
		{"first event is an error", func(f *fakeRemote) {
			f.stream = []llm.StreamEvent{{Type: llm.EventError, Error: "overloaded"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			a, err := h.router.Create(context.Background(), domain.AgentInput{Name: "bot"})
			require.NoError(t, err)
			h.remote.invokeReply = content
			tt.setup(h.remote)

			events := collect(h.router.InvokeStream(context.Background(), a.ID, "hi", ""))
			require.NotEmpty(t, events)
			last := events[len(events)-1]
			require.Equal(t, llm.EventDone, last.Type)
			assert.Equal(t, content, last.Response.Content)

			var joined strings.Builder
			for _, ev := range events[:len(events)-1] {
				require.Equal(t, llm.EventDelta, ev.Type)
				joined.WriteString(ev.Content)
			}
			assert.Equal(t, content, joined.String())
			assert.Len(t, events[:len(events)-1], 4)

			require.Len(t, h.sleep.delays, 3)
			for _, d := range h.sleep.delays {
				assert.Equal(t, 30*time.Millisecond, d)
			}
		})
	}
}

func TestInvokeStreamSimulatesWhenStreamHangs(t *testing.T) {
	h := newHarness(t, func(_ *Deps, o *Options) { o.StreamStart = 50 * time.Millisecond })
	a, err := h.router.Create(context.Background(), domain.AgentInput{Name: "bot"})
	require.NoError(t, err)
	h.remote.invokeReply = "hello world"
	h.remote.streamHang = true
	h.remote.streamGone = make(chan struct{})

	done := make(chan []llm.StreamEvent, 1)
	go func() { done <- collect(h.router.InvokeStream(context.Background(), a.ID, "hi", "")) }()

	var events []llm.StreamEvent
	select {
	case events = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream never fell back")
	}
	require.Len(t, events, 3)
	assert.Equal(t, "hello ", events[0].Content)
	assert.Equal(t, "world", events[1].Content)
	assert.Equal(t, llm.EventDone, events[2].Type)
	assert.Equal(t, 1, h.remote.count("invoke"))

	select {
	case <-h.remote.streamGone:
	case <-time.After(time.Second):
		t.Fatal("abandoned external stream was not cancelled")
	}
}

func TestInvokeStreamNoService(t *testing.T) {
	h := newHarness(t, func(_ *Deps, o *Options) { o.ExternalEnabled = false })
	require.NoError(t, h.agents.Insert(context.Background(), domain.NewAgent("a1", domain.AgentInput{Name: "bot"}, t0)))

	events := collect(h.router.InvokeStream(context.Background(), "a1", "hi", ""))
	require.Len(t, events, 1)
	assert.Equal(t, llm.EventError, events[0].Type)
	assert.Equal(t, "No available service for streaming", events[0].Error)
}

func TestInvokeStreamUnknownAgent(t *testing.T) {
	h := newHarness(t)
	h.health.up.Store(false)
	events := collect(h.router.InvokeStream(context.Background(), "ghost", "hi", ""))
	require.Len(t, events, 1)
	assert.Equal(t, llm.EventError, events[0].Type)
}

// --- helpers ---

func TestWithRetry(t *testing.T) {
	h := newHarness(t)
	calls := 0
	v, ok := WithRetry(context.Background(), h.router, "op", func(context.Context) (int, error) {
		calls++
		if calls < 2 {
			return 0, apierr.FromStatus(500, "", nil)
		}
		return 42, nil
	})
	assert.True(t, ok)
	assert.Equal(t, 42, v)

	v, ok = WithRetry(context.Background(), h.router, "op", func(context.Context) (int, error) {
		return 0, apierr.FromStatus(500, "", nil)
	})
	assert.False(t, ok)
	assert.Zero(t, v)
}

func TestSplitWords(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"one", []string{"one"}},
		{"a b", []string{"a ", "b"}},
		{"  lead and trail  ", []string{"  lead ", "and ", "trail  "}},
		{"line\nbreak\t\ttab", []string{"line\n", "break\t\t", "tab"}},
		{"   ", []string{"   "}},
		{"héllo wörld", []string{"héllo ", "wörld"}},
	}
	for _, tt := range tests {
		got := SplitWords(tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
		assert.Equal(t, tt.in, strings.Join(got, ""))
	}
}
