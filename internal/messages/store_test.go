package messages

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/caseflowlabs/casewire/internal/transport"
)

type fakeBackend struct {
	mu          sync.Mutex
	backlog     []transport.Message
	listErr     error
	listGate    chan struct{}
	listStarted chan struct{}
	startOnce   sync.Once
	sent        []string
	sendErr     error
}

func (f *fakeBackend) ListMessages(ctx context.Context, channelID string) ([]transport.Message, error) {
	if f.listStarted != nil {
		f.startOnce.Do(func() { close(f.listStarted) })
	}
	if f.listGate != nil {
		select {
		case <-f.listGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]transport.Message, len(f.backlog))
	copy(out, f.backlog)
	return out, nil
}

func (f *fakeBackend) SendMessage(ctx context.Context, channelID, content string) (transport.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return transport.Message{}, f.sendErr
	}
	f.sent = append(f.sent, content)
	return transport.Message{ID: "sent-1", ChannelID: channelID, Content: content}, nil
}

func wireMessage(id, channel, content string) transport.Message {
	return transport.Message{ID: id, ChannelID: channel, AuthorID: "alice", AuthorRole: "mediator", Content: content, CreatedAt: 1700000600}
}

func insertEvent(channel string, message transport.Message) transport.PushEvent {
	return transport.PushEvent{
		Type:    transport.PushEventInsert,
		Table:   "chat_messages",
		Channel: channel,
		Message: message,
	}
}

func messageIDs(sequence []transport.Message) []string {
	ids := make([]string, len(sequence))
	for index, message := range sequence {
		ids[index] = message.ID
	}
	return ids
}

func equalIDs(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for index := range got {
		if got[index] != want[index] {
			return false
		}
	}
	return true
}

func TestLoadSeedsBacklogAndMergesLiveEvents(t *testing.T) {
	m1 := wireMessage("m1", "case-42", "first")
	m2 := wireMessage("m2", "case-42", "second")
	m3 := wireMessage("m3", "case-42", "third")

	backend := &fakeBackend{backlog: []transport.Message{m1, m2}}
	var latestCount int
	store := NewStore(StoreConfig{
		Backend:  backend,
		OnLatest: func(transport.Message) { latestCount++ },
	})
	store.Bind("case-42")

	if err := store.Load(context.Background()); err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}

	// Live delivery of a message already in the backlog is absorbed by the
	// id merge; a genuinely new one appends at the tail.
	store.Apply(insertEvent("case-42", m2))
	store.Apply(insertEvent("case-42", m3))

	if got := messageIDs(store.Messages()); !equalIDs(got, []string{"m1", "m2", "m3"}) {
		t.Fatalf("unexpected sequence %v", got)
	}
	if latestCount != 1 {
		t.Fatalf("expected scroll side effect exactly once, got %d", latestCount)
	}
	if !store.Loaded() {
		t.Fatalf("expected store to report loaded")
	}
}

func TestLiveEventBeforeBacklogIsPreserved(t *testing.T) {
	m1 := wireMessage("m1", "case-42", "first")
	m3 := wireMessage("m3", "case-42", "live before backlog")

	backend := &fakeBackend{backlog: []transport.Message{m1}}
	store := NewStore(StoreConfig{Backend: backend})
	store.Bind("case-42")

	store.Apply(insertEvent("case-42", m3))
	if err := store.Load(context.Background()); err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}

	// Backlog order wins for its own entries; live arrivals the backlog did
	// not contain keep their place after its tail.
	if got := messageIDs(store.Messages()); !equalIDs(got, []string{"m1", "m3"}) {
		t.Fatalf("unexpected sequence %v", got)
	}
}

func TestApplyDeduplicatesByID(t *testing.T) {
	store := NewStore(StoreConfig{Backend: &fakeBackend{}})
	store.Bind("case-42")

	message := wireMessage("m1", "case-42", "first")
	store.Apply(insertEvent("case-42", message))
	store.Apply(insertEvent("case-42", message))

	if got := len(store.Messages()); got != 1 {
		t.Fatalf("expected a single message, got %d", got)
	}
}

func TestApplyIgnoresForeignChannelAndNonInsert(t *testing.T) {
	store := NewStore(StoreConfig{Backend: &fakeBackend{}})
	store.Bind("case-42")

	store.Apply(insertEvent("case-7", wireMessage("m1", "case-7", "other case")))
	store.Apply(transport.PushEvent{Type: "DELETE", Channel: "case-42", Message: wireMessage("m2", "case-42", "x")})

	if got := len(store.Messages()); got != 0 {
		t.Fatalf("expected empty sequence, got %d messages", got)
	}
}

func TestLoadFailureKeepsLiveMergedMessages(t *testing.T) {
	backend := &fakeBackend{listErr: errors.New("backlog unavailable")}
	store := NewStore(StoreConfig{Backend: backend})
	store.Bind("case-42")

	live := wireMessage("m9", "case-42", "live")
	store.Apply(insertEvent("case-42", live))

	if err := store.Load(context.Background()); err == nil {
		t.Fatalf("expected load error")
	}
	if store.Err() == nil {
		t.Fatalf("expected inline error to be recorded")
	}
	if got := messageIDs(store.Messages()); !equalIDs(got, []string{"m9"}) {
		t.Fatalf("live-merged messages must survive a failed backlog fetch, got %v", got)
	}
	if store.Loaded() {
		t.Fatalf("store must not report loaded after a failed fetch")
	}
}

func TestLoadAfterRebindIsDiscarded(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{})
	backend := &fakeBackend{
		backlog:     []transport.Message{wireMessage("stale", "case-42", "old case")},
		listGate:    gate,
		listStarted: started,
	}
	store := NewStore(StoreConfig{Backend: backend})
	store.Bind("case-42")

	done := make(chan error, 1)
	go func() {
		done <- store.Load(context.Background())
	}()
	<-started

	// Rebind while the fetch is in flight; the resolution belongs to a dead
	// generation and must not touch the new channel's sequence.
	store.Bind("case-7")
	close(gate)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("stale load must resolve silently, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for load to resolve")
	}

	if got := len(store.Messages()); got != 0 {
		t.Fatalf("stale backlog leaked into rebound store: %d messages", got)
	}
	if store.Loaded() {
		t.Fatalf("rebound store must not report loaded")
	}
}

func TestLoadCancellationLeavesNoInlineError(t *testing.T) {
	gate := make(chan struct{})
	backend := &fakeBackend{listGate: gate}
	store := NewStore(StoreConfig{Backend: backend})
	store.Bind("case-42")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- store.Load(ctx)
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for cancelled load")
	}

	if store.Err() != nil {
		t.Fatalf("cancellation must not surface as an inline error, got %v", store.Err())
	}
}

func TestSendDoesNotInsertLocally(t *testing.T) {
	backend := &fakeBackend{}
	store := NewStore(StoreConfig{Backend: backend})
	store.Bind("case-42")

	if err := store.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}
	if got := len(store.Messages()); got != 0 {
		t.Fatalf("send must not append locally, got %d messages", got)
	}
	if len(backend.sent) != 1 || backend.sent[0] != "hello" {
		t.Fatalf("expected backend to receive the message, got %v", backend.sent)
	}
}

func TestSendSurfacesBackendError(t *testing.T) {
	backend := &fakeBackend{sendErr: errors.New("hub rejected")}
	store := NewStore(StoreConfig{Backend: backend})
	store.Bind("case-42")

	if err := store.Send(context.Background(), "hello"); err == nil {
		t.Fatalf("expected send error")
	}
}

func TestUnbindDiscardsState(t *testing.T) {
	store := NewStore(StoreConfig{Backend: &fakeBackend{}})
	store.Bind("case-42")
	store.Apply(insertEvent("case-42", wireMessage("m1", "case-42", "first")))

	store.Unbind()

	if got := len(store.Messages()); got != 0 {
		t.Fatalf("expected empty sequence after unbind, got %d", got)
	}
	store.Apply(insertEvent("case-42", wireMessage("m2", "case-42", "late")))
	if got := len(store.Messages()); got != 0 {
		t.Fatalf("unbound store must drop events, got %d", got)
	}
}
