package messages

import (
	"context"
	"sync"

	"github.com/caseflowlabs/casewire/internal/transport"
	"go.uber.org/zap"
)

// Backend is the slice of the hub client the store needs.
type Backend interface {
	ListMessages(ctx context.Context, channelID string) ([]transport.Message, error)
	SendMessage(ctx context.Context, channelID, content string) (transport.Message, error)
}

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Backend Backend
	Logger  *zap.Logger
	// OnLatest fires once for every live event that actually appends a new
	// message (the scroll-to-latest side effect). Backlog seeding never
	// fires it.
	OnLatest func(transport.Message)
}

// Store holds the ordered, de-duplicated message sequence for one bound
// channel. Two delivery paths feed it: the one-shot backlog fetch and the
// live push stream. Identity of a message is its id alone; membership
// testing against the seen set replaces mutual exclusion between the two
// paths.
type Store struct {
	backend  Backend
	logger   *zap.Logger
	onLatest func(transport.Message)

	mu         sync.Mutex
	channel    string
	generation int
	sequence   []transport.Message
	seen       map[string]struct{}
	loadErr    error
	loaded     bool
}

// NewStore constructs an unbound Store.
func NewStore(cfg StoreConfig) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		backend:  cfg.Backend,
		logger:   logger,
		onLatest: cfg.OnLatest,
		seen:     map[string]struct{}{},
	}
}

// Bind points the store at a channel, discarding all prior state. Any
// in-flight backlog fetch for the previous channel becomes a stale
// generation and can no longer mutate the sequence.
func (s *Store) Bind(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel = channelID
	s.generation++
	s.sequence = nil
	s.seen = map[string]struct{}{}
	s.loadErr = nil
	s.loaded = false
}

// Unbind detaches the store from its channel. Late backlog resolutions are
// discarded from here on.
func (s *Store) Unbind() {
	s.Bind("")
}

// Load performs the one-shot backlog fetch for the bound channel. The
// fetch is cancellable through ctx; a resolution that arrives after the
// store moved on (unbind or rebind) is dropped without mutating state.
// Failure records an inline error and keeps every message already merged
// from live events.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	channel := s.channel
	generation := s.generation
	s.mu.Unlock()
	if channel == "" {
		return nil
	}

	backlog, err := s.backend.ListMessages(ctx, channel)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != generation {
		return nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.loadErr = err
		s.logger.Warn("backlog fetch failed",
			zap.String("channel", channel),
			zap.Error(err))
		return err
	}

	s.seedLocked(backlog)
	s.loadErr = nil
	s.loaded = true
	return nil
}

// Apply merges one live event. An id already present in the sequence makes
// the event a no-op; otherwise the message is appended to the tail and the
// scroll side effect fires.
func (s *Store) Apply(event transport.PushEvent) {
	if event.Type != transport.PushEventInsert {
		return
	}

	s.mu.Lock()
	if s.channel == "" || event.Channel != s.channel {
		s.mu.Unlock()
		return
	}
	message := event.Message
	if _, duplicate := s.seen[message.ID]; duplicate {
		s.mu.Unlock()
		return
	}
	s.seen[message.ID] = struct{}{}
	s.sequence = append(s.sequence, message)
	onLatest := s.onLatest
	s.mu.Unlock()

	if onLatest != nil {
		onLatest(message)
	}
}

// Send posts a message to the bound channel. The store does not insert the
// result; the sender's own message surfaces through the live path and the
// id-dedup merge, like everyone else's.
func (s *Store) Send(ctx context.Context, content string) error {
	s.mu.Lock()
	channel := s.channel
	s.mu.Unlock()
	if channel == "" {
		return nil
	}
	_, err := s.backend.SendMessage(ctx, channel, content)
	return err
}

// Messages returns a copy of the current sequence.
func (s *Store) Messages() []transport.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transport.Message, len(s.sequence))
	copy(out, s.sequence)
	return out
}

// Err returns the inline backlog error, nil once a fetch has succeeded.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadErr
}

// Loaded reports whether a backlog fetch has completed successfully.
func (s *Store) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// seedLocked installs the backlog in server order, then carries over any
// live-merged messages the backlog did not contain, preserving their
// append order after the backlog tail.
func (s *Store) seedLocked(backlog []transport.Message) {
	merged := make([]transport.Message, 0, len(backlog)+len(s.sequence))
	seen := make(map[string]struct{}, len(backlog)+len(s.sequence))
	for _, message := range backlog {
		if _, duplicate := seen[message.ID]; duplicate {
			continue
		}
		seen[message.ID] = struct{}{}
		merged = append(merged, message)
	}
	for _, message := range s.sequence {
		if _, duplicate := seen[message.ID]; duplicate {
			continue
		}
		seen[message.ID] = struct{}{}
		merged = append(merged, message)
	}
	s.sequence = merged
	s.seen = seen
}
