package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/caseflowlabs/casewire/internal/transport"
	"go.uber.org/zap"
)

// Status is the lifecycle state of a channel handle. A closed handle is
// never reused; a fresh connecting cycle is required.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusOpen       Status = "open"
	StatusClosed     Status = "closed"
)

const (
	defaultRetryAttempts  = 3
	defaultRetryBaseDelay = 250 * time.Millisecond
)

// ChannelName binds a case/thread scope identifier to its push channel.
func ChannelName(scopeID string) string {
	return "case-" + scopeID
}

// Subscription is one live push subscription.
type Subscription interface {
	Events() <-chan transport.PushEvent
	Done() <-chan struct{}
	Err() error
	Close()
}

// Dialer opens push subscriptions.
type Dialer interface {
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// PushAdapter lets the concrete transport dialer satisfy Dialer.
type PushAdapter struct {
	Dialer *transport.PushDialer
}

func (a PushAdapter) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	sub, err := a.Dialer.Subscribe(ctx, channel)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// ManagerConfig describes the dependencies of a Manager.
type ManagerConfig struct {
	Dialer  Dialer
	OnEvent func(transport.PushEvent)
	Logger  *zap.Logger
	// RetryAttempts bounds how many dials a connecting cycle makes before
	// giving up; delays double from RetryBaseDelay between attempts.
	RetryAttempts  int
	RetryBaseDelay time.Duration
}

// Manager owns at most one live push subscription for one mounted surface.
// Re-opening the current scope while its handle is live is a no-op;
// opening a different scope tears the old handle down first.
type Manager struct {
	dialer         Dialer
	onEvent        func(transport.PushEvent)
	logger         *zap.Logger
	retryAttempts  int
	retryBaseDelay time.Duration

	mu         sync.Mutex
	status     Status
	scopeID    string
	generation int
	cancel     context.CancelFunc
	sub        Subscription
}

// NewManager constructs an idle Manager.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}
	baseDelay := cfg.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultRetryBaseDelay
	}
	return &Manager{
		dialer:         cfg.Dialer,
		onEvent:        cfg.OnEvent,
		logger:         logger,
		retryAttempts:  attempts,
		retryBaseDelay: baseDelay,
		status:         StatusIdle,
	}
}

// Status returns the current handle state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Scope returns the scope identifier the current handle is bound to.
func (m *Manager) Scope() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scopeID
}

// Open binds the manager to scopeID and starts a connecting cycle. Calling
// it again with the same scope while the handle is connecting or open is a
// no-op. The transition to connecting is synchronous; the dial itself is
// not, so callers never block on it.
func (m *Manager) Open(ctx context.Context, scopeID string) {
	m.mu.Lock()
	if m.scopeID == scopeID && (m.status == StatusConnecting || m.status == StatusOpen) {
		m.mu.Unlock()
		return
	}

	m.teardownLocked()
	m.generation++
	generation := m.generation
	m.scopeID = scopeID
	m.status = StatusConnecting
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	go m.run(runCtx, generation, scopeID)
}

// Close tears the current handle down. The manager ends in closed and
// requires a new Open to subscribe again.
func (m *Manager) Close() {
	m.mu.Lock()
	m.teardownLocked()
	m.generation++
	m.status = StatusClosed
	m.mu.Unlock()
}

func (m *Manager) run(ctx context.Context, generation int, scopeID string) {
	channel := ChannelName(scopeID)

	var sub Subscription
	for attempt := 1; ; attempt++ {
		opened, err := m.dialer.Subscribe(ctx, channel)
		if err == nil {
			sub = opened
			break
		}
		if ctx.Err() != nil {
			return
		}
		if attempt >= m.retryAttempts {
			m.logger.Warn("push subscription failed, surface is backlog-only",
				zap.String("channel", channel),
				zap.Int("attempts", attempt),
				zap.Error(err))
			m.markClosed(generation)
			return
		}
		m.logger.Debug("push subscription dial failed, retrying",
			zap.String("channel", channel),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if !m.waitRetry(ctx, attempt) {
			return
		}
	}

	m.mu.Lock()
	if m.generation != generation {
		m.mu.Unlock()
		sub.Close()
		return
	}
	m.sub = sub
	m.status = StatusOpen
	m.mu.Unlock()

	m.logger.Debug("push subscription open", zap.String("channel", channel))

	for event := range sub.Events() {
		if m.onEvent != nil && m.currentGeneration() == generation {
			m.onEvent(event)
		}
	}

	<-sub.Done()
	if err := sub.Err(); err != nil && ctx.Err() == nil {
		m.logger.Warn("push subscription lost",
			zap.String("channel", channel),
			zap.Error(err))
	}
	m.markClosed(generation)
}

func (m *Manager) waitRetry(ctx context.Context, attempt int) bool {
	delay := m.retryBaseDelay << (attempt - 1)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (m *Manager) currentGeneration() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

func (m *Manager) markClosed(generation int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation != generation {
		return
	}
	m.status = StatusClosed
	m.sub = nil
}

func (m *Manager) teardownLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.sub != nil {
		m.sub.Close()
		m.sub = nil
	}
}
