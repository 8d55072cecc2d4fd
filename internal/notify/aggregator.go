package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/caseflowlabs/casewire/internal/scope"
	"github.com/caseflowlabs/casewire/internal/transport"
	"go.uber.org/zap"
)

const relatedChannelsKeyPrefix = "channels:"

// Backend is the slice of the hub client the aggregator needs.
type Backend interface {
	ListNotifications(ctx context.Context) ([]transport.Notification, error)
	MarkAllRead(ctx context.Context) error
	MarkRead(ctx context.Context, notificationID string) error
	DeleteNotification(ctx context.Context, notificationID string) error
	ListCaseConversations(ctx context.Context, caseID string) ([]transport.Conversation, error)
}

// ScopeStore is the slice of the active-scope store the aggregator needs.
type ScopeStore interface {
	Active() scope.Pointer
	SetRelated(key, value string)
	Evict()
}

// AggregatorConfig describes the dependencies of an Aggregator.
type AggregatorConfig struct {
	Backend              Backend
	Scope                ScopeStore
	Logger               *zap.Logger
	NotificationInterval time.Duration
	ConversationInterval time.Duration
}

// Aggregator runs the two polling loops behind the notification feed and
// the unread badge. Both loops fire immediately on Start and then on their
// fixed interval; Trigger forces an extra round. State is always replaced
// wholesale from a successful poll, never incrementally patched, so client
// and server cannot drift for longer than one interval.
type Aggregator struct {
	backend              Backend
	scope                ScopeStore
	logger               *zap.Logger
	notificationInterval time.Duration
	conversationInterval time.Duration

	mu            sync.Mutex
	notifications []transport.Notification
	unread        int64
	convCache     map[string][]transport.Conversation
	pollErr       error

	notifKick chan struct{}
	convKick  chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   bool
}

// NewAggregator constructs a stopped Aggregator.
func NewAggregator(cfg AggregatorConfig) *Aggregator {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	notificationInterval := cfg.NotificationInterval
	if notificationInterval <= 0 {
		notificationInterval = 30 * time.Second
	}
	conversationInterval := cfg.ConversationInterval
	if conversationInterval <= 0 {
		conversationInterval = 15 * time.Second
	}
	return &Aggregator{
		backend:              cfg.Backend,
		scope:                cfg.Scope,
		logger:               logger,
		notificationInterval: notificationInterval,
		conversationInterval: conversationInterval,
		convCache:            map[string][]transport.Conversation{},
		notifKick:            make(chan struct{}, 1),
		convKick:             make(chan struct{}, 1),
	}
}

// Start launches both polling loops. They stop when ctx is cancelled or
// Stop is called.
func (a *Aggregator) Start(ctx context.Context) {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return
	}
	a.started = true
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()

	a.wg.Add(2)
	go a.pollLoop(runCtx, a.notificationInterval, a.notifKick, a.pollNotifications)
	go a.pollLoop(runCtx, a.conversationInterval, a.convKick, a.pollConversations)
}

// Stop cancels both loops and waits for them to drain.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.started = false
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
}

// Trigger forces an immediate refresh of both loops.
func (a *Aggregator) Trigger() {
	select {
	case a.notifKick <- struct{}{}:
	default:
	}
	select {
	case a.convKick <- struct{}{}:
	default:
	}
}

// Notifications returns a copy of the current notification set.
func (a *Aggregator) Notifications() []transport.Notification {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]transport.Notification, len(a.notifications))
	copy(out, a.notifications)
	return out
}

// Unread returns the derived unread total for the active case.
func (a *Aggregator) Unread() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unread
}

// Err returns the most recent poll failure, nil after a clean round.
func (a *Aggregator) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pollErr
}

// MarkAllRead optimistically flips every local notification to read, then
// fires the server call. A failed call is not rolled back: the next poll
// tick is the sole source of truth and self-heals within one interval.
func (a *Aggregator) MarkAllRead(ctx context.Context) error {
	a.mu.Lock()
	for index := range a.notifications {
		a.notifications[index].Read = true
	}
	a.mu.Unlock()

	if err := a.backend.MarkAllRead(ctx); err != nil {
		a.logger.Warn("mark-all-read failed, awaiting poll reconciliation", zap.Error(err))
		return err
	}
	return nil
}

// MarkRead flips one notification locally and server-side, with the same
// no-rollback policy as MarkAllRead.
func (a *Aggregator) MarkRead(ctx context.Context, notificationID string) error {
	a.mu.Lock()
	for index := range a.notifications {
		if a.notifications[index].ID == notificationID {
			a.notifications[index].Read = true
			break
		}
	}
	a.mu.Unlock()

	if err := a.backend.MarkRead(ctx, notificationID); err != nil {
		a.logger.Warn("mark-read failed, awaiting poll reconciliation",
			zap.String("notification_id", notificationID), zap.Error(err))
		return err
	}
	return nil
}

// Delete removes a notification pessimistically: the local copy stays
// until the server confirms, because a silent local delete after a failed
// call would lose data without recovery.
func (a *Aggregator) Delete(ctx context.Context, notificationID string) error {
	if err := a.backend.DeleteNotification(ctx, notificationID); err != nil {
		return err
	}

	a.mu.Lock()
	kept := a.notifications[:0]
	for _, notification := range a.notifications {
		if notification.ID != notificationID {
			kept = append(kept, notification)
		}
	}
	a.notifications = kept
	a.mu.Unlock()
	return nil
}

func (a *Aggregator) pollLoop(ctx context.Context, interval time.Duration, kick <-chan struct{}, poll func(context.Context)) {
	defer a.wg.Done()

	poll(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			poll(ctx)
		case <-kick:
			poll(ctx)
		}
	}
}

func (a *Aggregator) pollNotifications(ctx context.Context) {
	notifications, err := a.backend.ListNotifications(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		a.recordErr(err)
		a.logger.Warn("notification poll failed", zap.Error(err))
		return
	}

	a.mu.Lock()
	a.notifications = notifications
	a.pollErr = nil
	a.mu.Unlock()
}

func (a *Aggregator) pollConversations(ctx context.Context) {
	pointer := a.scope.Active()
	if pointer.Empty() {
		a.mu.Lock()
		a.unread = 0
		a.mu.Unlock()
		return
	}

	conversations, err := a.backend.ListCaseConversations(ctx, pointer.CaseID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, transport.ErrForbidden) {
			a.handleAccessRevoked(pointer.CaseID)
			return
		}
		a.recordErr(err)
		a.logger.Warn("conversation poll failed",
			zap.String("case_id", pointer.CaseID), zap.Error(err))
		return
	}

	var total int64
	channels := make([]string, 0, len(conversations))
	for _, conversation := range conversations {
		total += conversation.UnreadCount
		channels = append(channels, conversation.ChannelID)
	}

	a.mu.Lock()
	a.unread = total
	a.convCache[pointer.CaseID] = conversations
	a.pollErr = nil
	a.mu.Unlock()

	a.scope.SetRelated(relatedChannelsKeyPrefix+pointer.CaseID, strings.Join(channels, ","))
}

// handleAccessRevoked is the one error path that mutates cross-component
// state: the caller lost access to the case mid-session, so every cached
// case identifier is dropped, the badge zeroes, and the scope eviction is
// broadcast for the rest of the engine to react in the same tick.
func (a *Aggregator) handleAccessRevoked(caseID string) {
	a.mu.Lock()
	a.convCache = map[string][]transport.Conversation{}
	a.unread = 0
	a.pollErr = nil
	a.mu.Unlock()

	a.logger.Info("case access revoked, evicting active scope",
		zap.String("case_id", caseID))
	a.scope.Evict()
}

func (a *Aggregator) recordErr(err error) {
	a.mu.Lock()
	a.pollErr = err
	a.mu.Unlock()
}
