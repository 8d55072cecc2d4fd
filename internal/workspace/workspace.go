package workspace

import (
	"context"
	"sync"

	"github.com/caseflowlabs/casewire/internal/messages"
	"github.com/caseflowlabs/casewire/internal/scope"
	"github.com/caseflowlabs/casewire/internal/subscription"
	"github.com/caseflowlabs/casewire/internal/transport"
	"go.uber.org/zap"
)

// Config describes the dependencies of a Workspace.
type Config struct {
	Backend  messages.Backend
	Dialer   subscription.Dialer
	Scope    *scope.Store
	Logger   *zap.Logger
	OnLatest func(transport.Message)
}

// Workspace is one mounted case surface: it owns the channel subscription,
// the message store, and their shared lifetime. Mounting a case points the
// active scope at it; unmounting tears every timer, fetch and subscription
// down so nothing outlives the surface.
type Workspace struct {
	store   *messages.Store
	manager *subscription.Manager
	scope   *scope.Store
	logger  *zap.Logger

	mu          sync.Mutex
	mounted     bool
	caseID      string
	cancel      context.CancelFunc
	unsubscribe func()
}

// New wires a Workspace and registers its scope-eviction reaction: when
// the active scope empties, the workspace unmounts itself.
func New(cfg Config) *Workspace {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ws := &Workspace{
		scope:  cfg.Scope,
		logger: logger,
	}
	ws.store = messages.NewStore(messages.StoreConfig{
		Backend:  cfg.Backend,
		Logger:   logger,
		OnLatest: cfg.OnLatest,
	})
	ws.manager = subscription.NewManager(subscription.ManagerConfig{
		Dialer:  cfg.Dialer,
		Logger:  logger,
		OnEvent: ws.store.Apply,
	})
	if cfg.Scope != nil {
		ws.unsubscribe = cfg.Scope.Subscribe(func(pointer scope.Pointer) {
			if pointer.Empty() {
				ws.Unmount()
			}
		})
	}
	return ws
}

// Mount focuses the workspace on caseID: sets the active scope, opens the
// push subscription, and starts the backlog fetch. Mounting the case that
// is already mounted is a no-op; mounting a different case remounts.
func (w *Workspace) Mount(ctx context.Context, caseID string) {
	w.mu.Lock()
	if w.mounted && w.caseID == caseID {
		w.mu.Unlock()
		return
	}
	if w.mounted {
		w.teardownLocked()
	}
	w.mounted = true
	w.caseID = caseID
	mountCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.store.Bind(subscription.ChannelName(caseID))
	w.mu.Unlock()

	w.scope.Set(caseID)
	w.manager.Open(mountCtx, caseID)
	go func() {
		_ = w.store.Load(mountCtx)
	}()

	w.logger.Info("case workspace mounted", zap.String("case_id", caseID))
}

// Unmount tears the surface down. Safe to call repeatedly.
func (w *Workspace) Unmount() {
	w.mu.Lock()
	if !w.mounted {
		w.mu.Unlock()
		return
	}
	caseID := w.caseID
	w.teardownLocked()
	w.mu.Unlock()

	w.logger.Info("case workspace unmounted", zap.String("case_id", caseID))
}

// Close unmounts and detaches the workspace from the scope store.
func (w *Workspace) Close() {
	w.Unmount()
	if w.unsubscribe != nil {
		w.unsubscribe()
	}
}

// CaseID returns the mounted case, empty when unmounted.
func (w *Workspace) CaseID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.mounted {
		return ""
	}
	return w.caseID
}

// Messages exposes the current message sequence.
func (w *Workspace) Messages() []transport.Message {
	return w.store.Messages()
}

// Send posts a message on the mounted channel.
func (w *Workspace) Send(ctx context.Context, content string) error {
	return w.store.Send(ctx, content)
}

// SubscriptionStatus exposes the push handle state for diagnostics.
func (w *Workspace) SubscriptionStatus() subscription.Status {
	return w.manager.Status()
}

// Store exposes the underlying message store.
func (w *Workspace) Store() *messages.Store {
	return w.store
}

func (w *Workspace) teardownLocked() {
	w.mounted = false
	w.caseID = ""
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.manager.Close()
	w.store.Unbind()
}
