package scope

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const stateFileName = "active_scope.json"

// Pointer is the shared "case currently in focus" value. SetAt orders
// concurrent writers: the newest write wins everywhere.
type Pointer struct {
	CaseID string `json:"case_id"`
	SetAt  int64  `json:"set_at_ms"`
}

// Empty reports whether no case is in focus.
func (p Pointer) Empty() bool {
	return p.CaseID == ""
}

type persistedState struct {
	Pointer Pointer           `json:"pointer"`
	Related map[string]string `json:"related,omitempty"`
}

// StoreConfig describes the dependencies of the scope store.
type StoreConfig struct {
	StateDir string
	Clock    func() time.Time
	Logger   *zap.Logger
	// Watch enables the cross-process path: external writes to the state
	// file are observed and fed through the same reconcile function as
	// local writes.
	Watch bool
}

// Store holds the active-scope pointer plus related cached identifiers,
// persists them to a state file shared by every engine process of the same
// profile, and notifies in-process subscribers synchronously on change.
type Store struct {
	stateFile string
	clock     func() time.Time
	logger    *zap.Logger
	watcher   *fsnotify.Watcher

	mu          sync.Mutex
	pointer     Pointer
	related     map[string]string
	subscribers map[int64]func(Pointer)
	nextSubID   int64
	closed      bool
}

// NewStore loads or initializes the shared state file and, when configured,
// starts watching it for writes by other processes.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.StateDir == "" {
		return nil, fmt.Errorf("scope: state dir is required")
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	store := &Store{
		stateFile:   filepath.Join(cfg.StateDir, stateFileName),
		clock:       clock,
		logger:      logger,
		related:     map[string]string{},
		subscribers: map[int64]func(Pointer){},
	}

	if state, err := loadState(store.stateFile); err == nil {
		store.pointer = state.Pointer
		if state.Related != nil {
			store.related = state.Related
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		logger.Warn("scope state unreadable, starting empty", zap.Error(err))
	}

	if cfg.Watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, err
		}
		if err := watcher.Add(cfg.StateDir); err != nil {
			_ = watcher.Close()
			return nil, err
		}
		store.watcher = watcher
		go store.watchLoop()
	}

	return store, nil
}

// Active returns the current pointer.
func (s *Store) Active() Pointer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pointer
}

// Set points the active scope at caseID and broadcasts the change. The
// write is persisted so other processes converge via the file watch.
func (s *Store) Set(caseID string) {
	s.mu.Lock()
	pointer := Pointer{CaseID: caseID, SetAt: s.clock().UnixMilli()}
	s.pointer = pointer
	s.persistLocked()
	listeners := s.listenersLocked()
	s.mu.Unlock()

	notify(listeners, pointer)
}

// SetRelated caches an identifier tied to the active scope. Related keys
// are evicted together with the pointer.
func (s *Store) SetRelated(key, value string) {
	s.mu.Lock()
	s.related[key] = value
	s.persistLocked()
	s.mu.Unlock()
}

// Related returns a cached identifier, if present.
func (s *Store) Related(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.related[key]
	return value, ok
}

// Evict clears the pointer and every related key, persists the cleared
// state, and broadcasts exactly once. Dependent components treat the empty
// pointer as "no active case".
func (s *Store) Evict() {
	s.mu.Lock()
	pointer := Pointer{SetAt: s.clock().UnixMilli()}
	s.pointer = pointer
	s.related = map[string]string{}
	s.persistLocked()
	listeners := s.listenersLocked()
	s.mu.Unlock()

	notify(listeners, pointer)
}

// Subscribe registers a listener invoked synchronously on every pointer
// change. The returned function removes the listener.
func (s *Store) Subscribe(listener func(Pointer)) func() {
	s.mu.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.subscribers[id] = listener
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

// Close stops the file watcher. The in-memory state stays readable.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	watcher := s.watcher
	s.mu.Unlock()
	if watcher != nil {
		return watcher.Close()
	}
	return nil
}

func (s *Store) watchLoop() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.stateFile {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			state, err := loadState(s.stateFile)
			if err != nil {
				continue
			}
			s.applyExternal(state)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("scope watch error", zap.Error(err))
		}
	}
}

// applyExternal reconciles a state observed from another process. Both the
// local write path and the watch path converge here: last writer wins.
func (s *Store) applyExternal(state persistedState) {
	s.mu.Lock()
	if state.Pointer.SetAt <= s.pointer.SetAt {
		s.mu.Unlock()
		return
	}
	s.pointer = state.Pointer
	s.related = map[string]string{}
	for key, value := range state.Related {
		s.related[key] = value
	}
	pointer := s.pointer
	listeners := s.listenersLocked()
	s.mu.Unlock()

	notify(listeners, pointer)
}

func (s *Store) listenersLocked() []func(Pointer) {
	listeners := make([]func(Pointer), 0, len(s.subscribers))
	for _, listener := range s.subscribers {
		listeners = append(listeners, listener)
	}
	return listeners
}

func (s *Store) persistLocked() {
	state := persistedState{Pointer: s.pointer, Related: s.related}
	payload, err := json.Marshal(state)
	if err != nil {
		s.logger.Warn("scope state marshal failed", zap.Error(err))
		return
	}
	tmp := s.stateFile + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		s.logger.Warn("scope state write failed", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, s.stateFile); err != nil {
		s.logger.Warn("scope state rename failed", zap.Error(err))
	}
}

func loadState(path string) (persistedState, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return persistedState{}, err
	}
	var state persistedState
	if err := json.Unmarshal(payload, &state); err != nil {
		return persistedState{}, err
	}
	return state, nil
}

func notify(listeners []func(Pointer), pointer Pointer) {
	for _, listener := range listeners {
		listener(pointer)
	}
}
