// Package registry holds named sessions for a process.
//
// A Registry is constructed once (by the CLI or an embedding program) and
// passed to whatever needs a session; there is no package-level state.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/tether/internal/session"
)

var (
	// ErrExists is returned by Init when the name is already registered.
	ErrExists = errors.New("session already registered")

	// ErrNotFound is returned by Get for an unknown name.
	ErrNotFound = errors.New("session not registered")
)

// Factory builds a session. It runs at most once per successful Init.
type Factory func() (*session.Session, error)

// Registry maps names to live sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
	logger   *slog.Logger
}

// New returns an empty Registry. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*session.Session),
		logger:   logger,
	}
}

// Init builds a session with factory and registers it under name.
func (r *Registry) Init(name string, factory Factory) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[name]; exists {
		return nil, fmt.Errorf("init %q: %w", name, ErrExists)
	}
	s, err := factory()
	if err != nil {
		return nil, fmt.Errorf("init %q: %w", name, err)
	}
	r.sessions[name] = s
	r.logger.Debug("session registered", "name", name)
	return s, nil
}

// Get returns the session registered under name.
func (r *Registry) Get(name string) (*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[name]
	if !ok {
		return nil, fmt.Errorf("get %q: %w", name, ErrNotFound)
	}
	return s, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset closes every session and empties the registry.
func (r *Registry) Reset() error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*session.Session)
	r.mu.Unlock()

	// Close outside the lock; Close rejects pending requests and their
	// waiters may call back into the registry.
	var errs []error
	for name, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %q: %w", name, err))
		}
		r.logger.Debug("session closed", "name", name)
	}
	return errors.Join(errs...)
}

// Remove closes the session registered under name and forgets it.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	s, ok := r.sessions[name]
	delete(r.sessions, name)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("remove %q: %w", name, ErrNotFound)
	}
	r.logger.Debug("session removed", "name", name)
	return s.Close()
}
