package agentloop

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// SessionHandle tracks a session run in the background by a SessionManager.
type SessionHandle struct {
	Session *Session
	done    chan struct{}
	status  Status
	err     error
}

// Done is closed when the session's run has returned.
func (h *SessionHandle) Done() <-chan struct{} {
	return h.done
}

// Result returns the terminal status and error. It blocks until Done.
func (h *SessionHandle) Result() (Status, error) {
	<-h.done
	return h.status, h.err
}

// SessionManager runs independent sessions concurrently.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*SessionHandle
	metrics  *Metrics
	wg       sync.WaitGroup
}

// NewSessionManager creates an empty manager. metrics may be nil.
func NewSessionManager(metrics *Metrics) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*SessionHandle),
		metrics:  metrics,
	}
}

// Start creates a session and runs it in the background until it reaches
// a terminal status or ctx is cancelled.
func (m *SessionManager) Start(ctx context.Context, goal, workingRoot string, limits Limits, opts ...Option) (*SessionHandle, error) {
	if m.metrics != nil {
		opts = append([]Option{WithMetrics(m.metrics)}, opts...)
	}
	s, err := Start(goal, workingRoot, limits, opts...)
	if err != nil {
		return nil, err
	}
	return m.Run(ctx, s)
}

// Run registers an already started session and steps it in the background.
func (m *SessionManager) Run(ctx context.Context, s *Session) (*SessionHandle, error) {
	h := &SessionHandle{Session: s, done: make(chan struct{})}

	m.mu.Lock()
	if _, exists := m.sessions[s.ID()]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("session %s already registered", s.ID())
	}
	m.sessions[s.ID()] = h
	m.mu.Unlock()

	m.metrics.SessionStarted()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		h.status, h.err = s.Run(ctx)
		m.metrics.SessionEnded()
		close(h.done)
	}()
	return h, nil
}

// Lookup returns the handle for id, or nil.
func (m *SessionManager) Lookup(id string) *SessionHandle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// List returns the ids of all registered sessions, sorted.
func (m *SessionManager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Terminate cancels the session, waits for its run to return and forgets it.
func (m *SessionManager) Terminate(ctx context.Context, id string) (Status, error) {
	h := m.Lookup(id)
	if h == nil {
		return "", fmt.Errorf("session %s not found", id)
	}
	h.Session.Cancel()
	status, err := m.wait(ctx, h)
	if ctx.Err() == nil {
		m.forget(id, h)
	}
	return status, err
}

// Remove forgets a finished session so its id can be reused and its
// history released. Running sessions cannot be removed.
func (m *SessionManager) Remove(id string) error {
	h := m.Lookup(id)
	if h == nil {
		return fmt.Errorf("session %s not found", id)
	}
	select {
	case <-h.done:
	default:
		return fmt.Errorf("session %s is still running", id)
	}
	m.forget(id, h)
	return nil
}

func (m *SessionManager) forget(id string, h *SessionHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[id] == h {
		delete(m.sessions, id)
	}
}

// Wait blocks until the session's run returns or ctx is done.
func (m *SessionManager) Wait(ctx context.Context, id string) (Status, error) {
	h := m.Lookup(id)
	if h == nil {
		return "", fmt.Errorf("session %s not found", id)
	}
	return m.wait(ctx, h)
}

func (m *SessionManager) wait(ctx context.Context, h *SessionHandle) (Status, error) {
	select {
	case <-h.done:
		return h.status, h.err
	case <-ctx.Done():
		return h.Session.Status(), ctx.Err()
	}
}

// Shutdown cancels every running session and waits for all of them. The
// returned error aggregates the failures of sessions that ended failed.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	handles := make([]*SessionHandle, 0, len(m.sessions))
	for _, h := range m.sessions {
		handles = append(handles, h)
	}
	m.mu.RUnlock()

	for _, h := range handles {
		h.Session.Cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}

	var result *multierror.Error
	for _, h := range handles {
		if h.err != nil {
			result = multierror.Append(result, fmt.Errorf("session %s: %w", h.Session.ID(), h.err))
		}
	}
	return result.ErrorOrNil()
}
