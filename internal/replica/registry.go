package replica

import (
	"context"
	"errors"
	"sync"
)

var errMissingSessionFactory = errors.New("session factory is required")

// SessionFactory builds a stopped coordinator for the tenant.
type SessionFactory func(tenantID string) (*Coordinator, error)

// Registry holds at most one live session per tenant for the whole process.
// Open reuses the running session or creates and starts a new one; Close
// tears it down and removes it, so a logged-out tenant leaves no timers or
// subscriptions behind.
type Registry struct {
	factory SessionFactory

	mu       sync.Mutex
	sessions map[string]*Coordinator
}

// NewRegistry constructs an empty session registry.
func NewRegistry(factory SessionFactory) (*Registry, error) {
	if factory == nil {
		return nil, errMissingSessionFactory
	}
	return &Registry{
		factory:  factory,
		sessions: make(map[string]*Coordinator),
	}, nil
}

// Open returns the tenant's running session, creating and starting one when
// none exists. Concurrent opens for the same tenant share one session.
func (r *Registry) Open(ctx context.Context, tenantID string) (*Coordinator, error) {
	if tenantID == "" {
		return nil, errMissingTenantID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if session, ok := r.sessions[tenantID]; ok {
		return session, nil
	}

	session, err := r.factory(tenantID)
	if err != nil {
		return nil, err
	}
	if err := session.Start(ctx); err != nil {
		return nil, err
	}
	r.sessions[tenantID] = session
	return session, nil
}

// Close stops the tenant's session, if any, and removes it from the registry.
func (r *Registry) Close(tenantID string) {
	r.mu.Lock()
	session, ok := r.sessions[tenantID]
	if ok {
		delete(r.sessions, tenantID)
	}
	r.mu.Unlock()
	if ok {
		session.Close()
	}
}

// CloseAll stops every session; used on process shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Coordinator, 0, len(r.sessions))
	for tenantID, session := range r.sessions {
		sessions = append(sessions, session)
		delete(r.sessions, tenantID)
	}
	r.mu.Unlock()
	for _, session := range sessions {
		session.Close()
	}
}
