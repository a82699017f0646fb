// Package registry tracks the fleet clients known to the coordinator and
// their liveness. Registry state is in-memory only: connectivity is ephemeral
// by nature, and a restarted server re-learns the fleet as clients poll.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/seantiz/drover/internal/model"
)

// ErrUnknownClient is returned for an identity that was never registered.
// The client should re-register to obtain a fresh identity.
var ErrUnknownClient = errors.New("unknown client identity")

// Registry holds known clients keyed by identity. All methods are safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*model.Client
	now     func() time.Time
}

// New creates an empty client registry.
func New() *Registry {
	return &Registry{
		clients: make(map[string]*model.Client),
		now:     time.Now,
	}
}

// Register records a client and returns its identity. With an empty id a new
// identity is issued. A known id is treated as a reconnect: the client
// transitions back to connected and its heartbeat refreshes. An unknown
// non-empty id (e.g. after a server restart) is re-admitted as-is, so
// clients survive coordinator restarts without losing their identity.
func (r *Registry) Register(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	if id == "" {
		id = model.NewClientID()
	}
	if c, ok := r.clients[id]; ok {
		c.State = model.ClientConnected
		c.LastSeen = now
		return id
	}
	r.clients[id] = &model.Client{
		ID:           id,
		State:        model.ClientConnected,
		RegisteredAt: now,
		LastSeen:     now,
	}
	return id
}

// Heartbeat refreshes a client's last-contact timestamp and marks it
// connected. Returns ErrUnknownClient if the identity was never registered.
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[id]
	if !ok {
		return ErrUnknownClient
	}
	c.State = model.ClientConnected
	c.LastSeen = r.now().UTC()
	return nil
}

// Get returns a copy of the client record.
func (r *Registry) Get(id string) (model.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[id]
	if !ok {
		return model.Client{}, ErrUnknownClient
	}
	return *c, nil
}

// List returns copies of all known clients, sorted by identity for a stable
// API response.
func (r *Registry) List() []model.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]model.Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, *c)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].ID < clients[j].ID
	})
	return clients
}

// MarkDisconnected transitions a client to disconnected. A no-op for unknown
// identities; the reconciliation sweep may race a purge.
func (r *Registry) MarkDisconnected(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[id]; ok {
		c.State = model.ClientDisconnected
	}
}

// Stale returns the identities of connected clients whose last heartbeat is
// older than timeout.
func (r *Registry) Stale(timeout time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := r.now().UTC().Add(-timeout)
	var stale []string
	for id, c := range r.clients {
		if c.State == model.ClientConnected && c.LastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	return stale
}

// Purge drops disconnected clients whose last heartbeat is older than
// retention, returning the removed identities sorted. Purged clients are
// not locked out: Register re-admits the same identity on reconnect.
func (r *Registry) Purge(retention time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().UTC().Add(-retention)
	var purged []string
	for id, c := range r.clients {
		if c.State == model.ClientDisconnected && c.LastSeen.Before(cutoff) {
			delete(r.clients, id)
			purged = append(purged, id)
		}
	}
	sort.Strings(purged)
	return purged
}

// ConnectedCount returns how many clients are currently connected.
func (r *Registry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, c := range r.clients {
		if c.State == model.ClientConnected {
			n++
		}
	}
	return n
}
