// Package registry tracks the connections held by this process: who each one
// authenticated as and which rooms it has joined. It is never shared across
// instances; cluster-wide presence lives in the coordination store.
package registry

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/umar/guestchat/internal/models"
)

type entry struct {
	identity models.Identity
	rooms    map[string]struct{}
}

type Registry struct {
	mu    sync.RWMutex
	conns map[string]*entry
}

func New() *Registry {
	return &Registry{conns: make(map[string]*entry)}
}

// NewConnID returns a cluster-unique connection identifier.
func NewConnID() string {
	return uuid.NewString()
}

func (r *Registry) Add(connID string, identity models.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[connID] = &entry{identity: identity, rooms: make(map[string]struct{})}
}

func (r *Registry) Identity(connID string) (models.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	if !ok {
		return models.Identity{}, false
	}
	return e.identity, true
}

// MarkJoined records roomID for connID and reports whether it was newly added.
// Unknown connections report false.
func (r *Registry) MarkJoined(connID, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return false
	}
	if _, joined := e.rooms[roomID]; joined {
		return false
	}
	e.rooms[roomID] = struct{}{}
	return true
}

// MarkLeft drops roomID for connID and reports whether it had been joined.
func (r *Registry) MarkLeft(connID, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return false
	}
	if _, joined := e.rooms[roomID]; !joined {
		return false
	}
	delete(e.rooms, roomID)
	return true
}

func (r *Registry) IsJoined(connID, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	if !ok {
		return false
	}
	_, joined := e.rooms[roomID]
	return joined
}

// Rooms returns the rooms connID has joined, sorted.
func (r *Registry) Rooms(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	if !ok {
		return nil
	}
	return sortedRooms(e)
}

// Remove discards connID and returns the rooms it had joined. Only the first
// call for a connection reports ok.
func (r *Registry) Remove(connID string) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return nil, false
	}
	delete(r.conns, connID)
	return sortedRooms(e), true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func sortedRooms(e *entry) []string {
	rooms := make([]string, 0, len(e.rooms))
	for id := range e.rooms {
		rooms = append(rooms, id)
	}
	sort.Strings(rooms)
	return rooms
}
