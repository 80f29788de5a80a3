package main

import (
	"sync"
	"time"
)

// codeRetryCap bounds collision retries in createRoom. Hitting it means the
// code space is effectively full.
const codeRetryCap = 1000

// RoomRegistry owns the set of live rooms, keyed by code. The code map is
// the only state shared across rooms; everything else belongs to the room
// itself.
type RoomRegistry struct {
	cfg *Config

	mu    sync.Mutex
	rooms map[string]*Room
}

func newRoomRegistry(cfg *Config) *RoomRegistry {
	registry := &RoomRegistry{
		cfg:   cfg,
		rooms: make(map[string]*Room),
	}
	if cfg.roomTimeout > 0 {
		go registry.reaperLoop()
	}
	return registry
}

// createRoom generates a code, retrying on collision, and registers a new
// empty room owned by the given teacher connection identity. Codes released
// by retireRoom are eligible for reuse.
func (registry *RoomRegistry) createRoom(teacherID string) (*Room, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	for attempt := 0; attempt < codeRetryCap; attempt++ {
		code := generateCode()
		if _, exists := registry.rooms[code]; exists {
			continue
		}

		room := newRoom(registry.cfg, registry, code, teacherID)
		registry.rooms[code] = room

		logf(registry.cfg, "ROOMS: Created room %s", code)

		return room, nil
	}

	return nil, errCapacityExceeded
}

// getRoom resolves a code to a live room. Lookup is case-insensitive.
func (registry *RoomRegistry) getRoom(code string) (*Room, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	room, ok := registry.rooms[normalizeCode(code)]
	if !ok {
		return nil, errRoomNotFound
	}
	return room, nil
}

// retireRoom removes a room, releasing its code for reuse, and disconnects
// everyone still in it.
func (registry *RoomRegistry) retireRoom(code string) {
	registry.mu.Lock()
	room, ok := registry.rooms[normalizeCode(code)]
	if ok {
		delete(registry.rooms, normalizeCode(code))
	}
	registry.mu.Unlock()

	if !ok {
		return
	}

	logf(registry.cfg, "ROOMS: Retired room %s", room.code)

	go room.closeAll()
}

func (registry *RoomRegistry) roomCount() int {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	return len(registry.rooms)
}

// reaperLoop periodically retires rooms idle longer than the configured
// timeout.
func (registry *RoomRegistry) reaperLoop() {
	ticker := time.NewTicker(registry.cfg.roomTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-registry.cfg.roomTimeout)

		registry.mu.Lock()
		var idle []*Room
		for code, room := range registry.rooms {
			room.mu.RLock()
			last := room.lastActive
			room.mu.RUnlock()

			if last.Before(cutoff) {
				delete(registry.rooms, code)
				idle = append(idle, room)
			}
		}
		registry.mu.Unlock()

		for _, room := range idle {
			logf(registry.cfg, "ROOMS: Reaped idle room %s", room.code)
			go room.closeAll()
		}
	}
}
