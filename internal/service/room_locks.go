package service

import "sync"

// RoomLocks per-room mutexes shared by every service that publishes room
// events. Holding a room's lock from commit through publish keeps the event
// order equal to the commit order.
type RoomLocks struct {
	mu    sync.Mutex
	rooms map[string]*roomLock
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

func NewRoomLocks() *RoomLocks {
	return &RoomLocks{rooms: make(map[string]*roomLock)}
}

// Lock blocks until roomID is free; call the returned func to release it
func (l *RoomLocks) Lock(roomID string) (unlock func()) {
	l.mu.Lock()
	rl := l.rooms[roomID]
	if rl == nil {
		rl = &roomLock{}
		l.rooms[roomID] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.rooms, roomID)
		}
		l.mu.Unlock()
	}
}

func (l *RoomLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rooms)
}
