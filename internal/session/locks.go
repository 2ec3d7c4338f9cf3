package session

import "sync"

// userLocks hands out one mutex per user for the life of the process. Every
// path that touches a user's session or countdown serializes on it.
type userLocks struct {
	m sync.Map // user id -> *sync.Mutex
}

func (l *userLocks) lock(userID string) func() {
	v, _ := l.m.LoadOrStore(userID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
