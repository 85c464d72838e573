package engine

import "sync"

// lockTable hands out one mutex per blocker id so lifecycle actions on
// the same blocker serialize while distinct blockers proceed in
// parallel. Entries are never reclaimed; the id space is small and
// bounded by the team's blocker volume.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// LockBlocker enters the per-blocker critical section used by the
// lifecycle actions. Collaborators that write blocker rows outside an
// action, like the follow-up scheduler, take it through here. The
// returned func releases the section.
func (e *Engine) LockBlocker(id string) func() {
	l := e.locks.forID(id)
	l.Lock()
	return l.Unlock
}

func (t *lockTable) forID(id string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.locks == nil {
		t.locks = make(map[string]*sync.Mutex)
	}
	l, ok := t.locks[id]
	if !ok {
		l = &sync.Mutex{}
		t.locks[id] = l
	}
	return l
}
