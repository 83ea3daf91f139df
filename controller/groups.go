package controller

import "sync"

// groupTable serializes runs that share a concurrency group. Exactly
// one run of a group executes at a time; the policy decides what
// happens to the in-flight run when a new one arrives.
type groupTable struct {
	mu sync.Mutex
	m  map[string]*group
}

type group struct {
	active  string
	waiting []waiter
}

type waiter struct {
	runId string
	start func()
}

func newGroupTable() *groupTable {
	return &groupTable{m: make(map[string]*group)}
}

// Acquire claims the group for runId. The return values are the
// instruction to the caller: start now or stay queued, plus any runs
// the cancel-in-progress policy displaced.
func (t *groupTable) Acquire(key, runId string, cancelInProgress bool, start func()) (startNow bool, displaced []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	g := t.m[key]
	if g == nil {
		t.m[key] = &group{active: runId}
		return true, nil
	}

	if g.active == "" {
		g.active = runId
		return true, nil
	}

	if cancelInProgress {
		displaced = append(displaced, g.active)
		for _, w := range g.waiting {
			displaced = append(displaced, w.runId)
		}
		// displaced waiters stay in line until their cancel takes
		// them out through Leave, under this same lock
		g.active = runId
		return true, displaced
	}

	g.waiting = append(g.waiting, waiter{runId: runId, start: start})
	return false, nil
}

// Release gives the group up once runId's scheduler has drained. If
// runId still holds the group, the oldest waiter is promoted and its
// start hook returned for the caller to invoke outside the lock.
// Displaced runs no longer hold the group; their release is a no-op.
func (t *groupTable) Release(key, runId string) (promoted func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	g := t.m[key]
	if g == nil || g.active != runId {
		return nil
	}

	if len(g.waiting) > 0 {
		next := g.waiting[0]
		g.waiting = g.waiting[1:]
		g.active = next.runId
		return next.start
	}
	delete(t.m, key)
	return nil
}

// Leave removes runId from the group's wait line and reports whether
// it was still waiting. The decision happens under the table's lock,
// so a run is either taken out before its promotion or found active;
// there is no window where both hold. Active runs are left in place,
// their Release happens when the scheduler drains.
func (t *groupTable) Leave(key, runId string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	g := t.m[key]
	if g == nil {
		return false
	}
	for i, w := range g.waiting {
		if w.runId == runId {
			g.waiting = append(g.waiting[:i], g.waiting[i+1:]...)
			return true
		}
	}
	return false
}

// Waiting reports how many runs are queued behind the group.
func (t *groupTable) Waiting(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if g := t.m[key]; g != nil {
		return len(g.waiting)
	}
	return 0
}
