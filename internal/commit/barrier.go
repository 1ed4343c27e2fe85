package commit

import "sync"

// Barrier counts per-phase participant outcomes. Each key is claimed once and
// then marked done once per generation; the call that completes the last key
// is told so, exactly once. The first failure recorded in a generation wins.
type Barrier struct {
	mu        sync.Mutex
	gen       uint64
	pending   map[int]bool
	remaining int
	failed    bool
	failure   string
}

// Reset starts a new generation expecting keys and clears any failure.
func (b *Barrier) Reset(keys []int) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gen++
	b.pending = make(map[int]bool, len(keys))
	for _, k := range keys {
		b.pending[k] = false
	}
	b.remaining = len(b.pending)
	b.failed = false
	b.failure = ""
	return b.gen
}

// Claim reserves key in gen. It reports false for stale generations, unknown
// keys and keys already claimed.
func (b *Barrier) Claim(gen uint64, key int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.gen {
		return false
	}
	claimed, ok := b.pending[key]
	if !ok || claimed {
		return false
	}
	b.pending[key] = true
	return true
}

// Done completes a claimed key and reports whether it was the last one.
func (b *Barrier) Done(gen uint64, key int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.gen {
		return false
	}
	claimed, ok := b.pending[key]
	if !ok || !claimed {
		return false
	}
	delete(b.pending, key)
	b.remaining--
	return b.remaining == 0
}

// Arrive claims and completes key in one step.
func (b *Barrier) Arrive(gen uint64, key int) bool {
	if !b.Claim(gen, key) {
		return false
	}
	return b.Done(gen, key)
}

// Fail records msg unless a failure is already recorded for this generation.
// It reports whether msg was recorded.
func (b *Barrier) Fail(msg string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failed {
		return false
	}
	b.failed = true
	b.failure = msg
	return true
}

// Generation returns the current generation.
func (b *Barrier) Generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gen
}

// Failure returns the recorded failure of the current generation.
func (b *Barrier) Failure() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failure, b.failed
}

// Remaining reports how many keys have not completed.
func (b *Barrier) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remaining
}
