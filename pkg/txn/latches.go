package txn

import (
	"context"
	"sort"
	"sync"
)

// Latches are per-key locks taken by the coordinator for the lifetime of a
// transaction, so that two transactions from this node never race on the
// same keys. All keys of a transaction are latched at once.
type Latches struct {
	mu       sync.Mutex
	latchMap map[string]chan struct{}
}

func NewLatches() *Latches {
	return &Latches{latchMap: make(map[string]chan struct{})}
}

// tryAcquire latches every key or returns the channel of a latch that is
// already held.
func (l *Latches) tryAcquire(keys []string) <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, k := range keys {
		if ch, ok := l.latchMap[k]; ok {
			return ch
		}
	}

	ch := make(chan struct{})
	for _, k := range keys {
		l.latchMap[k] = ch
	}
	return nil
}

// Acquire blocks until all keys are latched or ctx is done. Returns the
// deduplicated key set to pass to Release.
func (l *Latches) Acquire(ctx context.Context, keys [][]byte) ([]string, error) {
	set := dedupe(keys)
	for {
		wait := l.tryAcquire(set)
		if wait == nil {
			return set, nil
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release frees keys latched together by one Acquire and wakes the waiters.
func (l *Latches) Release(keys []string) {
	if len(keys) == 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.latchMap[keys[0]]
	if !ok {
		return
	}
	for _, k := range keys {
		delete(l.latchMap, k)
	}
	close(ch)
}

func (l *Latches) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.latchMap)
}

func dedupe(keys [][]byte) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		s := string(k)
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
