package bus

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"
)

const memoryPopPoll = 10 * time.Millisecond

// MemoryBus is an in-process bus for local/dev use and tests. Blocking pops
// poll on a short interval, mirroring the wait-with-timeout contract of the
// Redis implementation.
type MemoryBus struct {
	mu      sync.Mutex
	queues  map[string][][]byte
	slots   map[string]slot
	ordered map[string][]Scored
	expiry  map[string]time.Time
}

type slot struct {
	value     []byte
	expiresAt time.Time
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		queues:  make(map[string][][]byte),
		slots:   make(map[string]slot),
		ordered: make(map[string][]Scored),
		expiry:  make(map[string]time.Time),
	}
}

func (b *MemoryBus) Push(_ context.Context, key string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropIfExpired(key)
	cp := append([]byte(nil), payload...)
	b.queues[key] = append(b.queues[key], cp)
	return nil
}

func (b *MemoryBus) Pop(ctx context.Context, key string, timeout time.Duration) ([]byte, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		b.mu.Lock()
		b.dropIfExpired(key)
		if q := b.queues[key]; len(q) > 0 {
			head := q[0]
			b.queues[key] = q[1:]
			b.mu.Unlock()
			return head, true, nil
		}
		b.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(memoryPopPoll):
		}
	}
}

func (b *MemoryBus) Items(_ context.Context, key string) ([][]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropIfExpired(key)
	q := b.queues[key]
	out := make([][]byte, len(q))
	for i, item := range q {
		out[i] = append([]byte(nil), item...)
	}
	return out, nil
}

func (b *MemoryBus) Remove(_ context.Context, key string, payload []byte) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropIfExpired(key)
	q := b.queues[key]
	for i, item := range q {
		if bytes.Equal(item, payload) {
			b.queues[key] = append(q[:i:i], q[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (b *MemoryBus) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := slot{value: append([]byte(nil), value...)}
	if ttl > 0 {
		s.expiresAt = time.Now().Add(ttl)
	}
	b.slots[key] = s
	return nil
}

func (b *MemoryBus) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.slots[key]
	if !ok {
		return nil, false, nil
	}
	if !s.expiresAt.IsZero() && time.Now().After(s.expiresAt) {
		delete(b.slots, key)
		return nil, false, nil
	}
	return append([]byte(nil), s.value...), true, nil
}

func (b *MemoryBus) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.slots, key)
	return nil
}

func (b *MemoryBus) OrderedAdd(_ context.Context, key string, score int64, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropIfExpired(key)
	member := Scored{Score: score, Payload: append([]byte(nil), payload...)}
	set := b.ordered[key]
	idx := sort.Search(len(set), func(i int) bool { return set[i].Score >= score })
	if idx < len(set) && set[idx].Score == score {
		set[idx] = member
	} else {
		set = append(set, Scored{})
		copy(set[idx+1:], set[idx:])
		set[idx] = member
	}
	b.ordered[key] = set
	return nil
}

func (b *MemoryBus) OrderedSince(_ context.Context, key string, after int64) ([]Scored, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropIfExpired(key)
	set := b.ordered[key]
	idx := sort.Search(len(set), func(i int) bool { return set[i].Score > after })
	out := make([]Scored, 0, len(set)-idx)
	for _, m := range set[idx:] {
		out = append(out, Scored{Score: m.Score, Payload: append([]byte(nil), m.Payload...)})
	}
	return out, nil
}

func (b *MemoryBus) OrderedMax(_ context.Context, key string) (int64, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropIfExpired(key)
	set := b.ordered[key]
	if len(set) == 0 {
		return 0, false, nil
	}
	return set[len(set)-1].Score, true, nil
}

func (b *MemoryBus) Expire(_ context.Context, key string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ttl <= 0 {
		delete(b.expiry, key)
		return nil
	}
	b.expiry[key] = time.Now().Add(ttl)
	return nil
}

func (b *MemoryBus) Close() error { return nil }

// dropIfExpired enforces Expire() deadlines on queues and ordered sets.
// Caller must hold b.mu.
func (b *MemoryBus) dropIfExpired(key string) {
	at, ok := b.expiry[key]
	if !ok || time.Now().Before(at) {
		return
	}
	delete(b.expiry, key)
	delete(b.queues, key)
	delete(b.ordered, key)
}
