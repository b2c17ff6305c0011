package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"announcement-dispatcher/internal/config"
)

// MemoryQueue mirrors RedisQueue in process, for single-binary runs and tests.
type MemoryQueue struct {
	mu             sync.Mutex
	priorityQueues []string
	ready          map[string][]string
	inflight       map[string]time.Time
	scheduled      map[string]time.Time
	tasks          map[string]Task
	dlq            []string
	visibilityTTL  time.Duration
	now            func() time.Time
}

func NewMemoryQueue(cfg config.Config) *MemoryQueue {
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &MemoryQueue{
		priorityQueues: priorities(cfg.PriorityQueues),
		ready:          make(map[string][]string),
		inflight:       make(map[string]time.Time),
		scheduled:      make(map[string]time.Time),
		tasks:          make(map[string]Task),
		visibilityTTL:  visibility,
		now:            time.Now,
	}
}

// SetClock replaces the lease and schedule clock.
func (q *MemoryQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

func (q *MemoryQueue) Enqueue(_ context.Context, t Task, runAt time.Time) (bool, error) {
	if t.ID == "" {
		return false, ErrMissingID
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.tasks[t.ID]; ok {
		return false, nil
	}
	t.Priority = normalizePriority(t.Priority, q.priorityQueues)
	q.tasks[t.ID] = t
	if runAt.After(q.now()) {
		q.scheduled[t.ID] = runAt
	} else {
		q.ready[t.Priority] = append(q.ready[t.Priority], t.ID)
	}
	return true, nil
}

func (q *MemoryQueue) Retry(_ context.Context, t Task, runAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t.Priority = normalizePriority(t.Priority, q.priorityQueues)
	delete(q.inflight, t.ID)
	q.tasks[t.ID] = t
	q.scheduled[t.ID] = runAt
	return nil
}

func (q *MemoryQueue) PromoteScheduled(_ context.Context, now time.Time, limit int64) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := dueIDs(q.scheduled, now, limit)
	for _, id := range ids {
		delete(q.scheduled, id)
		q.pushReady(id)
	}
	return len(ids), nil
}

func (q *MemoryQueue) RequeueExpired(_ context.Context, now time.Time, limit int64) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := dueIDs(q.inflight, now, limit)
	for _, id := range ids {
		delete(q.inflight, id)
		q.pushReady(id)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return ids, nil
}

func (q *MemoryQueue) pushReady(id string) {
	p := normalizePriority(q.tasks[id].Priority, q.priorityQueues)
	q.ready[p] = append(q.ready[p], id)
}

func (q *MemoryQueue) DequeueWithLease(_ context.Context) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range q.priorityQueues {
		list := q.ready[p]
		if len(list) == 0 {
			continue
		}
		id := list[0]
		q.ready[p] = list[1:]
		q.inflight[id] = q.now().Add(q.visibilityTTL)
		t, ok := q.tasks[id]
		if !ok {
			return Task{ID: id}, nil
		}
		return t, nil
	}
	return Task{}, nil
}

func (q *MemoryQueue) ExtendLease(_ context.Context, id string, extension time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[id]; !ok {
		return ErrLeaseLost
	}
	q.inflight[id] = q.now().Add(extension)
	return nil
}

func (q *MemoryQueue) Ack(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, id)
	delete(q.tasks, id)
	return nil
}

func (q *MemoryQueue) DLQPush(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dlq = append(q.dlq, id)
	return nil
}

func (q *MemoryQueue) DLQPeek(_ context.Context, count int64) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := int(count)
	if n > len(q.dlq) || n < 0 {
		n = len(q.dlq)
	}
	return append([]string(nil), q.dlq[:n]...), nil
}

func (q *MemoryQueue) ReadyDepth(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var total int64
	for _, list := range q.ready {
		total += int64(len(list))
	}
	return total, nil
}

// dueIDs returns ids scored at or before now, earliest first.
func dueIDs(set map[string]time.Time, now time.Time, limit int64) []string {
	var ids []string
	for id, at := range set {
		if !at.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		if set[ids[i]].Equal(set[ids[j]]) {
			return ids[i] < ids[j]
		}
		return set[ids[i]].Before(set[ids[j]])
	})
	if limit > 0 && int64(len(ids)) > limit {
		ids = ids[:limit]
	}
	return ids
}
