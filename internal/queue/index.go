// Package queue maintains the priority order over claimable tasks.
//
// The comparator is (risk level desc, priority desc, created_at asc,
// id asc): urgency dominates, the intake priority score breaks ties
// within a risk level, and age breaks the rest so equal-urgency tasks
// are served oldest-first and nothing starves.
package queue

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"github.com/havenline/dispatch/internal/model"
)

type entry struct {
	id        string
	riskRank  int
	priority  int
	createdAt time.Time
	index     int
}

func (a *entry) before(b *entry) bool {
	if a.riskRank != b.riskRank {
		return a.riskRank > b.riskRank
	}
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if !a.createdAt.Equal(b.createdAt) {
		return a.createdAt.Before(b.createdAt)
	}
	return a.id < b.id
}

// Index is a heap over claimable task ids with a position map for
// O(log n) removal by id. All methods are safe for concurrent use;
// callers mutate it inside the same critical section as the matching
// state transition so it never holds a non-claimable task.
type Index struct {
	mu      sync.RWMutex
	entries []*entry
	byID    map[string]*entry
}

func New() *Index {
	idx := &Index{byID: make(map[string]*entry)}
	heap.Init((*entryHeap)(&idx.entries))
	return idx
}

// Push adds or refreshes a task. Re-pushing after a re-queue keeps the
// original created_at, which is what preserves starvation protection.
func (idx *Index) Push(t *model.TaskRecord) {
	createdAt, err := time.Parse(time.RFC3339, t.CreatedAt)
	if err != nil {
		createdAt = time.Now().UTC()
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if e, ok := idx.byID[t.ID]; ok {
		e.riskRank = t.RiskLevel.Rank()
		e.priority = t.Priority
		e.createdAt = createdAt
		heap.Fix((*entryHeap)(&idx.entries), e.index)
		return
	}

	e := &entry{
		id:        t.ID,
		riskRank:  t.RiskLevel.Rank(),
		priority:  t.Priority,
		createdAt: createdAt,
	}
	idx.byID[t.ID] = e
	heap.Push((*entryHeap)(&idx.entries), e)
}

// Remove drops a task from the index. Removing an absent id is a
// no-op so state transitions need not know whether the task was
// indexed.
func (idx *Index) Remove(id string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e, ok := idx.byID[id]
	if !ok {
		return false
	}
	heap.Remove((*entryHeap)(&idx.entries), e.index)
	delete(idx.byID, id)
	return true
}

// PeekTop returns the id of the most urgent task without removing it.
func (idx *Index) PeekTop() (string, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(idx.entries) == 0 {
		return "", false
	}
	return idx.entries[0].id, true
}

func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

func (idx *Index) Contains(id string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.byID[id]
	return ok
}

// Rank returns how many tasks are strictly ahead of id.
func (idx *Index) Rank(id string) (int, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	target, ok := idx.byID[id]
	if !ok {
		return 0, false
	}
	rank := 0
	for _, e := range idx.entries {
		if e != target && e.before(target) {
			rank++
		}
	}
	return rank, true
}

// Ordered returns all indexed ids from most to least urgent. It works
// on a copy so concurrent PeekTop readers are never blocked by the
// sort.
func (idx *Index) Ordered() []string {
	idx.mu.RLock()
	snapshot := make([]*entry, len(idx.entries))
	copy(snapshot, idx.entries)
	idx.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].before(snapshot[j]) })
	out := make([]string, len(snapshot))
	for i, e := range snapshot {
		out[i] = e.id
	}
	return out
}

// entryHeap adapts []*entry to heap.Interface.
type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].before(h[j]) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
