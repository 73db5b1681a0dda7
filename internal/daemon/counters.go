package daemon

import (
	"sync"

	"github.com/havenline/dispatch/internal/model"
)

type counterKey int

const (
	counterCreated counterKey = iota
	counterAssigned
	counterWithdrawn
	counterRequeued
	counterExpired
	counterRejected
	counterQuarantined
)

// counterSet accumulates lifecycle counters across scan cycles. The
// metrics handler folds it into state/metrics.yaml.
type counterSet struct {
	mu     sync.Mutex
	counts map[counterKey]int
}

func newCounterSet() *counterSet {
	return &counterSet{counts: make(map[counterKey]int)}
}

func (cs *counterSet) inc(k counterKey) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.counts[k]++
}

// drain returns the accumulated counts and resets them, so each scan
// cycle merges only its own delta into the metrics file.
func (cs *counterSet) drain() model.MetricsCounters {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	out := model.MetricsCounters{
		TasksCreated:      cs.counts[counterCreated],
		TasksAssigned:     cs.counts[counterAssigned],
		TasksWithdrawn:    cs.counts[counterWithdrawn],
		TasksRequeued:     cs.counts[counterRequeued],
		TasksExpired:      cs.counts[counterExpired],
		AcceptsRejected:   cs.counts[counterRejected],
		IntakeQuarantined: cs.counts[counterQuarantined],
	}
	cs.counts = make(map[counterKey]int)
	return out
}
