package events

import (
	"sync"

	"github.com/havenline/dispatch/internal/model"
)

const defaultBufferSize = 100

// EligibilityFunc is the pass-through authorization predicate. The
// core never interprets roles or permissions itself; it only asks.
type EligibilityFunc func(mentorID string, task *model.TaskRecord) bool

// Broadcaster delivers events to registered mentor sessions through
// buffered channels. Delivery is at-least-once per connected session;
// a session that stops draining its buffer is evicted and treated as
// disconnected, because a mentor who cannot receive offers cannot act
// on them either.
type Broadcaster struct {
	mu         sync.RWMutex
	sessions   map[int]*session
	nextID     int
	bufferSize int
	eligible   EligibilityFunc
	onEvict    func(mentorID string)
}

type session struct {
	id       int
	mentorID string
	ch       chan Event
}

func NewBroadcaster(bufferSize int, eligible EligibilityFunc) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if eligible == nil {
		eligible = func(string, *model.TaskRecord) bool { return true }
	}
	return &Broadcaster{
		sessions:   make(map[int]*session),
		bufferSize: bufferSize,
		eligible:   eligible,
	}
}

// SetOnEvict installs a callback invoked when a slow session is
// dropped, so the presence tracker can register the disconnect.
func (b *Broadcaster) SetOnEvict(fn func(mentorID string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onEvict = fn
}

// Register adds a mentor session and returns its event channel plus an
// unregister function. A mentor may hold several sessions (dashboard
// tabs); each gets its own channel.
func (b *Broadcaster) Register(mentorID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &session{
		id:       b.nextID,
		mentorID: mentorID,
		ch:       make(chan Event, b.bufferSize),
	}
	b.nextID++
	b.sessions[s.id] = s

	return s.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.sessions[s.id]; ok {
			delete(b.sessions, s.id)
			close(s.ch)
		}
	}
}

// Publish fans an event out to every registered session whose mentor
// is eligible for the event's task. Sessions with a full buffer are
// evicted rather than blocked: the publisher must never wait on a
// consumer inside a coordinator critical section.
func (b *Broadcaster) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var evicted []*session
	for _, s := range b.sessions {
		if evt.Task != nil && !b.eligible(s.mentorID, evt.Task) {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			evicted = append(evicted, s)
		}
	}

	for _, s := range evicted {
		delete(b.sessions, s.id)
		close(s.ch)
		if b.onEvict != nil {
			go b.onEvict(s.mentorID)
		}
	}
}

// SessionCount reports how many sessions are currently registered.
func (b *Broadcaster) SessionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// EligibleSessionCount reports how many registered sessions would
// receive an event for the given task. The coordinator uses it to
// decide whether a broadcast actually constituted an offer.
func (b *Broadcaster) EligibleSessionCount(task *model.TaskRecord) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, s := range b.sessions {
		if b.eligible(s.mentorID, task) {
			n++
		}
	}
	return n
}

// Close evicts every session.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, s := range b.sessions {
		delete(b.sessions, id)
		close(s.ch)
	}
}
