// Package busqueue implements the bus's delivery core: a single worker
// goroutine dequeues messages from a time-priority queue and invokes
// their listeners, supporting normal posts, self-rescheduling P2PSub
// subscriptions, and P2PSub control messages (cancel/suspend/resume).
package busqueue

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"

	"github.com/mevansam/gobus/internal/busmsg"
)

// MaxPoll bounds how many times a subscription re-enqueues itself
// before its re-firing is dropped, per spec §4.6.
const MaxPoll = 65536

// Listener receives a dispatched message.
type Listener interface {
	OnMessage(msg *busmsg.Message)
}

// ActivityFilter is consulted before a message is enqueued; returning
// true vetoes the post.
type ActivityFilter func(msg *busmsg.Message) bool

// entry is one scheduled delivery: a message plus the listeners it
// dispatches to, tracked for heap membership and subscription state.
type entry struct {
	msg       *busmsg.Message
	listeners []Listener
	suspended bool
	seq       int64
	heapIndex int
}

// Queue is the time-priority delivery core described by spec §4.6. A
// single worker goroutine owns the heap; concurrent posters append to
// a separately-guarded wait list that the worker drains between
// iterations, so a long dispatch never blocks producers.
type Queue struct {
	logger *slog.Logger

	mu      sync.Mutex
	entries entryHeap
	byID    map[string]*entry

	wlMu     sync.Mutex
	waitList []*entry

	notify chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	seq int64

	fmu     sync.RWMutex
	filters map[busmsg.Kind][]ActivityFilter
}

// New returns a Queue ready to Start.
func New(logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		logger:  logger,
		byID:    make(map[string]*entry),
		notify:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		filters: make(map[busmsg.Kind][]ActivityFilter),
	}
}

// RegisterFilter adds an activity filter consulted for every message
// of the given kind before it is enqueued.
func (q *Queue) RegisterFilter(kind busmsg.Kind, f ActivityFilter) {
	q.fmu.Lock()
	defer q.fmu.Unlock()
	q.filters[kind] = append(q.filters[kind], f)
}

func (q *Queue) vetoed(msg *busmsg.Message) bool {
	q.fmu.RLock()
	defer q.fmu.RUnlock()
	for _, f := range q.filters[msg.Kind] {
		if f(msg) {
			return true
		}
	}
	return false
}

// Start launches the worker goroutine.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.run()
}

// Stop signals the worker to end its loop after completing any
// in-flight dispatch; pending timers are discarded.
func (q *Queue) Stop() {
	close(q.stopCh)
	q.wg.Wait()
}

// Post schedules msg for delivery to listeners, assuming the caller
// has already stamped msg.PostTimeMS (e.g. via busmsg.Message's
// SchedulePost). Returns false if an activity filter vetoed the post.
func (q *Queue) Post(msg *busmsg.Message, listeners []Listener) bool {
	if q.vetoed(msg) {
		return false
	}
	e := &entry{msg: msg, listeners: listeners}
	q.enqueueWait(e)
	return true
}

func (q *Queue) enqueueWait(e *entry) {
	q.wlMu.Lock()
	q.waitList = append(q.waitList, e)
	q.wlMu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// drainWaitList moves everything posters have appended into the heap.
// Called only from the worker goroutine.
func (q *Queue) drainWaitList() {
	q.wlMu.Lock()
	pending := q.waitList
	q.waitList = nil
	q.wlMu.Unlock()

	if len(pending) == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range pending {
		q.seq++
		e.seq = q.seq
		heap.Push(&q.entries, e)
		q.byID[e.msg.ID] = e
	}
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		q.drainWaitList()

		q.mu.Lock()
		if q.entries.Len() == 0 {
			q.mu.Unlock()
			select {
			case <-q.stopCh:
				return
			case <-q.notify:
			}
			continue
		}

		next := q.entries[0]
		wait := time.Duration(next.msg.PostTimeMS-busmsg.NowMS()) * time.Millisecond
		if wait > 0 {
			q.mu.Unlock()
			t := time.NewTimer(wait)
			select {
			case <-q.stopCh:
				t.Stop()
				return
			case <-q.notify:
				t.Stop()
			case <-t.C:
			}
			continue
		}

		e := heap.Pop(&q.entries).(*entry)
		delete(q.byID, e.msg.ID)
		q.mu.Unlock()

		q.dispatch(e)
	}
}

func (q *Queue) dispatch(e *entry) {
	if e.msg.Kind == busmsg.KindP2PSub && e.msg.ControlAction != busmsg.ControlNone {
		q.applyControl(e.msg)
		return
	}

	if e.suspended {
		q.reschedule(e)
		return
	}

	for _, l := range e.listeners {
		q.safeInvoke(l, e.msg)
	}

	if e.msg.Kind == busmsg.KindP2PSub && e.msg.DelayMS > 0 && e.msg.PostCount < MaxPoll {
		e.msg.PostCount++
		e.msg.PostTimeMS = busmsg.NowMS() + e.msg.DelayMS
		q.reinsert(e)
	}
}

func (q *Queue) reschedule(e *entry) {
	e.msg.PostTimeMS = busmsg.NowMS() + e.msg.DelayMS
	q.reinsert(e)
}

func (q *Queue) reinsert(e *entry) {
	q.mu.Lock()
	q.seq++
	e.seq = q.seq
	heap.Push(&q.entries, e)
	q.byID[e.msg.ID] = e
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// safeInvoke recovers a panicking listener so one bad callback never
// stops the worker, per spec §7's propagation policy.
func (q *Queue) safeInvoke(l Listener, msg *busmsg.Message) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("busqueue: listener panicked", "subject", msg.Subject, "panic", r)
		}
	}()
	l.OnMessage(msg)
}

// applyControl scans matching P2PSub entries and applies ctrl's
// action, per spec §4.6: entries are matched by subject and, if
// provided, by RespSubject and TargetMsgID. The matching entries'
// listeners are notified by briefly attaching ctrl to the subscription
// message before clearing it.
func (q *Queue) applyControl(ctrl *busmsg.Message) {
	q.mu.Lock()
	var matches []*entry

	if ctrl.TargetMsgID != "" {
		if e, ok := q.byID[ctrl.TargetMsgID]; ok && controlMatches(e, ctrl) {
			matches = append(matches, e)
		}
	} else {
		for i := len(q.entries) - 1; i >= 0; i-- {
			if e := q.entries[i]; controlMatches(e, ctrl) {
				matches = append(matches, e)
			}
		}
	}

	for _, e := range matches {
		switch ctrl.ControlAction {
		case busmsg.ControlCancel:
			q.removeLocked(e)
		case busmsg.ControlSuspend:
			e.suspended = true
		case busmsg.ControlResume:
			e.suspended = false
		}
	}
	q.mu.Unlock()

	for _, e := range matches {
		e.msg.Attachment = ctrl
		for _, l := range e.listeners {
			q.safeInvoke(l, e.msg)
		}
		e.msg.Attachment = nil
	}
}

func controlMatches(e *entry, ctrl *busmsg.Message) bool {
	if e.msg.Kind != busmsg.KindP2PSub {
		return false
	}
	if e.msg.Subject != ctrl.Subject {
		return false
	}
	if ctrl.RespSubject != "" && e.msg.RespSubject != ctrl.RespSubject {
		return false
	}
	if ctrl.TargetMsgID != "" && e.msg.ID != ctrl.TargetMsgID {
		return false
	}
	return true
}

func (q *Queue) removeLocked(e *entry) {
	if e.heapIndex < 0 || e.heapIndex >= len(q.entries) || q.entries[e.heapIndex] != e {
		return
	}
	heap.Remove(&q.entries, e.heapIndex)
	delete(q.byID, e.msg.ID)
}

// entryHeap is a container/heap.Interface over *entry ordered by
// PostTimeMS, with insertion sequence as the tiebreaker so same-time
// posts preserve enqueue order, per spec §8's queue monotonicity
// property.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].msg.PostTimeMS != h[j].msg.PostTimeMS {
		return h[i].msg.PostTimeMS < h[j].msg.PostTimeMS
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.heapIndex = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIndex = -1
	*h = old[:n-1]
	return e
}
