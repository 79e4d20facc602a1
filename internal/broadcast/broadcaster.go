package broadcast

import (
	"log"
	"sync"
	"time"

	"browser-task-orchestrator/internal/task"
)

// EventKind distinguishes step events from status transitions.
type EventKind string

const (
	KindStep   EventKind = "step"
	KindStatus EventKind = "status"
)

// Event is one entry in a task's ordered event stream. Sequence is assigned
// by the broadcaster, monotonic per task across both kinds.
type Event struct {
	TaskID    string      `json:"task_id"`
	Sequence  uint64      `json:"sequence"`
	Kind      EventKind   `json:"kind"`
	Step      *task.Step  `json:"step,omitempty"`
	Status    task.Status `json:"status,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// DefaultSubscriberBuffer is the channel capacity granted to each subscriber
// beyond any replayed history. A subscriber that falls this far behind is
// dropped rather than allowed to stall the publisher.
const DefaultSubscriberBuffer = 256

// Subscription is one observer's handle on a task's event stream.
type Subscription struct {
	taskID string
	ch     chan Event
	b      *Broadcaster
	once   sync.Once
}

// Events returns the ordered event channel. It is closed when the
// subscription is cancelled, the subscriber falls too far behind, or the
// task's buffer is released.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close unregisters the subscriber. Safe to call more than once.
func (s *Subscription) Close() {
	s.b.unsubscribe(s.taskID, s)
}

type taskStream struct {
	history []Event
	subs    map[*Subscription]struct{}
	nextSeq uint64
}

// Broadcaster fans out per-task events to any number of subscribers. One
// writer per task appends; reads are buffered channel receives, so a slow
// observer never blocks task execution.
type Broadcaster struct {
	mu      sync.Mutex
	streams map[string]*taskStream
}

// New creates an empty broadcaster.
func New() *Broadcaster {
	return &Broadcaster{streams: make(map[string]*taskStream)}
}

func (b *Broadcaster) stream(taskID string) *taskStream {
	ts, ok := b.streams[taskID]
	if !ok {
		ts = &taskStream{subs: make(map[*Subscription]struct{}), nextSeq: 1}
		b.streams[taskID] = ts
	}
	return ts
}

// PublishStep appends a step event to the task's buffer and pushes it to all
// current subscribers.
func (b *Broadcaster) PublishStep(taskID string, step task.Step) {
	b.publish(taskID, Event{
		TaskID:    taskID,
		Kind:      KindStep,
		Step:      &step,
		Timestamp: time.Now().UTC(),
	})
}

// PublishStatus appends a status transition event.
func (b *Broadcaster) PublishStatus(taskID string, status task.Status, reason string) {
	b.publish(taskID, Event{
		TaskID:    taskID,
		Kind:      KindStatus,
		Status:    status,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
}

func (b *Broadcaster) publish(taskID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ts := b.stream(taskID)
	ev.Sequence = ts.nextSeq
	ts.nextSeq++
	ts.history = append(ts.history, ev)

	for sub := range ts.subs {
		select {
		case sub.ch <- ev:
		default:
			// Subscriber cannot keep up; drop it instead of blocking the task.
			delete(ts.subs, sub)
			sub.closeChannel()
			log.Printf("broadcast: dropped slow subscriber for task %s at seq %d", taskID, ev.Sequence)
		}
	}
}

// Subscribe registers an observer on a task's stream. Buffered history with
// sequence >= fromSeq is replayed into the subscription before any live event,
// so delivery is gap-free and ordered even for late joiners. fromSeq of 0
// replays everything.
func (b *Broadcaster) Subscribe(taskID string, fromSeq uint64) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ts := b.stream(taskID)

	var replay []Event
	for _, ev := range ts.history {
		if ev.Sequence >= fromSeq {
			replay = append(replay, ev)
		}
	}

	sub := &Subscription{
		taskID: taskID,
		ch:     make(chan Event, len(replay)+DefaultSubscriberBuffer),
		b:      b,
	}
	for _, ev := range replay {
		sub.ch <- ev
	}
	ts.subs[sub] = struct{}{}
	return sub
}

func (b *Broadcaster) unsubscribe(taskID string, sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ts, ok := b.streams[taskID]; ok {
		if _, present := ts.subs[sub]; present {
			delete(ts.subs, sub)
			sub.closeChannel()
		}
	}
}

// Release drops a task's buffered history and disconnects its subscribers.
// Called by the orchestrator once a terminal task's stream is no longer
// needed.
func (b *Broadcaster) Release(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ts, ok := b.streams[taskID]
	if !ok {
		return
	}
	for sub := range ts.subs {
		sub.closeChannel()
	}
	delete(b.streams, taskID)
}

// SubscriberCount returns the number of live subscribers for a task.
func (b *Broadcaster) SubscriberCount(taskID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ts, ok := b.streams[taskID]; ok {
		return len(ts.subs)
	}
	return 0
}

func (s *Subscription) closeChannel() {
	s.once.Do(func() { close(s.ch) })
}
