package executor

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type EventType string

const (
	EventExecutionStarted   EventType = "execution:started"
	EventExecutionPaused    EventType = "execution:paused"
	EventExecutionCompleted EventType = "execution:completed"
	EventStepStarted        EventType = "step:started"
	EventStepCompleted      EventType = "step:completed"
	EventStepFailed         EventType = "step:failed"
	EventStepSkipped        EventType = "step:skipped"
	EventWaitProgress       EventType = "wait:progress"
	EventSignatureRequested EventType = "signature:requested"
	EventSignatureSubmitted EventType = "signature:submitted"
	EventSignatureRejected  EventType = "signature:rejected"
	EventSignatureExpired   EventType = "signature:expired"
)

type WaitProgress struct {
	Elapsed   time.Duration `json:"elapsed"`
	Remaining time.Duration `json:"remaining"`
}

// Event is an advisory lifecycle notification. Only the fields relevant to Type are set.
type Event struct {
	Type      EventType     `json:"type"`
	PlanID    string        `json:"planId,omitempty"`
	StepID    string        `json:"stepId,omitempty"`
	RequestID string        `json:"requestId,omitempty"`
	TxHash    *common.Hash  `json:"txHash,omitempty"`
	Status    Status        `json:"status,omitempty"`
	Attempt   int           `json:"attempt,omitempty"`
	Error     string        `json:"error,omitempty"`
	Progress  *WaitProgress `json:"progress,omitempty"`
	Time      time.Time     `json:"time"`
}

// EventBus fans events out to subscribers. Publishing never blocks, a subscriber that falls behind misses events.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel receiving every event published from now on and a function that ends the subscription.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

func (b *EventBus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close ends every subscription.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
