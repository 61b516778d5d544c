package devsync

import (
	"sync"
	"time"
)

type EventType string

const (
	EventDeviceRegistered    EventType = "device_registered"
	EventDeviceStatusChanged EventType = "device_status_changed"
	EventDeviceRemoved       EventType = "device_removed"
	EventConnectivityChanged EventType = "connectivity_changed"
	EventOperationEnqueued   EventType = "operation_enqueued"
	EventOperationCompleted  EventType = "operation_completed"
	EventOperationFailed     EventType = "operation_failed"
	EventOperationCancelled  EventType = "operation_cancelled"
	EventConflictDetected    EventType = "conflict_detected"
	EventCacheReconciled     EventType = "cache_reconciled"
)

// Event is one sync-lifecycle notification. Fields that do not apply to the
// event type are left empty.
type Event struct {
	Type        EventType
	At          time.Time
	DeviceID    string
	OperationID string
	Ref         EntityRef
	Status      string
	Fields      []string
	Message     string
}

// EventBus fans events out to subscribers over buffered channels.
// Publish never blocks: a subscriber whose buffer is full misses the event.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	logger Logger
}

func NewEventBus(logger Logger) *EventBus {
	if logger == nil {
		logger = NewNopLogger()
	}
	return &EventBus{subs: make(map[int]chan Event), logger: logger}
}

// Subscribe returns a channel of events and a cancel func that unsubscribes
// and closes the channel. cancel is safe to call more than once.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (b *EventBus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Warn("event dropped: subscriber buffer full", "subscriber", id, "event", string(e.Type))
		}
	}
}
