package server

import (
	"context"
	"sync"
	"time"
)

const (
	// StreamEventTodoChanged names the SSE event emitted when a tenant's
	// records changed and a re-pull is worthwhile.
	StreamEventTodoChanged = "todo-change"
	streamEventHeartbeat   = "heartbeat"
)

// ChangeSignal tells a replica that its tenant's data changed. It carries no
// record payload; replicas respond by pulling from their checkpoint.
type ChangeSignal struct {
	TenantID  string
	Timestamp time.Time
}

// ChangeNotifier fans change signals out to the currently connected replicas
// of a tenant. Delivery is best effort: subscriber buffers that are full are
// skipped, and correctness relies on the replicas' fallback polling.
type ChangeNotifier struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*changeSubscriber
	nextID      int64
	bufferSize  int
}

type changeSubscriber struct {
	id     int64
	stream chan ChangeSignal
}

// NewChangeNotifier constructs an empty notifier registry.
func NewChangeNotifier() *ChangeNotifier {
	return &ChangeNotifier{
		subscribers: make(map[string]map[int64]*changeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a replica stream for the tenant. The returned cleanup
// releases the subscription; cancelling the context does the same.
func (n *ChangeNotifier) Subscribe(ctx context.Context, tenantID string) (<-chan ChangeSignal, func()) {
	if tenantID == "" {
		ch := make(chan ChangeSignal)
		close(ch)
		return ch, func() {}
	}
	subscriber := &changeSubscriber{
		id:     n.nextSequence(),
		stream: make(chan ChangeSignal, n.bufferSize),
	}
	n.registerSubscriber(tenantID, subscriber)
	cleanup := func() {
		n.unregisterSubscriber(tenantID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish signals every subscriber of the tenant, and only of that tenant.
// Fire and forget: no acknowledgement, no persistence.
func (n *ChangeNotifier) Publish(tenantID string) {
	if tenantID == "" {
		return
	}
	signal := ChangeSignal{TenantID: tenantID, Timestamp: time.Now().UTC()}
	n.mu.RLock()
	subscribers := n.subscribers[tenantID]
	if len(subscribers) == 0 {
		n.mu.RUnlock()
		return
	}
	copies := make([]*changeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	n.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- signal:
		default:
		}
	}
}

func (n *ChangeNotifier) nextSequence() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	return n.nextID
}

func (n *ChangeNotifier) registerSubscriber(tenantID string, subscriber *changeSubscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.subscribers[tenantID]; !ok {
		n.subscribers[tenantID] = make(map[int64]*changeSubscriber)
	}
	n.subscribers[tenantID][subscriber.id] = subscriber
}

func (n *ChangeNotifier) unregisterSubscriber(tenantID string, subscriberID int64) {
	n.mu.Lock()
	subscribers := n.subscribers[tenantID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(n.subscribers, tenantID)
		}
	}
	n.mu.Unlock()
}
