package replica

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/perigeelabs/driftsync/internal/todos"
)

var (
	// ErrUnknownRecord indicates a mutation against a record the local store
	// does not hold.
	ErrUnknownRecord = errors.New("replica: unknown record")

	errMissingTenantID   = errors.New("tenant identifier is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// StoreConfig describes the dependencies of the local record store.
type StoreConfig struct {
	TenantID   string
	IDProvider todos.IDProvider
	Clock      func() time.Time
}

// Store is one replica's local copy of its tenant's records. It is a
// disposable cache rebuildable from a full resync: mutations apply
// immediately (local-first), are tracked as pending until the central store
// acknowledges them, and fan out to live subscribers.
type Store struct {
	tenantID   string
	idProvider todos.IDProvider
	clock      func() time.Time

	mu          sync.Mutex
	records     map[string]todos.Record
	pending     map[string]struct{}
	subscribers map[int64]*storeSubscriber
	nextID      int64
	localEdits  chan struct{}
}

type storeSubscriber struct {
	id     int64
	filter func(todos.Record) bool
	stream chan []todos.Record
}

// NewStore constructs an empty local store for the tenant.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.TenantID == "" {
		return nil, errMissingTenantID
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		tenantID:    cfg.TenantID,
		idProvider:  cfg.IDProvider,
		clock:       clock,
		records:     make(map[string]todos.Record),
		pending:     make(map[string]struct{}),
		subscribers: make(map[int64]*storeSubscriber),
		localEdits:  make(chan struct{}, 1),
	}, nil
}

// TenantID returns the tenant this store belongs to.
func (s *Store) TenantID() string {
	return s.tenantID
}

// LocalEdits signals, coalesced, whenever a local mutation leaves records
// pending. The coordinator's push loop drains it.
func (s *Store) LocalEdits() <-chan struct{} {
	return s.localEdits
}

// Create inserts a new record with a fresh identifier and the current
// timestamp. The record renders immediately regardless of sync state.
func (s *Store) Create(text string) (todos.Record, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		return todos.Record{}, err
	}
	record := todos.Record{
		ID:        id,
		TenantID:  s.tenantID,
		Text:      text,
		UpdatedAt: s.clock().UnixMilli(),
	}
	s.put(record)
	return record, nil
}

// SetDone flips the done flag and re-stamps updatedAt so the edit propagates.
func (s *Store) SetDone(id string, done bool) (todos.Record, error) {
	return s.mutate(id, func(record *todos.Record) {
		record.IsDone = done
	})
}

// Delete tombstones the record; it is never physically removed so the
// deletion propagates to other replicas.
func (s *Store) Delete(id string) (todos.Record, error) {
	return s.mutate(id, func(record *todos.Record) {
		record.Deleted = true
	})
}

func (s *Store) mutate(id string, apply func(*todos.Record)) (todos.Record, error) {
	s.mu.Lock()
	record, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return todos.Record{}, fmt.Errorf("%w: %s", ErrUnknownRecord, id)
	}
	apply(&record)
	record.UpdatedAt = s.nextStamp(record.UpdatedAt)
	s.records[id] = record
	s.pending[id] = struct{}{}
	s.notifyLocked()
	s.mu.Unlock()
	s.signalLocalEdit()
	return record, nil
}

// nextStamp guarantees updatedAt strictly increases across edits of one
// record even when the wall clock has not advanced a millisecond.
func (s *Store) nextStamp(previous int64) int64 {
	stamp := s.clock().UnixMilli()
	if stamp <= previous {
		stamp = previous + 1
	}
	return stamp
}

func (s *Store) put(record todos.Record) {
	s.mu.Lock()
	record.TenantID = s.tenantID
	s.records[record.ID] = record
	s.pending[record.ID] = struct{}{}
	s.notifyLocked()
	s.mu.Unlock()
	s.signalLocalEdit()
}

// ApplyRemote merges one pulled record last-write-wins: the local copy is
// overwritten only when the incoming updatedAt is strictly greater. Records
// carrying a foreign tenant are discarded outright; the central store is the
// enforcement point and this is defense in depth.
func (s *Store) ApplyRemote(record todos.Record) bool {
	if record.TenantID != s.tenantID {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.records[record.ID]
	if ok && record.UpdatedAt <= existing.UpdatedAt {
		return false
	}
	s.records[record.ID] = record
	// A remote write newer than the local one supersedes whatever was
	// pending for this record.
	delete(s.pending, record.ID)
	s.notifyLocked()
	return true
}

// Pending returns the records not yet acknowledged by the central store,
// oldest first so retried pushes drain in order.
func (s *Store) Pending() []todos.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]todos.Record, 0, len(s.pending))
	for id := range s.pending {
		out = append(out, s.records[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt < out[j].UpdatedAt })
	return out
}

// MarkSynced clears the pending flag for pushed records, unless the record
// was edited again while the push was in flight.
func (s *Store) MarkSynced(pushed []todos.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range pushed {
		current, ok := s.records[record.ID]
		if !ok {
			continue
		}
		if current.UpdatedAt == record.UpdatedAt {
			delete(s.pending, record.ID)
		}
	}
}

// Snapshot returns every held record, newest first, tombstones included.
func (s *Store) Snapshot() []todos.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(nil)
}

// Subscribe registers a live view over records matching the filter, sorted by
// updatedAt descending. The current matching set is delivered immediately and
// after every change. A nil filter matches everything.
func (s *Store) Subscribe(filter func(todos.Record) bool) (<-chan []todos.Record, func()) {
	s.mu.Lock()
	s.nextID++
	subscriber := &storeSubscriber{
		id:     s.nextID,
		filter: filter,
		stream: make(chan []todos.Record, 16),
	}
	s.subscribers[subscriber.id] = subscriber
	subscriber.stream <- s.snapshotLocked(filter)
	s.mu.Unlock()

	cleanup := func() {
		s.mu.Lock()
		delete(s.subscribers, subscriber.id)
		s.mu.Unlock()
	}
	return subscriber.stream, cleanup
}

func (s *Store) snapshotLocked(filter func(todos.Record) bool) []todos.Record {
	out := make([]todos.Record, 0, len(s.records))
	for _, record := range s.records {
		if filter == nil || filter(record) {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return out
}

func (s *Store) notifyLocked() {
	for _, subscriber := range s.subscribers {
		snapshot := s.snapshotLocked(subscriber.filter)
		select {
		case subscriber.stream <- snapshot:
		default:
		}
	}
}

func (s *Store) signalLocalEdit() {
	select {
	case s.localEdits <- struct{}{}:
	default:
	}
}
