package sync

import (
	"sort"
	"sync"
	"time"
)

const syncEventBufferSize = 16

// SyncState is the state of the last action on a key.
type SyncState string

const (
	SyncStateSyncing   SyncState = "syncing"
	SyncStateCompleted SyncState = "completed"
	SyncStateError     SyncState = "error"
	SyncStateConflict  SyncState = "conflict"
)

// KeyStatus is the tracked status of a single asset key.
type KeyStatus struct {
	Key         string    `json:"key"`
	Op          Op        `json:"op,omitempty"`
	State       SyncState `json:"state"`
	Error       string    `json:"error,omitempty"`
	ErrorCount  int       `json:"errorCount"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// SyncStatusEvent is broadcast to subscribers on every change.
type SyncStatusEvent struct {
	Key    string
	Status KeyStatus
}

// SyncStatus tracks the per-key outcome of reconciler actions. Completed keys
// are dropped; failed and conflicting keys stay until they complete.
type SyncStatus struct {
	keys map[string]*KeyStatus
	mu   sync.RWMutex

	eventSubs []chan *SyncStatusEvent
	eventMu   sync.RWMutex
}

func NewSyncStatus() *SyncStatus {
	return &SyncStatus{
		keys:      make(map[string]*KeyStatus),
		eventSubs: make([]chan *SyncStatusEvent, 0),
	}
}

// Subscribe returns a channel receiving status events.
func (s *SyncStatus) Subscribe() <-chan *SyncStatusEvent {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	ch := make(chan *SyncStatusEvent, syncEventBufferSize)
	s.eventSubs = append(s.eventSubs, ch)
	return ch
}

func (s *SyncStatus) Unsubscribe(ch <-chan *SyncStatusEvent) {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	for i, sub := range s.eventSubs {
		if sub == ch {
			close(sub)
			s.eventSubs = append(s.eventSubs[:i], s.eventSubs[i+1:]...)
			break
		}
	}
}

func (s *SyncStatus) broadcast(status *KeyStatus) {
	s.eventMu.RLock()
	defer s.eventMu.RUnlock()

	event := &SyncStatusEvent{Key: status.Key, Status: *status}
	for _, sub := range s.eventSubs {
		select {
		case sub <- event:
		default:
			// slow subscriber, drop
		}
	}
}

func (s *SyncStatus) getOrCreate(key string) *KeyStatus {
	if status, ok := s.keys[key]; ok {
		return status
	}
	status := &KeyStatus{Key: key}
	s.keys[key] = status
	return status
}

func (s *SyncStatus) SetSyncing(key string, op Op) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := s.getOrCreate(key)
	status.Op = op
	status.State = SyncStateSyncing
	status.LastUpdated = time.Now()
	s.broadcast(status)
}

func (s *SyncStatus) SetCompleted(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := s.getOrCreate(key)
	status.State = SyncStateCompleted
	status.Error = ""
	status.ErrorCount = 0
	status.LastUpdated = time.Now()
	s.broadcast(status)
	delete(s.keys, key)
}

func (s *SyncStatus) SetError(key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := s.getOrCreate(key)
	status.State = SyncStateError
	status.Error = err.Error()
	status.ErrorCount++
	status.LastUpdated = time.Now()
	s.broadcast(status)
}

func (s *SyncStatus) SetConflict(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := s.getOrCreate(key)
	status.State = SyncStateConflict
	status.Error = (&ConflictError{Key: key}).Error()
	status.LastUpdated = time.Now()
	s.broadcast(status)
}

// Get returns a copy of the status of key.
func (s *SyncStatus) Get(key string) (KeyStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status, ok := s.keys[key]
	if !ok {
		return KeyStatus{}, false
	}
	return *status, true
}

// All returns every tracked key sorted by key.
func (s *SyncStatus) All() []KeyStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]KeyStatus, 0, len(s.keys))
	for _, status := range s.keys {
		out = append(out, *status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (s *SyncStatus) SyncingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, status := range s.keys {
		if status.State == SyncStateSyncing {
			count++
		}
	}
	return count
}
