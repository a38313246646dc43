package gateway

import (
	"sync"
	"time"
)

// Handle is the gateway's view of one duplex connection. Implementations
// must allow Send to be called from several goroutines.
type Handle interface {
	Send(event string, payload any) error
	Close() error
}

// ConnectionRecord 记录一个已注册连接的存活信息。
type ConnectionRecord struct {
	ClientID       string
	Handle         Handle
	ConnectedAt    time.Time
	LastActivityAt time.Time
}

// ConnectionRegistry owns every live ConnectionRecord. Readers that need to
// iterate must use Snapshot rather than walking the live map.
type ConnectionRegistry struct {
	mu      sync.RWMutex
	records map[string]*ConnectionRecord
	now     func() time.Time
}

// NewConnectionRegistry creates an empty registry. A nil clock means time.Now.
func NewConnectionRegistry(now func() time.Time) *ConnectionRegistry {
	if now == nil {
		now = time.Now
	}
	return &ConnectionRegistry{
		records: make(map[string]*ConnectionRecord),
		now:     now,
	}
}

// Insert registers a connection, replacing any record with the same id.
func (r *ConnectionRegistry) Insert(clientID string, handle Handle) ConnectionRecord {
	now := r.now()
	record := &ConnectionRecord{
		ClientID:       clientID,
		Handle:         handle,
		ConnectedAt:    now,
		LastActivityAt: now,
	}

	r.mu.Lock()
	r.records[clientID] = record
	r.mu.Unlock()

	return *record
}

// Remove deletes the record and returns it when present.
func (r *ConnectionRegistry) Remove(clientID string) (ConnectionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[clientID]
	if !ok {
		return ConnectionRecord{}, false
	}
	delete(r.records, clientID)
	return *record, true
}

// RemoveIfIdle deletes the record only if it has seen no activity since cutoff,
// so a connection that woke up after a snapshot was taken is left alone.
func (r *ConnectionRegistry) RemoveIfIdle(clientID string, cutoff time.Time) (ConnectionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[clientID]
	if !ok || record.LastActivityAt.After(cutoff) {
		return ConnectionRecord{}, false
	}
	delete(r.records, clientID)
	return *record, true
}

// Touch marks the connection active now. It reports false for unknown ids.
func (r *ConnectionRegistry) Touch(clientID string) bool {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[clientID]
	if !ok {
		return false
	}
	record.LastActivityAt = now
	return true
}

// Get returns a copy of the record.
func (r *ConnectionRegistry) Get(clientID string) (ConnectionRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.records[clientID]
	if !ok {
		return ConnectionRecord{}, false
	}
	return *record, true
}

// Snapshot copies every record at a single instant.
func (r *ConnectionRegistry) Snapshot() []ConnectionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make([]ConnectionRecord, 0, len(r.records))
	for _, record := range r.records {
		snapshot = append(snapshot, *record)
	}
	return snapshot
}

// Len returns the number of registered connections.
func (r *ConnectionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
