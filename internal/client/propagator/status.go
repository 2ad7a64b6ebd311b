package propagator

import (
	"fmt"
	"sync"
	"time"
)

const (
	progressMin           = 0.0
	progressMax           = 100.0
	statusEventBufferSize = 64
)

// TransferState is where an item is in its propagation.
type TransferState string

const (
	TransferStatePending   TransferState = "pending"
	TransferStateRunning   TransferState = "running"
	TransferStateCompleted TransferState = "completed"
	TransferStateError     TransferState = "error"
)

// PathStatus is the live progress of one item.
type PathStatus struct {
	State       TransferState
	Progress    float64
	BytesDone   int64
	BytesTotal  int64
	Result      Status
	Error       string
	LastUpdated time.Time
}

func (s *PathStatus) String() string {
	return fmt.Sprintf("State: %s, Progress: %.1f, Result: %s, Error: %s", s.State, s.Progress, s.Result, s.Error)
}

// StatusEvent is broadcast on every change.
type StatusEvent struct {
	Path   string
	Status PathStatus
}

// SyncStatus tracks the progress of every item of a run and fans changes out to subscribers.
type SyncStatus struct {
	files map[string]*PathStatus
	mu    sync.RWMutex

	eventSubs []chan *StatusEvent
	eventMu   sync.RWMutex
}

func NewSyncStatus() *SyncStatus {
	return &SyncStatus{
		files:     make(map[string]*PathStatus),
		eventSubs: make([]chan *StatusEvent, 0),
	}
}

// Subscribe returns a channel for receiving status events.
// Slow subscribers miss events rather than block transfers.
func (s *SyncStatus) Subscribe() <-chan *StatusEvent {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	ch := make(chan *StatusEvent, statusEventBufferSize)
	s.eventSubs = append(s.eventSubs, ch)
	return ch
}

// Unsubscribe removes and closes a subscription channel
func (s *SyncStatus) Unsubscribe(ch <-chan *StatusEvent) {
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

func (s *SyncStatus) broadcastEvent(path string, status *PathStatus) {
	s.eventMu.RLock()
	defer s.eventMu.RUnlock()

	event := &StatusEvent{Path: path, Status: *status}
	for _, sub := range s.eventSubs {
		select {
		case sub <- event:
		default:
		}
	}
}

func (s *SyncStatus) getOrCreateStatus(path string) *PathStatus {
	if status, exists := s.files[path]; exists {
		return status
	}

	status := &PathStatus{
		State:       TransferStatePending,
		Progress:    progressMin,
		LastUpdated: time.Now(),
	}
	s.files[path] = status
	return status
}

// SetRunning marks an item as being propagated.
func (s *SyncStatus) SetRunning(path string, total int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := s.getOrCreateStatus(path)
	status.State = TransferStateRunning
	status.Progress = progressMin
	status.BytesDone = 0
	status.BytesTotal = total
	status.Error = ""
	status.LastUpdated = time.Now()

	s.broadcastEvent(path, status)
}

// SetProgress records done of the item's total bytes.
func (s *SyncStatus) SetProgress(path string, done int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := s.getOrCreateStatus(path)
	status.BytesDone = done
	if status.BytesTotal > 0 {
		status.Progress = min(progressMax, float64(done)*progressMax/float64(status.BytesTotal))
	}
	status.LastUpdated = time.Now()

	s.broadcastEvent(path, status)
}

// SetFinished records the terminal result of an item.
func (s *SyncStatus) SetFinished(path string, result Status, errorString string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := s.getOrCreateStatus(path)
	status.Result = result
	status.Error = errorString
	status.LastUpdated = time.Now()
	if result.IsFailure() || result == StatusSoftError {
		status.State = TransferStateError
	} else {
		status.State = TransferStateCompleted
		status.Progress = progressMax
		status.BytesDone = status.BytesTotal
	}

	s.broadcastEvent(path, status)
}

// GetStatus returns a copy of the status of path.
func (s *SyncStatus) GetStatus(path string) (PathStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status, exists := s.files[path]
	if !exists {
		return PathStatus{}, false
	}
	return *status, true
}

// GetRunningCount returns the number of items currently transferring.
func (s *SyncStatus) GetRunningCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, status := range s.files {
		if status.State == TransferStateRunning {
			count++
		}
	}
	return count
}

// GetAllStatus returns a copy of all statuses
func (s *SyncStatus) GetAllStatus() map[string]PathStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]PathStatus, len(s.files))
	for path, status := range s.files {
		result[path] = *status
	}
	return result
}

func (s *SyncStatus) Close() {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	for _, sub := range s.eventSubs {
		close(sub)
	}
	s.eventSubs = make([]chan *StatusEvent, 0)
}
