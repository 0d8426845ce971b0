// Package progress fans out run state to any number of subscribers without
// ever blocking the publisher.
package progress

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the run state shown to clients.
type State string

const (
	StateIdle              State = "idle"
	StateStarting          State = "starting"
	StateAuthenticating    State = "authenticating"
	StateFetchingAccounts  State = "fetching_accounts"
	StateFetchingResources State = "fetching_resources"
	StateFetchingTags      State = "fetching_tags"
	StateMapping           State = "mapping"
	StateWriting           State = "writing"
	StateComplete          State = "complete"
	StateError             State = "error"
	StateCancelled         State = "cancelled"
)

// Running reports whether the state is non-terminal and non-idle.
func (s State) Running() bool {
	switch s {
	case StateIdle, StateComplete, StateError, StateCancelled:
		return false
	}
	return true
}

// Snapshot is the JSON-serializable view pushed to subscribers.
type Snapshot struct {
	State          State                  `json:"state"`
	Progress       float64                `json:"progress"`
	Message        string                 `json:"message"`
	Detail         string                 `json:"detail,omitempty"`
	ElapsedSeconds float64                `json:"elapsed_seconds"`
	Error          string                 `json:"error,omitempty"`
	Stats          map[string]interface{} `json:"stats"`
	IsRunning      bool                   `json:"is_running"`
}

// Update is one event delivered to a subscriber.
type Update struct {
	Event string   `json:"event"`
	Data  Snapshot `json:"data"`
}

// Subscription is a bounded queue of updates. A subscriber that cannot keep
// up is dropped, never waited on.
type Subscription struct {
	ID string
	C  <-chan Update
	ch chan Update
}

// DefaultHeartbeat is the maximum quiet period before a keepalive is pushed.
const DefaultHeartbeat = 25 * time.Second

// DefaultQueueSize bounds each subscriber's queue.
const DefaultQueueSize = 64

// Tracker holds the current snapshot and the subscriber set.
type Tracker struct {
	mu          sync.Mutex
	state       State
	progress    float64
	message     string
	detail      string
	startedAt   time.Time
	completedAt time.Time
	errMsg      string
	stats       map[string]interface{}
	subscribers map[string]*Subscription

	heartbeat time.Duration
	done      chan struct{}
	closeOnce sync.Once
}

// NewTracker creates a tracker and starts its heartbeat loop.
func NewTracker() *Tracker {
	t := &Tracker{
		state:       StateIdle,
		stats:       make(map[string]interface{}),
		subscribers: make(map[string]*Subscription),
		heartbeat:   DefaultHeartbeat,
		done:        make(chan struct{}),
	}
	go t.heartbeatLoop()
	return t
}

func (t *Tracker) heartbeatLoop() {
	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.mu.Lock()
			t.broadcastLocked("heartbeat")
			t.mu.Unlock()
		case <-t.done:
			return
		}
	}
}

// Close stops the heartbeat loop and disconnects all subscribers.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() { close(t.done) })
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, sub := range t.subscribers {
		delete(t.subscribers, id)
		close(sub.ch)
	}
}

// Subscribe registers a new subscriber. The current snapshot is queued as the
// first update.
func (t *Tracker) Subscribe() *Subscription {
	ch := make(chan Update, DefaultQueueSize)
	sub := &Subscription{ID: uuid.NewString(), C: ch, ch: ch}

	t.mu.Lock()
	t.subscribers[sub.ID] = sub
	ch <- Update{Event: "snapshot", Data: t.snapshotLocked()}
	t.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber and closes its queue.
func (t *Tracker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subscribers[sub.ID]; ok {
		delete(t.subscribers, sub.ID)
		close(sub.ch)
	}
}

// SetState transitions the run state. Starting resets counters and the start
// timestamp; terminal states record the completion timestamp.
func (t *Tracker) SetState(state State, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state = state
	t.message = message

	switch state {
	case StateStarting:
		t.startedAt = time.Now()
		t.completedAt = time.Time{}
		t.errMsg = ""
		t.progress = 0
		t.stats = make(map[string]interface{})
	case StateComplete, StateCancelled:
		t.completedAt = time.Now()
	case StateError:
		t.completedAt = time.Now()
		t.errMsg = message
	}

	t.broadcastLocked("state")
}

// SetProgress updates the progress percentage (clamped to [0,100]).
func (t *Tracker) SetProgress(pct float64, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if pct < 0 {
		pct = 0
	} else if pct > 100 {
		pct = 100
	}
	t.progress = pct
	if message != "" {
		t.message = message
	}
	t.broadcastLocked("progress")
}

// SetDetail updates the sub-step detail line.
func (t *Tracker) SetDetail(detail string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.detail = detail
	t.broadcastLocked("progress")
}

// SetStat records a named statistic in the snapshot.
func (t *Tracker) SetStat(key string, value interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats[key] = value
	t.broadcastLocked("progress")
}

// Reset returns the tracker to idle and clears all run data.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state = StateIdle
	t.progress = 0
	t.message = ""
	t.detail = ""
	t.startedAt = time.Time{}
	t.completedAt = time.Time{}
	t.errMsg = ""
	t.stats = make(map[string]interface{})
	t.broadcastLocked("state")
}

// State returns the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsRunning reports whether a run is in flight.
func (t *Tracker) IsRunning() bool {
	return t.State().Running()
}

// Snapshot returns the current snapshot.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() Snapshot {
	var elapsed float64
	if !t.startedAt.IsZero() {
		end := t.completedAt
		if end.IsZero() {
			end = time.Now()
		}
		elapsed = end.Sub(t.startedAt).Seconds()
	}

	stats := make(map[string]interface{}, len(t.stats))
	for k, v := range t.stats {
		stats[k] = v
	}

	return Snapshot{
		State:          t.state,
		Progress:       t.progress,
		Message:        t.message,
		Detail:         t.detail,
		ElapsedSeconds: elapsed,
		Error:          t.errMsg,
		Stats:          stats,
		IsRunning:      t.state.Running(),
	}
}

// broadcastLocked pushes an update to every subscriber. A subscriber whose
// queue is full is dropped so a slow consumer can never stall the run.
func (t *Tracker) broadcastLocked(event string) {
	update := Update{Event: event, Data: t.snapshotLocked()}
	for id, sub := range t.subscribers {
		select {
		case sub.ch <- update:
		default:
			delete(t.subscribers, id)
			close(sub.ch)
		}
	}
}
