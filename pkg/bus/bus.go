// Package bus implements the single typed event stream every orchestrator
// component publishes lifecycle events to (spec §6). The external GUI is its
// consumer; the orchestrator's own logger does not subscribe to it.
package bus

import (
	"sync"
	"time"
)

// Topic names, verbatim from spec §6.
const (
	TopicSetupStatus       = "setup.status"
	TopicImagePullProgress = "image.pull.progress"
	TopicServiceState      = "service.state"
	TopicWatchdogNotice    = "watchdog.notice"
	TopicMCPServerState    = "mcp.server.state"
	TopicDownloadProgress  = "download.progress"
)

// Level mirrors the level enum carried by setup.status / watchdog.notice
// events.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Event is one message on the bus.
type Event struct {
	Topic   string
	Payload any
	At      time.Time
}

// SetupStatus is the payload for TopicSetupStatus.
type SetupStatus struct {
	Message    string
	Level      Level
	Percentage *int
}

// ImagePullProgress is the payload for TopicImagePullProgress.
type ImagePullProgress struct {
	ImageRef   string
	StatusText string
	Percentage float64
}

// ServiceState is the payload for TopicServiceState.
type ServiceState struct {
	Key                 string
	Status              string
	LastCheckAt         time.Time
	ConsecutiveFailures int
}

// WatchdogNotice is the payload for TopicWatchdogNotice.
type WatchdogNotice struct {
	Title string
	Body  string
	Level Level
}

// MCPServerState is the payload for TopicMCPServerState.
type MCPServerState struct {
	Name      string
	Status    string
	StartedAt *time.Time
	Error     string
	Pid       int
}

// DownloadProgress is the payload for TopicDownloadProgress.
type DownloadProgress struct {
	FileName   string
	Bytes      int64
	TotalBytes int64
	Percentage float64
}

// nowFunc exists so tests can freeze time; production always uses time.Now.
var nowFunc = time.Now

// Bus is a simple fan-out publish/subscribe hub. Each subscriber gets its
// own buffered channel; a slow subscriber drops events rather than blocking
// publishers, since the bus is a best-effort notification stream, not a
// queue of record (PersistentState is the system of record).
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]chan Event
	nextID      int
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[int]chan Event)}
}

// Subscribe registers a new consumer and returns a channel of events plus an
// unsubscribe function. The channel is buffered so that a momentary stall in
// the consumer doesn't stall publishers; once full, new events for that
// subscriber are dropped.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(existing)
		}
	}
	return ch, unsubscribe
}

// Publish broadcasts an event to all current subscribers, non-blockingly.
func (b *Bus) Publish(topic string, payload any) {
	ev := Event{Topic: topic, Payload: payload, At: nowFunc()}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close shuts down every subscriber channel. Further Publish calls are
// no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}
