package tui

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"rcmon/erc"
	"rcmon/logging"
)

// Log levels used by the debug store.
const (
	LevelInfo    = ""
	LevelError   = "ERROR"
	LevelWarning = "WARN"
	LevelMonitor = "MONITOR"
	LevelMQTT    = "MQTT"
	LevelValkey  = "VALKEY"
	LevelKafka   = "KAFKA"
	LevelAPI     = "API"
	LevelSSH     = "SSH"
	LevelPush    = "PUSH"
)

// LogMessage represents a single log entry in the debug store.
type LogMessage struct {
	Timestamp time.Time
	Level     string
	Message   string
}

// DebugStoreListenerID is a unique identifier for a debug store subscriber.
type DebugStoreListenerID string

// DebugLogStore is a shared store for debug log messages that supports multiple subscribers.
type DebugLogStore struct {
	messages    []LogMessage
	mu          sync.RWMutex
	maxLines    int
	listeners   map[DebugStoreListenerID]func(LogMessage)
	listenersMu sync.RWMutex
	counter     uint64
	fileLogger  logging.Logger
	now         func() time.Time
}

var globalDebugStore *DebugLogStore
var storeOnce sync.Once

// NewDebugLogStore creates a store holding at most maxLines messages.
func NewDebugLogStore(maxLines int) *DebugLogStore {
	if maxLines <= 0 {
		maxLines = 1000
	}
	return &DebugLogStore{
		messages:  make([]LogMessage, 0),
		maxLines:  maxLines,
		listeners: make(map[DebugStoreListenerID]func(LogMessage)),
		now:       time.Now,
	}
}

// InitDebugStore initializes the global debug store with the specified max lines.
// This should be called once at startup.
func InitDebugStore(maxLines int) {
	storeOnce.Do(func() {
		globalDebugStore = NewDebugLogStore(maxLines)
	})
}

// GetDebugStore returns the global debug store instance.
// Returns nil if InitDebugStore has not been called.
func GetDebugStore() *DebugLogStore {
	return globalDebugStore
}

// Log adds a message to the store and notifies all subscribers.
func (s *DebugLogStore) Log(level, format string, args ...interface{}) {
	msg := LogMessage{
		Timestamp: s.now(),
		Level:     level,
		Message:   fmt.Sprintf(format, args...),
	}

	s.mu.RLock()
	fl := s.fileLogger
	s.mu.RUnlock()
	if fl != nil {
		if level != "" {
			fl.Log("%s: %s", level, msg.Message)
		} else {
			fl.Log("%s", msg.Message)
		}
	}

	// Drop the message rather than block the caller.
	if !s.mu.TryLock() {
		return
	}
	s.messages = append(s.messages, msg)
	if len(s.messages) > s.maxLines {
		s.messages = s.messages[len(s.messages)-s.maxLines:]
	}
	s.mu.Unlock()

	s.listenersMu.RLock()
	listeners := make([]func(LogMessage), 0, len(s.listeners))
	for _, cb := range s.listeners {
		listeners = append(listeners, cb)
	}
	s.listenersMu.RUnlock()

	for _, cb := range listeners {
		go cb(msg)
	}
}

// Logger returns a logging.Logger that writes to the store at level.
func (s *DebugLogStore) Logger(level string) logging.Logger {
	return logging.LoggerFunc(func(format string, args ...interface{}) {
		s.Log(level, format, args...)
	})
}

// Subscribe registers a callback to receive new log messages.
// Returns a DebugStoreListenerID that can be used to unsubscribe.
func (s *DebugLogStore) Subscribe(cb func(LogMessage)) DebugStoreListenerID {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	id := DebugStoreListenerID(fmt.Sprintf("debug-%d", atomic.AddUint64(&s.counter, 1)))
	s.listeners[id] = cb
	return id
}

// Unsubscribe removes a previously registered subscriber.
func (s *DebugLogStore) Unsubscribe(id DebugStoreListenerID) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	delete(s.listeners, id)
}

// GetMessages returns a copy of all messages in the store.
func (s *DebugLogStore) GetMessages() []LogMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]LogMessage, len(s.messages))
	copy(result, s.messages)
	return result
}

// Clear removes all messages from the store.
func (s *DebugLogStore) Clear() {
	s.mu.Lock()
	s.messages = make([]LogMessage, 0)
	s.mu.Unlock()
}

// SetFileLogger mirrors every message to logger.
func (s *DebugLogStore) SetFileLogger(logger logging.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fileLogger = logger
}

// LogEvent records a monitor event. Reconnect countdown ticks are not
// logged; the controllers table shows them.
func (s *DebugLogStore) LogEvent(ev erc.Event) {
	switch ev.Kind {
	case erc.EventWarning:
		s.Log(LevelWarning, "%s: %s", ev.Controller, ev.Text)
	case erc.EventFatal:
		s.Log(LevelError, "%s: %s", ev.Controller, ev.Text)
	case erc.EventPhaseChanged:
		s.Log(LevelMonitor, "%s: phase %s", ev.Controller, ev.Phase)
	case erc.EventConnection:
		if ev.Countdown > 0 {
			return
		}
		s.Log(LevelMonitor, "%s: %s", ev.Controller, ev.Status)
	case erc.EventLog:
		s.Log(LevelInfo, "%s: %s", ev.Controller, ev.Text)
	}
}

// StoreLog logs a message to the global debug store if it exists.
func StoreLog(format string, args ...interface{}) {
	if globalDebugStore != nil {
		globalDebugStore.Log(LevelInfo, format, args...)
	}
}

// StoreLogError logs an error to the global debug store if it exists.
func StoreLogError(format string, args ...interface{}) {
	if globalDebugStore != nil {
		globalDebugStore.Log(LevelError, format, args...)
	}
}
