// Package model defines the data model shared by every backup/restore
// component: the Task event log, the Backup/Restore documents, and the
// tagged-variant interfaces (BackupSource, CloudBlockStorage, Connector,
// BackupStrategy) that stand in for a class hierarchy.
package model

import (
	"fmt"
	"sync"
	"time"
)

// EventType classifies a single Task event entry.
type EventType string

const (
	EventInfo    EventType = "INFO"
	EventWarning EventType = "WARNING"
	EventError   EventType = "ERROR"
)

// Event is one append-only entry in a Task's event log.
type Event struct {
	Name      string
	Type      EventType
	Message   string
	Details   map[string]any
	Date      time.Time
	ErrorCode string
}

// EventLog is an append-only, never-reordered sequence of Events with O(1)
// "last of name" and "exists by name" lookups. It is safe for concurrent use:
// the quiescence coordinator's detached watchdogs append to the same task's
// log as the main worker (§5), so every access goes through a mutex rather
// than assuming a single writer.
type EventLog struct {
	mu      sync.Mutex
	entries []Event
	byName  map[string]int // name -> index of most recent entry with that name
}

// Append adds a new entry to the end of the log. It never mutates or
// removes prior entries.
func (l *EventLog) Append(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.byName == nil {
		l.byName = make(map[string]int)
	}
	l.entries = append(l.entries, e)
	l.byName[e.Name] = len(l.entries) - 1
}

// Has reports whether an event with the given name has ever been logged.
func (l *EventLog) Has(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.byName[name]
	return ok
}

// Last returns the most recent entry with the given name.
func (l *EventLog) Last(name string) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx, ok := l.byName[name]
	if !ok {
		return Event{}, false
	}
	return l.entries[idx], true
}

// All returns a copy of the entries in append order.
func (l *EventLog) All() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.entries))
	copy(out, l.entries)
	return out
}

// IsAfter reports whether the most recent entry named a is strictly later
// than the most recent entry named b. If a is missing, it is never after b.
// If b is missing, a (when present) is always after b.
func (l *EventLog) IsAfter(a, b string) bool {
	ea, aok := l.Last(a)
	if !aok {
		return false
	}
	eb, bok := l.Last(b)
	if !bok {
		return true
	}
	return ea.Date.After(eb.Date)
}

// Task is the unit of work shared by Backup and Restore.
type Task struct {
	ID            string
	TryCount      int
	Workspace     string
	Reschedulable bool
	StartDate     time.Time
	Events        EventLog
}

// LogEvent appends an event entry. It mirrors updateTask's event-append half;
// callers persisting through a TaskStore are responsible for also saving the
// listed properties in the same transactional update (see TaskUpdate).
func (t *Task) LogEvent(name string, typ EventType, message string, details map[string]any) {
	t.Events.Append(Event{
		Name:    name,
		Type:    typ,
		Message: message,
		Details: details,
		Date:    nowFn(),
	})
}

// LogErrorEvent appends an ERROR event carrying a classification code.
func (t *Task) LogErrorEvent(name, message, errorCode string, details map[string]any) {
	t.Events.Append(Event{
		Name:      name,
		Type:      EventError,
		Message:   message,
		Details:   details,
		Date:      nowFn(),
		ErrorCode: errorCode,
	})
}

// IsEventLogged reports whether the named event is present — the core
// resumption check every phase makes before re-running its work.
func (t *Task) IsEventLogged(name string) bool {
	return t.Events.Has(name)
}

// nowFn is indirected so tests can pin time without reaching for a fake clock
// abstraction across every package.
var nowFn = time.Now

// MaxNoRetries bounds how many scheduling attempts a Task gets (§4.1).
const MaxNoRetries = 3

// IsReschedulable implements the §4.1 rule: tryCount < MAX_NO_RETRIES AND the
// final exception was retriable.
func IsReschedulable(tryCount int, retriable bool) bool {
	return tryCount < MaxNoRetries && retriable
}

// Priority is the urgency attached to a Notifier call.
type Priority string

const (
	PriorityInfo     Priority = "INFO"
	PriorityWarning  Priority = "WARNING"
	PriorityCritical Priority = "CRITICAL"
)

// TargetRef is an opaque handle to an artifact placed on a Target.
type TargetRef struct {
	ID   string
	Path string
	Size int64
}

func (r TargetRef) String() string {
	return fmt.Sprintf("%s (%s, %d bytes)", r.ID, r.Path, r.Size)
}
