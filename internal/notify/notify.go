// Package notify relays committed events to notification sinks.
package notify

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"joatu/internal/domain"
	"joatu/internal/events"
)

// Notification is one event addressed to the people it concerns.
type Notification struct {
	EventID    int64           `json:"id"`
	EventType  string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	Recipients []string        `json:"recipients"`
}

// FromEvent builds the notification for a stored event.
func FromEvent(evt domain.Event) Notification {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	recipients := events.Recipients(evt.Payload)
	if recipients == nil {
		recipients = []string{}
	}
	return Notification{
		EventID:    evt.ID,
		EventType:  evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		Recipients: recipients,
	}
}

// Dispatcher delivers notifications. Deliver may be retried with the same
// notification after a failure, so implementations must tolerate duplicates.
type Dispatcher interface {
	Name() string
	Deliver(ctx context.Context, n Notification) error
}

// Filter is implemented by dispatchers that only want some event types.
type Filter interface {
	Accepts(eventType string) bool
}

// LogDispatcher writes each notification to the log.
type LogDispatcher struct {
	Log *logrus.Logger
}

func (LogDispatcher) Name() string { return "log" }

func (d LogDispatcher) Deliver(_ context.Context, n Notification) error {
	if d.Log == nil {
		return nil
	}
	d.Log.WithFields(logrus.Fields{
		"event":      n.EventType,
		"event_id":   n.EventID,
		"entity":     n.EntityKind + ":" + n.EntityID,
		"recipients": strings.Join(n.Recipients, ","),
	}).Info("notification")
	return nil
}

// Recorder keeps delivered notifications in memory.
type Recorder struct {
	mu    sync.Mutex
	items []Notification
	// Fail, when set, is returned instead of recording.
	Fail error
}

func (r *Recorder) Name() string { return "recorder" }

func (r *Recorder) Deliver(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		return r.Fail
	}
	r.items = append(r.items, n)
	return nil
}

func (r *Recorder) Notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.items...)
}

// Types lists the recorded event types in delivery order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.items))
	for _, n := range r.items {
		out = append(out, n.EventType)
	}
	return out
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(types []string) eventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		if t = strings.TrimSpace(t); t != "" {
			set[t] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(t string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[t]
	return ok
}
