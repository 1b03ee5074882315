package collab

import (
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

type CollaborationEventType string

const (
	CollaborationEventTypeUserJoined CollaborationEventType = "user-joined"
	CollaborationEventTypeUserLeft   CollaborationEventType = "user-left"
	CollaborationEventTypeOperation  CollaborationEventType = "operation"
)

type CollaborationEvent struct {
	EventId   Id                     `json:"event_id" cbor:"1,keyasint"`
	EventType CollaborationEventType `json:"event_type" cbor:"2,keyasint"`
	UserId    Id                     `json:"user_id,omitempty" cbor:"3,keyasint,omitempty"`
	Data      map[string]any         `json:"data,omitempty" cbor:"4,keyasint,omitempty"`
	EventTime time.Time              `json:"event_time" cbor:"5,keyasint"`
}

func NewCollaborationEvent(eventType CollaborationEventType, userId Id, data map[string]any) *CollaborationEvent {
	return &CollaborationEvent{
		EventId:   NewId(),
		EventType: eventType,
		UserId:    userId,
		Data:      data,
		EventTime: time.Now(),
	}
}

type EventLogChangeFunction = func()

type EventLogSettings struct {
	MaxEventCount int
}

func DefaultEventLogSettings() *EventLogSettings {
	return &EventLogSettings{
		MaxEventCount: 100,
	}
}

// capped, newest-first log of collaboration events for activity replay.
// ordering is by local receipt time only. There is no global clock, so
// two peers may observe the same pair of events in a different relative
// order. That is an accepted limitation of the design.
type EventLog struct {
	settings *EventLogSettings

	stateLock sync.Mutex
	events    []*CollaborationEvent

	changeCallbacks *CallbackList[EventLogChangeFunction]
}

func NewEventLogWithDefaults() *EventLog {
	return NewEventLog(DefaultEventLogSettings())
}

func NewEventLog(settings *EventLogSettings) *EventLog {
	return &EventLog{
		settings:        settings,
		events:          []*CollaborationEvent{},
		changeCallbacks: NewCallbackList[EventLogChangeFunction](),
	}
}

func (self *EventLog) AddChangeCallback(changeCallback EventLogChangeFunction) func() {
	id := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(id)
	}
}

func (self *EventLog) change() {
	for _, changeCallback := range self.changeCallbacks.Get() {
		safeCallback(changeCallback)
	}
}

// prepend. The oldest events fall off the tail once the cap is reached.
func (self *EventLog) AddEvent(event *CollaborationEvent) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.events = slices.Insert(self.events, 0, event)
		if self.settings.MaxEventCount < len(self.events) {
			self.events = self.events[0:self.settings.MaxEventCount]
		}
	}()
	self.change()
}

// administrative bulk replace, e.g. applying a server snapshot.
// `events` must be ordered newest first. The cap still applies.
func (self *EventLog) SetEvents(events []*CollaborationEvent) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.events = slices.Clone(events)
		if self.settings.MaxEventCount < len(self.events) {
			self.events = self.events[0:self.settings.MaxEventCount]
		}
	}()
	self.change()
}

func (self *EventLog) ClearEvents() {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.events = []*CollaborationEvent{}
	}()
	self.change()
}

// snapshot, newest first
func (self *EventLog) Events() []*CollaborationEvent {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return slices.Clone(self.events)
}

func (self *EventLog) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.events)
}
