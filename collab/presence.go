package collab

import (
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/golang/glog"
)

type Cursor struct {
	X     float64 `json:"x" cbor:"1,keyasint"`
	Y     float64 `json:"y" cbor:"2,keyasint"`
	Color string  `json:"color,omitempty" cbor:"3,keyasint,omitempty"`
}

// opaque per-user bag broadcast alongside presence.
// always replaced wholesale, never merged.
type AwarenessPayload = map[string]any

type Participant struct {
	ParticipantId Id        `json:"participant_id" cbor:"1,keyasint"`
	UserId        Id        `json:"user_id" cbor:"2,keyasint"`
	Name          string    `json:"name" cbor:"3,keyasint"`
	Avatar        string    `json:"avatar,omitempty" cbor:"4,keyasint,omitempty"`
	IsActive      bool      `json:"is_active" cbor:"5,keyasint"`
	JoinedAt      time.Time `json:"joined_at" cbor:"6,keyasint"`
	LastActivity  time.Time `json:"last_activity" cbor:"7,keyasint"`
	Permissions   []string  `json:"permissions,omitempty" cbor:"8,keyasint,omitempty"`
}

func (self *Participant) copy() *Participant {
	participant := *self
	participant.Permissions = slices.Clone(self.Permissions)
	return &participant
}

type PresenceChangeFunction = func()

// one entry per user. The cursor and awareness live inside the entry so
// that removing a user removes all three together - an orphaned cursor or
// awareness bag cannot exist.
type presenceEntry struct {
	participant *Participant
	cursor      *Cursor
	awareness   AwarenessPayload
}

// participants, cursors, and awareness for one room, keyed by userId
type PresenceRegistry struct {
	stateLock sync.Mutex
	entries   map[Id]*presenceEntry

	changeCallbacks *CallbackList[PresenceChangeFunction]
}

func NewPresenceRegistry() *PresenceRegistry {
	return &PresenceRegistry{
		entries:         map[Id]*presenceEntry{},
		changeCallbacks: NewCallbackList[PresenceChangeFunction](),
	}
}

func (self *PresenceRegistry) AddChangeCallback(changeCallback PresenceChangeFunction) func() {
	id := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(id)
	}
}

func (self *PresenceRegistry) change() {
	for _, changeCallback := range self.changeCallbacks.Get() {
		safeCallback(changeCallback)
	}
}

// idempotent. Re-adding an existing userId keeps the original entry,
// preserving `JoinedAt`.
func (self *PresenceRegistry) AddParticipant(participant *Participant) bool {
	added := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if _, ok := self.entries[participant.UserId]; ok {
			return
		}
		self.entries[participant.UserId] = &presenceEntry{
			participant: participant.copy(),
		}
		added = true
	}()
	if added {
		glog.V(2).Infof("[pr]add %s\n", participant.UserId)
		self.change()
	}
	return added
}

// removes the participant and its cursor and awareness together.
// removing an unknown userId is a no-op.
func (self *PresenceRegistry) RemoveParticipant(userId Id) bool {
	removed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if _, ok := self.entries[userId]; !ok {
			return
		}
		delete(self.entries, userId)
		removed = true
	}()
	if removed {
		glog.V(2).Infof("[pr]remove %s\n", userId)
		self.change()
	}
	return removed
}

// last write wins. The cursor is replaced wholesale.
// updates for unknown users are dropped.
func (self *PresenceRegistry) UpdateCursor(userId Id, cursor *Cursor) bool {
	updated := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		entry, ok := self.entries[userId]
		if !ok {
			return
		}
		c := *cursor
		entry.cursor = &c
		entry.participant.LastActivity = time.Now()
		updated = true
	}()
	if updated {
		self.change()
	}
	return updated
}

// last write wins. The payload is replaced wholesale, not merged, so a
// stale field can never leak across updates.
func (self *PresenceRegistry) UpdateAwareness(userId Id, payload AwarenessPayload) bool {
	updated := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		entry, ok := self.entries[userId]
		if !ok {
			return
		}
		entry.awareness = maps.Clone(payload)
		entry.participant.LastActivity = time.Now()
		updated = true
	}()
	if updated {
		self.change()
	}
	return updated
}

func (self *PresenceRegistry) Touch(userId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if entry, ok := self.entries[userId]; ok {
		entry.participant.LastActivity = time.Now()
	}
}

func (self *PresenceRegistry) SetActive(userId Id, isActive bool) {
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		entry, ok := self.entries[userId]
		if !ok {
			return
		}
		if entry.participant.IsActive != isActive {
			entry.participant.IsActive = isActive
			changed = true
		}
	}()
	if changed {
		self.change()
	}
}

// snapshot of the current participants, not a live view
func (self *PresenceRegistry) ActiveUsers() []*Participant {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	participants := []*Participant{}
	for _, entry := range self.entries {
		participants = append(participants, entry.participant.copy())
	}
	return participants
}

func (self *PresenceRegistry) Participant(userId Id) (*Participant, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.entries[userId]
	if !ok {
		return nil, false
	}
	return entry.participant.copy(), true
}

func (self *PresenceRegistry) Cursor(userId Id) (*Cursor, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.entries[userId]
	if !ok || entry.cursor == nil {
		return nil, false
	}
	cursor := *entry.cursor
	return &cursor, true
}

// snapshot of all cursors keyed by userId
func (self *PresenceRegistry) Cursors() map[Id]*Cursor {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	cursors := map[Id]*Cursor{}
	for userId, entry := range self.entries {
		if entry.cursor != nil {
			cursor := *entry.cursor
			cursors[userId] = &cursor
		}
	}
	return cursors
}

func (self *PresenceRegistry) Awareness(userId Id) (AwarenessPayload, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.entries[userId]
	if !ok || entry.awareness == nil {
		return nil, false
	}
	return maps.Clone(entry.awareness), true
}

func (self *PresenceRegistry) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.entries)
}

func (self *PresenceRegistry) Reset() {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.entries = map[Id]*presenceEntry{}
	}()
	self.change()
}
