package collab

import (
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/golang/glog"
)

type OperationType string

const (
	OperationTypeAdd    OperationType = "add"
	OperationTypeRemove OperationType = "remove"
	OperationTypeUpdate OperationType = "update"
	OperationTypeMove   OperationType = "move"
)

// an atomic edit record. Immutable once created; the log evicts entries
// but never mutates them.
type Operation struct {
	OperationId   Id             `json:"operation_id" cbor:"1,keyasint"`
	OperationType OperationType  `json:"operation_type" cbor:"2,keyasint"`
	ObjectId      Id             `json:"object_id" cbor:"3,keyasint"`
	Data          map[string]any `json:"data,omitempty" cbor:"4,keyasint,omitempty"`
	EventTime     time.Time      `json:"event_time" cbor:"5,keyasint"`
}

func NewOperation(operationType OperationType, objectId Id, data map[string]any) *Operation {
	return &Operation{
		OperationId:   NewId(),
		OperationType: operationType,
		ObjectId:      objectId,
		Data:          data,
		EventTime:     time.Now(),
	}
}

type OperationLogChangeFunction = func()

type OperationLogSettings struct {
	MaxHistorySize int
}

func DefaultOperationLogSettings() *OperationLogSettings {
	return &OperationLogSettings{
		MaxHistorySize: 100,
	}
}

// bounded linear undo/redo stack of edit operations.
// `historyIndex` is a single cursor into the history:
//
//	-1                  nothing applied
//	[0, len(history))   history[historyIndex] is the current state
//
// the model is linear, not a tree. Appending after an undo discards the
// undone tail, so the redo chain is gone once a new edit lands.
type OperationLog struct {
	settings *OperationLogSettings

	stateLock    sync.Mutex
	history      []*Operation
	historyIndex int

	changeCallbacks *CallbackList[OperationLogChangeFunction]
}

func NewOperationLogWithDefaults() *OperationLog {
	return NewOperationLog(DefaultOperationLogSettings())
}

func NewOperationLog(settings *OperationLogSettings) *OperationLog {
	return &OperationLog{
		settings:        settings,
		history:         []*Operation{},
		historyIndex:    -1,
		changeCallbacks: NewCallbackList[OperationLogChangeFunction](),
	}
}

func (self *OperationLog) AddChangeCallback(changeCallback OperationLogChangeFunction) func() {
	id := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(id)
	}
}

func (self *OperationLog) change() {
	for _, changeCallback := range self.changeCallbacks.Get() {
		safeCallback(changeCallback)
	}
}

// always succeeds. Appending truncates the redo tail, then evicts the
// oldest entry if the history exceeds the cap, rebasing the cursor by -1.
func (self *OperationLog) Append(operation *Operation) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.history = append(self.history[0:self.historyIndex+1], operation)
		if self.settings.MaxHistorySize < len(self.history) {
			evictCount := len(self.history) - self.settings.MaxHistorySize
			self.history = slices.Delete(self.history, 0, evictCount)
			glog.V(2).Infof("[op]evict %d\n", evictCount)
		}
		self.historyIndex = len(self.history) - 1
	}()
	self.change()
}

func (self *OperationLog) Undo() bool {
	ok := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if 0 < self.historyIndex {
			self.historyIndex -= 1
			ok = true
		}
	}()
	if ok {
		self.change()
	}
	return ok
}

func (self *OperationLog) Redo() bool {
	ok := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.historyIndex < len(self.history)-1 {
			self.historyIndex += 1
			ok = true
		}
	}()
	if ok {
		self.change()
	}
	return ok
}

func (self *OperationLog) CanUndo() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return 0 < self.historyIndex
}

func (self *OperationLog) CanRedo() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.historyIndex < len(self.history)-1
}

// snapshot of the history and the cursor, oldest first
func (self *OperationLog) History() ([]*Operation, int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return slices.Clone(self.history), self.historyIndex
}

func (self *OperationLog) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.history)
}

func (self *OperationLog) Reset() {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.history = []*Operation{}
		self.historyIndex = -1
	}()
	self.change()
}
