package collab

import (
	"sync"

	"golang.org/x/exp/maps"

	"github.com/golang/glog"
)

// note all callbacks are invoked behind a recover so that a misbehaving
// listener cannot take down the component that emits to it

type callbackId = Id

// makes a copy of the callbacks on read so that emit never holds the lock
type CallbackList[T any] struct {
	mutex     sync.Mutex
	callbacks map[callbackId]T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: map[callbackId]T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return maps.Values(self.callbacks)
}

func (self *CallbackList[T]) Add(callback T) callbackId {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	id := NewId()
	self.callbacks[id] = callback
	return id
}

func (self *CallbackList[T]) Remove(id callbackId) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	delete(self.callbacks, id)
}

func safeCallback(callback func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("callback panic = %v\n", r)
		}
	}()
	callback()
}
