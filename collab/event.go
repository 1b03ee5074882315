package collab

import (
	"context"
	"os"
	"os/signal"
)

// a cancelable lifecycle event that the cmd binaries block on.
// `SetOnSignals` arms the event on os signals for clean shutdown.
type Event struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func NewEventWithContext(ctx context.Context) *Event {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Event{
		ctx:    cancelCtx,
		cancel: cancel,
	}
}

func (self *Event) Ctx() context.Context {
	return self.ctx
}

func (self *Event) Set() {
	self.cancel()
}

func (self *Event) SetOnSignals(signals ...os.Signal) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, signals...)
	go func() {
		defer signal.Stop(c)
		select {
		case <-self.ctx.Done():
		case <-c:
			self.cancel()
		}
	}()
}
