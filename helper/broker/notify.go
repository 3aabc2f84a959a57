// Package broker provides generic pub/sub helpers for intra-process
// notification fan-out.
package broker

import (
	"fmt"
	"time"
)

// GenericNotifier allows a process to wait on a state change with a timeout,
// where the update is sent by another routine. All subscribers waiting at the
// moment of a notification receive the same message. It is used where a
// condition variable would otherwise be needed but a timeout is required.
type GenericNotifier struct {
	// publishCh is the channel used to receive the update which will be sent
	// to all subscribers.
	publishCh chan interface{}

	// subscribeCh and unsubscribeCh manage the list of current subscribers.
	subscribeCh   chan chan interface{}
	unsubscribeCh chan chan interface{}
}

// NewGenericNotifier returns a generic notifier which can be used by a
// process to notify subscribers of state changes.
func NewGenericNotifier() *GenericNotifier {
	return &GenericNotifier{
		publishCh:     make(chan interface{}, 1),
		subscribeCh:   make(chan chan interface{}, 1),
		unsubscribeCh: make(chan chan interface{}, 1),
	}
}

// Notify allows the caller to notify all waiting subscribers of a state
// change. The message is delivered to every subscriber registered at the
// time of the call; there is no replay for late subscribers.
func (g *GenericNotifier) Notify(msg interface{}) {
	select {
	case g.publishCh <- msg:
	default:
	}
}

// Run is a long-lived process which handles updating subscribers as well as
// ensuring any update is sent to them. The passed channel is used to stop the
// loop.
func (g *GenericNotifier) Run(stopCh <-chan struct{}) {
	// Store our subscribers inline with a map. This map can only be accessed
	// via a single channel update at a time, meaning we can manipulate this
	// without having to use a lock.
	subscribers := map[chan interface{}]struct{}{}

	for {
		select {
		case <-stopCh:
			return
		case msgCh := <-g.subscribeCh:
			subscribers[msgCh] = struct{}{}
		case msgCh := <-g.unsubscribeCh:
			delete(subscribers, msgCh)
		case update := <-g.publishCh:
			for subscriberCh := range subscribers {
				// The subscriber may not be listening yet or may have timed
				// out; do not block the notifier on a slow consumer.
				select {
				case subscriberCh <- update:
				default:
				}
			}
		}
	}
}

// WaitForChange allows a subscriber to wait until there is a notification
// change, or the timeout is reached. The function will block until one
// condition is met.
func (g *GenericNotifier) WaitForChange(timeout time.Duration) interface{} {
	// Create a channel and subscribe to any update. This channel is buffered
	// so the notifier run loop can always deliver without blocking.
	updateCh := make(chan interface{}, 1)
	g.subscribeCh <- updateCh

	// Create a timeout timer and ensure we clean up after ourselves on exit.
	timeoutTimer := time.NewTimer(timeout)
	defer func() {
		g.unsubscribeCh <- updateCh
		timeoutTimer.Stop()
	}()

	select {
	case <-timeoutTimer.C:
		return fmt.Sprintf("wait timed out after %s", timeout)
	case update := <-updateCh:
		return update
	}
}
