// onoff/client.go
package onoff

import (
	"sync/atomic"

	"powercode-go/errcode"
)

// NotifyMethod selects how a client learns that its operation resolved.
type NotifyMethod uint8

const (
	// NotifySpinwait: the caller polls Client.Fetch.
	NotifySpinwait NotifyMethod = iota
	// NotifyCallback: Handler is invoked by whichever goroutine completes
	// the transition (or synchronously on the fast path).
	NotifyCallback
	// NotifySignal: the result is sent on Signal without blocking.
	NotifySignal
)

// Callback is a client completion handler. A nil err means success.
type Callback func(svc *Service, cli *Client, userData any, err error)

// Client carries one request/release/reset operation. The caller owns it,
// populates the notification fields before each use, and must not touch or
// reuse it between issuing the operation and being notified.
type Client struct {
	// Method selects the notification mechanism.
	Method NotifyMethod
	// Handler and UserData are required for NotifyCallback.
	Handler  Callback
	UserData any
	// Signal is required for NotifySignal. It must have free capacity when
	// the result is delivered; the send never blocks.
	Signal chan<- error
	// NoWait rejects the operation with errcode.WouldBlock instead of
	// initiating a transition the owner declared as sleeping. Callers in
	// contexts that must not block set this and retry from a blockable one.
	NoWait bool

	queued atomic.Bool // owned by a service queue
	done   atomic.Bool // result available
	result error
}

// Fetch polls for completion. done is false while the operation is still
// pending; once true, err holds the delivered result (nil on success).
func (c *Client) Fetch() (done bool, err error) {
	if !c.done.Load() {
		return false, nil
	}
	return true, c.result
}

// validate mirrors the entry checks every operation performs on its client,
// and arms the client for a fresh result.
func (c *Client) validate() error {
	if c == nil {
		return errcode.InvalidParams
	}
	switch c.Method {
	case NotifySpinwait:
	case NotifyCallback:
		if c.Handler == nil {
			return errcode.InvalidParams
		}
	case NotifySignal:
		if c.Signal == nil {
			return errcode.InvalidParams
		}
	default:
		return errcode.InvalidParams
	}
	if c.queued.Load() {
		// Still owned by a service; reuse here would corrupt the queue.
		return errcode.InvalidParams
	}
	c.result = nil
	c.done.Store(false)
	return nil
}

// notify delivers the single completion result. Never called with the
// service lock held: handlers may call back into the service.
func (s *Service) notify(c *Client, res error) {
	c.result = res
	c.queued.Store(false)
	c.done.Store(true)
	switch c.Method {
	case NotifySpinwait:
	case NotifyCallback:
		c.Handler(s, c, c.UserData, res)
	case NotifySignal:
		select {
		case c.Signal <- res:
		default:
			// Contract violation: the caller let the signal channel fill up.
		}
	}
}

// notifyAll resolves clients in queue order (FIFO fairness).
func (s *Service) notifyAll(clients []*Client, res error) {
	for _, c := range clients {
		s.notify(c, res)
	}
}
