// onoff/onoff.go

// Package onoff coordinates the on/off lifecycle of one shared, lazily
// activated resource (a clock, a power rail, a regulator) across many
// concurrent requesters.
//
// The resource owner supplies start/stop/reset transitions that complete
// asynchronously; the coordinator serializes them (at most one in flight),
// reference-counts requesters, queues clients that arrive mid-transition,
// and delivers exactly one completion notification per operation. A failed
// transition latches the service into a fault state that rejects everything
// until an explicit reset succeeds.
//
// The service lock is never held across owner transitions or client
// notification: both run arbitrary code and may block or re-enter.
package onoff

import (
	"math"
	"sync"

	"powercode-go/errcode"
)

// Notify is the completion callback handed to a transition. The owner must
// invoke it exactly once, from any goroutine, with nil on success.
type Notify func(res error)

// Transition asynchronously starts, stops, or resets the underlying
// resource on behalf of the coordinator.
type Transition func(svc *Service, done Notify)

// Config declares which transitions may block the invoking goroutine.
// Clients with NoWait set are rejected rather than allowed to initiate a
// sleeping transition.
type Config uint32

const (
	StartSleeps Config = 1 << iota
	StopSleeps
	ResetSleeps

	configMask = StartSleeps | StopSleeps | ResetSleeps
)

// flags layout: config bits above, then the fault latch and the lifecycle
// state encoded as on/transition bits (off=0, to-on=transition|on,
// to-off=transition).
const (
	flagHasError uint32 = 1 << (iota + 3)
	flagOn
	flagTransition

	stateOff   = uint32(0)
	stateOn    = flagOn
	stateToOn  = flagTransition | flagOn
	stateToOff = flagTransition
	stateMask  = flagOn | flagTransition
)

const refsMax = math.MaxUint16

// Service multiplexes requesters onto one underlying resource. Construct
// with New; each instance is independent.
type Service struct {
	mu       sync.Mutex
	flags    uint32
	refs     uint16
	clients  []*Client // pending FIFO, resolved on transition completion
	releaser *Client   // the client whose release drives the in-flight stop
	fault    error     // latched transition failure, kept for diagnostics

	start Transition
	stop  Transition
	reset Transition
}

// New builds a service in the off state. start and stop are required;
// reset may be nil if the owner cannot recover a faulted resource.
func New(start, stop, reset Transition, cfg Config) (*Service, error) {
	if cfg&^configMask != 0 {
		return nil, errcode.InvalidParams
	}
	if start == nil || stop == nil {
		return nil, errcode.InvalidParams
	}
	return &Service{flags: uint32(cfg), start: start, stop: stop, reset: reset}, nil
}

func (s *Service) setState(state uint32) {
	s.flags = s.flags&^stateMask | state&stateMask
}

// Request asks for the resource to be on and, on success, owes the caller
// one Release. The non-negative return distinguishes how the request was
// satisfied, for diagnostics and tests; callers should only rely on err:
//
//	0 — already on, reference granted and client notified synchronously
//	1 — queued behind an in-flight start
//	2 — this request initiated the start
//	3 — queued behind an in-flight stop; a fresh start follows it
func (s *Service) Request(cli *Client) (int, error) {
	if err := cli.validate(); err != nil {
		return 0, err
	}

	addClient := false
	start := false
	notify := false
	rv := 0

	s.mu.Lock()
	if s.flags&flagHasError != 0 {
		s.mu.Unlock()
		return 0, errcode.Faulted
	}
	if s.refs == refsMax {
		s.mu.Unlock()
		return 0, errcode.Exhausted
	}

	switch s.flags & stateMask {
	case stateToOff:
		// Restart once the stop completes.
		addClient = true
		rv = 3
	case stateOff:
		if cli.NoWait && s.flags&uint32(StartSleeps) != 0 {
			s.mu.Unlock()
			return 0, errcode.WouldBlock
		}
		// First request while off starts the resource.
		s.setState(stateToOn)
		start = true
		addClient = true
		rv = 2
	case stateToOn:
		addClient = true
		rv = 1
	case stateOn:
		notify = true
	}

	if addClient {
		cli.queued.Store(true)
		s.clients = append(s.clients, cli)
	} else if notify {
		s.refs++
	}
	s.mu.Unlock()

	if start {
		s.start(s, s.startDone)
	} else if notify {
		s.notify(cli, nil)
	}
	return rv, nil
}

// startDone resolves an in-flight start. On success every queued client is
// granted a reference and the service is on; on failure the fault latches
// and the queue is flushed with the failure, state otherwise left in place
// for diagnosis.
func (s *Service) startDone(res error) {
	s.mu.Lock()
	clients := s.clients
	if res != nil {
		s.flags &^= flagTransition
		s.flags |= flagHasError
		s.fault = res
	} else {
		s.setState(stateOn)
		// Grant one reference per queued client, bounded.
		if int(s.refs) > refsMax-len(clients) {
			s.flags |= flagHasError
			s.fault = errcode.Exhausted
		} else {
			s.refs += uint16(len(clients))
		}
	}
	s.clients = nil
	s.mu.Unlock()

	s.notifyAll(clients, res)
}

// Release returns a reference obtained via Request.
//
//	1 — other holders remain; client notified synchronously
//	2 — last reference; this client became the releaser of the stop
func (s *Service) Release(cli *Client) (int, error) {
	if err := cli.validate(); err != nil {
		return 0, err
	}

	stop := false
	notify := false
	rv := 0

	s.mu.Lock()
	if s.flags&flagHasError != 0 {
		s.mu.Unlock()
		return 0, errcode.Faulted
	}

	switch s.flags & stateMask {
	case stateOn:
		if s.refs > 1 {
			notify = true
			rv = 1
			break
		}
		if cli.NoWait && s.flags&uint32(StopSleeps) != 0 {
			s.mu.Unlock()
			return 0, errcode.WouldBlock
		}
		stop = true
		s.setState(stateToOff)
		cli.queued.Store(true)
		s.releaser = cli
		rv = 2
	case stateToOn:
		s.mu.Unlock()
		return 0, errcode.Busy
	case stateOff, stateToOff:
		s.mu.Unlock()
		return 0, errcode.Already
	}

	if notify {
		s.refs--
	}
	s.mu.Unlock()

	if stop {
		s.stop(s, s.stopDone)
	} else if notify {
		s.notify(cli, nil)
	}
	return rv, nil
}

// stopDone resolves an in-flight stop. The releaser always learns the stop
// result first. On success with requests queued behind the stop, the
// service restarts immediately and is never observable as off.
func (s *Service) stopDone(res error) {
	flush := false
	start := false

	s.mu.Lock()
	clients := s.clients
	releaser := s.releaser
	if res != nil {
		s.flags &^= flagTransition
		s.flags |= flagHasError
		s.fault = res
		flush = true
	} else if len(clients) == 0 {
		s.setState(stateOff)
	} else {
		s.setState(stateToOn)
		start = true
	}
	s.refs--
	s.releaser = nil
	if flush {
		s.clients = nil
	}
	s.mu.Unlock()

	s.notify(releaser, res)
	if flush {
		s.notifyAll(clients, res)
	} else if start {
		s.start(s, s.startDone)
	}
}

// Cancel withdraws a client still queued on a pending transition and
// resolves it with errcode.Canceled.
//
// It refuses (errcode.WouldBlock) to remove the last queued client while a
// non-stop transition is outstanding — somebody has to stay to observe a
// possible failure — and to cancel the active releaser of a committed
// stop. A client that already resolved yields errcode.Already.
func (s *Service) Cancel(cli *Client) error {
	if cli == nil {
		return errcode.InvalidParams
	}

	var err error = errcode.Already
	s.mu.Lock()
	state := s.flags & stateMask
	if i := indexClient(s.clients, cli); i >= 0 {
		s.clients = append(s.clients[:i], s.clients[i+1:]...)
		err = nil
		if len(s.clients) == 0 && state != stateToOff {
			err = errcode.WouldBlock
			s.clients = append(s.clients, cli)
		}
	} else if s.releaser == cli {
		err = errcode.WouldBlock
	}
	s.mu.Unlock()

	if err == nil {
		s.notify(cli, errcode.Canceled)
	}
	return err
}

func indexClient(clients []*Client, cli *Client) int {
	// O(n) scan; pending queues are expected to stay small.
	for i, c := range clients {
		if c == cli {
			return i
		}
	}
	return -1
}

// Reset recovers a faulted service through the owner's reset transition.
// Returns errcode.Unsupported if the owner configured none, and
// errcode.Already if the service is not faulted. Additional reset clients
// queue behind an in-flight reset and share its result.
func (s *Service) Reset(cli *Client) error {
	if s.reset == nil {
		return errcode.Unsupported
	}
	if err := cli.validate(); err != nil {
		return err
	}

	reset := false
	s.mu.Lock()
	if cli.NoWait && s.flags&uint32(ResetSleeps) != 0 {
		s.mu.Unlock()
		return errcode.WouldBlock
	}
	if s.flags&flagHasError == 0 {
		s.mu.Unlock()
		return errcode.Already
	}
	if s.flags&flagTransition == 0 {
		reset = true
		s.flags |= flagTransition
	}
	cli.queued.Store(true)
	s.clients = append(s.clients, cli)
	s.mu.Unlock()

	if reset {
		s.reset(s, s.resetDone)
	}
	return nil
}

// resetDone resolves an in-flight reset. Success returns the service to
// off with zero references and clears the fault; failure leaves the latch
// and the diagnostic state untouched.
func (s *Service) resetDone(res error) {
	s.mu.Lock()
	clients := s.clients
	if res != nil {
		s.flags &^= flagTransition
	} else {
		s.refs = 0
		s.flags &= uint32(configMask)
		s.fault = nil
	}
	s.clients = nil
	s.mu.Unlock()

	s.notifyAll(clients, res)
}
