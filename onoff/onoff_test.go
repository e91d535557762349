// onoff/onoff_test.go
package onoff

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"powercode-go/errcode"
)

// -----------------------------------------------------------------------------
// Fakes
// -----------------------------------------------------------------------------

// manualOwner captures transition invocations so tests drive completion
// explicitly, including from other goroutines.
type manualOwner struct {
	mu      sync.Mutex
	calls   []string
	pending []Notify
}

func (o *manualOwner) transition(name string) Transition {
	return func(_ *Service, done Notify) {
		o.mu.Lock()
		o.calls = append(o.calls, name)
		o.pending = append(o.pending, done)
		o.mu.Unlock()
	}
}

func (o *manualOwner) complete(t *testing.T, res error) {
	t.Helper()
	o.mu.Lock()
	if len(o.pending) == 0 {
		o.mu.Unlock()
		t.Fatal("no transition in flight to complete")
	}
	done := o.pending[0]
	o.pending = o.pending[1:]
	o.mu.Unlock()
	done(res)
}

func (o *manualOwner) inFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

func (o *manualOwner) seq() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.calls))
	copy(out, o.calls)
	return out
}

func (o *manualOwner) count(name string) int {
	n := 0
	for _, c := range o.seq() {
		if c == name {
			n++
		}
	}
	return n
}

func newManualService(t *testing.T, cfg Config, withReset bool) (*Service, *manualOwner) {
	t.Helper()
	o := &manualOwner{}
	var reset Transition
	if withReset {
		reset = o.transition("reset")
	}
	svc, err := New(o.transition("start"), o.transition("stop"), reset, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return svc, o
}

// newInstantService completes every transition synchronously with nil.
func newInstantService(t *testing.T) *Service {
	t.Helper()
	instant := func(_ *Service, done Notify) { done(nil) }
	svc, err := New(instant, instant, instant, 0)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return svc
}

func mustFetch(t *testing.T, cli *Client) error {
	t.Helper()
	done, err := cli.Fetch()
	if !done {
		t.Fatal("client not resolved yet")
	}
	return err
}

func mustPending(t *testing.T, cli *Client) {
	t.Helper()
	if done, _ := cli.Fetch(); done {
		t.Fatal("client resolved early")
	}
}

func expectState(t *testing.T, svc *Service, want State, wantRefs int) {
	t.Helper()
	snap := svc.Snapshot()
	if snap.State != want || snap.Refs != wantRefs {
		t.Fatalf("state %v refs %d, want %v refs %d", snap.State, snap.Refs, want, wantRefs)
	}
}

// -----------------------------------------------------------------------------
// Construction and validation
// -----------------------------------------------------------------------------

func TestNewValidation(t *testing.T) {
	ok := func(_ *Service, done Notify) { done(nil) }

	if _, err := New(nil, ok, nil, 0); err != errcode.InvalidParams {
		t.Fatalf("nil start: got %v", err)
	}
	if _, err := New(ok, nil, nil, 0); err != errcode.InvalidParams {
		t.Fatalf("nil stop: got %v", err)
	}
	if _, err := New(ok, ok, nil, Config(1<<7)); err != errcode.InvalidParams {
		t.Fatalf("bad config bits: got %v", err)
	}
	if _, err := New(ok, ok, nil, StartSleeps|StopSleeps); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestClientValidation(t *testing.T) {
	svc := newInstantService(t)

	if _, err := svc.Request(nil); err != errcode.InvalidParams {
		t.Fatalf("nil client: got %v", err)
	}
	if _, err := svc.Request(&Client{Method: NotifyCallback}); err != errcode.InvalidParams {
		t.Fatalf("callback without handler: got %v", err)
	}
	if _, err := svc.Request(&Client{Method: NotifySignal}); err != errcode.InvalidParams {
		t.Fatalf("signal without channel: got %v", err)
	}
	if _, err := svc.Request(&Client{Method: NotifyMethod(9)}); err != errcode.InvalidParams {
		t.Fatalf("bogus method: got %v", err)
	}
}

func TestQueuedClientReuseRejected(t *testing.T) {
	svc, _ := newManualService(t, 0, false)

	cli := &Client{}
	if _, err := svc.Request(cli); err != nil {
		t.Fatalf("request: %v", err)
	}
	// Still queued on the pending start; reusing it must fail.
	if _, err := svc.Request(cli); err != errcode.InvalidParams {
		t.Fatalf("reuse while queued: got %v", err)
	}
}

// -----------------------------------------------------------------------------
// Request paths
// -----------------------------------------------------------------------------

func TestRequestFromOff(t *testing.T) {
	svc, o := newManualService(t, 0, false)

	c1 := &Client{}
	rv, err := svc.Request(c1)
	if err != nil || rv != 2 {
		t.Fatalf("rv=%d err=%v, want 2/nil", rv, err)
	}
	if got := o.seq(); len(got) != 1 || got[0] != "start" {
		t.Fatalf("unexpected transitions: %v", got)
	}
	mustPending(t, c1)
	expectState(t, svc, StateStarting, 0)

	o.complete(t, nil)
	if err := mustFetch(t, c1); err != nil {
		t.Fatalf("client result: %v", err)
	}
	expectState(t, svc, StateOn, 1)
}

func TestRequestFastPathWhileOn(t *testing.T) {
	svc, o := newManualService(t, 0, false)

	c1 := &Client{}
	svc.Request(c1)
	o.complete(t, nil)

	c2 := &Client{}
	rv, err := svc.Request(c2)
	if err != nil || rv != 0 {
		t.Fatalf("rv=%d err=%v, want 0/nil", rv, err)
	}
	if err := mustFetch(t, c2); err != nil {
		t.Fatalf("fast path result: %v", err)
	}
	if o.count("start") != 1 {
		t.Fatalf("start invoked %d times, want 1", o.count("start"))
	}
	expectState(t, svc, StateOn, 2)
}

func TestRequestsQueueDuringStart(t *testing.T) {
	svc, o := newManualService(t, 0, false)

	c1 := &Client{}
	c2 := &Client{}
	svc.Request(c1)
	rv, err := svc.Request(c2)
	if err != nil || rv != 1 {
		t.Fatalf("rv=%d err=%v, want 1/nil", rv, err)
	}
	if o.count("start") != 1 {
		t.Fatal("second request must not re-trigger start")
	}

	o.complete(t, nil)
	if mustFetch(t, c1) != nil || mustFetch(t, c2) != nil {
		t.Fatal("both queued clients should succeed")
	}
	expectState(t, svc, StateOn, 2)
}

// -----------------------------------------------------------------------------
// Release paths
// -----------------------------------------------------------------------------

func TestReleaseKeepsResourceOnForRemainingHolders(t *testing.T) {
	svc, o := newManualService(t, 0, false)

	c1, c2 := &Client{}, &Client{}
	svc.Request(c1)
	o.complete(t, nil)
	svc.Request(c2)

	rel := &Client{}
	rv, err := svc.Release(rel)
	if err != nil || rv != 1 {
		t.Fatalf("rv=%d err=%v, want 1/nil", rv, err)
	}
	if err := mustFetch(t, rel); err != nil {
		t.Fatalf("release result: %v", err)
	}
	if o.count("stop") != 0 {
		t.Fatal("stop must not run while holders remain")
	}
	expectState(t, svc, StateOn, 1)
}

func TestLastReleaseStops(t *testing.T) {
	svc, o := newManualService(t, 0, false)

	c1 := &Client{}
	svc.Request(c1)
	o.complete(t, nil)

	rel := &Client{}
	rv, err := svc.Release(rel)
	if err != nil || rv != 2 {
		t.Fatalf("rv=%d err=%v, want 2/nil", rv, err)
	}
	mustPending(t, rel)
	expectState(t, svc, StateStopping, 1)

	o.complete(t, nil)
	if err := mustFetch(t, rel); err != nil {
		t.Fatalf("releaser result: %v", err)
	}
	expectState(t, svc, StateOff, 0)
}

func TestReleaseWhileStartingIsBusy(t *testing.T) {
	svc, _ := newManualService(t, 0, false)

	svc.Request(&Client{})
	if _, err := svc.Release(&Client{}); err != errcode.Busy {
		t.Fatalf("got %v, want busy", err)
	}
}

func TestReleaseWhileOffOrStoppingIsAlready(t *testing.T) {
	svc, o := newManualService(t, 0, false)

	if _, err := svc.Release(&Client{}); err != errcode.Already {
		t.Fatalf("release while off: got %v", err)
	}

	c1 := &Client{}
	svc.Request(c1)
	o.complete(t, nil)
	svc.Release(&Client{})
	// Now stopping: a second release is redundant.
	if _, err := svc.Release(&Client{}); err != errcode.Already {
		t.Fatalf("release while stopping: got %v", err)
	}
}

// -----------------------------------------------------------------------------
// Stop-then-restart
// -----------------------------------------------------------------------------

func TestRequestDuringStopRestarts(t *testing.T) {
	svc, o := newManualService(t, 0, false)

	c1 := &Client{}
	svc.Request(c1)
	o.complete(t, nil)

	var mu sync.Mutex
	var order []string
	record := func(label string) Callback {
		return func(_ *Service, _ *Client, _ any, err error) {
			mu.Lock()
			order = append(order, label)
			mu.Unlock()
			if err != nil {
				t.Errorf("%s resolved with %v", label, err)
			}
		}
	}

	rel := &Client{Method: NotifyCallback, Handler: record("releaser")}
	svc.Release(rel)

	c2 := &Client{Method: NotifyCallback, Handler: record("c2")}
	rv, err := svc.Request(c2)
	if err != nil || rv != 3 {
		t.Fatalf("rv=%d err=%v, want 3/nil", rv, err)
	}

	// Stop completes: the releaser is resolved first, then the service goes
	// straight back to starting without resting at off.
	o.complete(t, nil)
	expectState(t, svc, StateStarting, 0)
	if o.count("start") != 2 {
		t.Fatalf("start invoked %d times, want 2", o.count("start"))
	}

	o.complete(t, nil)
	expectState(t, svc, StateOn, 1)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "releaser" || order[1] != "c2" {
		t.Fatalf("notification order %v, want [releaser c2]", order)
	}
}

// -----------------------------------------------------------------------------
// Failure latch and reset
// -----------------------------------------------------------------------------

func TestStartFailureLatches(t *testing.T) {
	svc, o := newManualService(t, 0, false)
	boom := errors.New("undervoltage")

	c1 := &Client{}
	svc.Request(c1)
	o.complete(t, boom)

	if err := mustFetch(t, c1); err != boom {
		t.Fatalf("client result %v, want %v", err, boom)
	}
	snap := svc.Snapshot()
	if snap.State != StateFaulted || snap.Fault != boom {
		t.Fatalf("snapshot %+v, want faulted with cause", snap)
	}

	// Everything is rejected until reset, without touching the owner.
	if _, err := svc.Request(&Client{}); err != errcode.Faulted {
		t.Fatalf("request after fault: got %v", err)
	}
	if _, err := svc.Release(&Client{}); err != errcode.Faulted {
		t.Fatalf("release after fault: got %v", err)
	}
	if o.count("start") != 1 {
		t.Fatal("faulted service must not re-run start")
	}
}

func TestStopFailureFlushesQueuedRequests(t *testing.T) {
	svc, o := newManualService(t, 0, false)
	boom := errors.New("stuck gate")

	c1 := &Client{}
	svc.Request(c1)
	o.complete(t, nil)

	var mu sync.Mutex
	var order []string
	record := func(label string, want error) Callback {
		return func(_ *Service, _ *Client, _ any, err error) {
			mu.Lock()
			order = append(order, label)
			mu.Unlock()
			if err != want {
				t.Errorf("%s resolved with %v, want %v", label, err, want)
			}
		}
	}

	rel := &Client{Method: NotifyCallback, Handler: record("releaser", boom)}
	svc.Release(rel)
	queued := &Client{Method: NotifyCallback, Handler: record("queued", boom)}
	svc.Request(queued)

	o.complete(t, boom)

	mu.Lock()
	if len(order) != 2 || order[0] != "releaser" || order[1] != "queued" {
		t.Fatalf("notification order %v, want [releaser queued]", order)
	}
	mu.Unlock()

	if svc.Snapshot().State != StateFaulted {
		t.Fatal("service should be faulted after failed stop")
	}
	if o.count("start") != 1 {
		t.Fatal("queued request must not restart a faulted service")
	}
}

func TestResetRecovers(t *testing.T) {
	svc, o := newManualService(t, 0, true)
	boom := errors.New("brownout")

	c1 := &Client{}
	svc.Request(c1)
	o.complete(t, boom)

	c3 := &Client{}
	if err := svc.Reset(c3); err != nil {
		t.Fatalf("reset: %v", err)
	}
	o.complete(t, nil)

	if err := mustFetch(t, c3); err != nil {
		t.Fatalf("reset client result: %v", err)
	}
	expectState(t, svc, StateOff, 0)
	if svc.Snapshot().Fault != nil {
		t.Fatal("fault should clear on successful reset")
	}

	// The service is usable again.
	c4 := &Client{}
	if rv, err := svc.Request(c4); err != nil || rv != 2 {
		t.Fatalf("request after reset: rv=%d err=%v", rv, err)
	}
	o.complete(t, nil)
	expectState(t, svc, StateOn, 1)
}

func TestResetWithoutResetTransition(t *testing.T) {
	svc, o := newManualService(t, 0, false)

	svc.Request(&Client{})
	o.complete(t, errors.New("boom"))

	if err := svc.Reset(&Client{}); err != errcode.Unsupported {
		t.Fatalf("got %v, want unsupported", err)
	}
}

func TestResetWhenNotFaulted(t *testing.T) {
	svc, _ := newManualService(t, 0, true)
	if err := svc.Reset(&Client{}); err != errcode.Already {
		t.Fatalf("got %v, want already", err)
	}
}

func TestResetClientsShareOneTransition(t *testing.T) {
	svc, o := newManualService(t, 0, true)

	svc.Request(&Client{})
	o.complete(t, errors.New("boom"))

	r1, r2 := &Client{}, &Client{}
	if err := svc.Reset(r1); err != nil {
		t.Fatalf("reset r1: %v", err)
	}
	if err := svc.Reset(r2); err != nil {
		t.Fatalf("reset r2: %v", err)
	}
	if o.count("reset") != 1 {
		t.Fatalf("reset invoked %d times, want 1", o.count("reset"))
	}

	o.complete(t, nil)
	if mustFetch(t, r1) != nil || mustFetch(t, r2) != nil {
		t.Fatal("both reset clients should share the success")
	}
}

func TestResetFailureKeepsLatch(t *testing.T) {
	svc, o := newManualService(t, 0, true)
	boom := errors.New("boom")
	resetErr := errors.New("still stuck")

	svc.Request(&Client{})
	o.complete(t, boom)

	r1 := &Client{}
	svc.Reset(r1)
	o.complete(t, resetErr)

	if err := mustFetch(t, r1); err != resetErr {
		t.Fatalf("reset client got %v, want %v", err, resetErr)
	}
	snap := svc.Snapshot()
	if snap.State != StateFaulted || snap.Fault != boom {
		t.Fatalf("latch should survive a failed reset: %+v", snap)
	}

	// A further reset attempt is permitted.
	r2 := &Client{}
	if err := svc.Reset(r2); err != nil {
		t.Fatalf("second reset: %v", err)
	}
	o.complete(t, nil)
	if err := mustFetch(t, r2); err != nil {
		t.Fatalf("second reset result: %v", err)
	}
	expectState(t, svc, StateOff, 0)
}

// -----------------------------------------------------------------------------
// Cancellation
// -----------------------------------------------------------------------------

func TestCancelQueuedClient(t *testing.T) {
	svc, o := newManualService(t, 0, false)

	c1, c2 := &Client{}, &Client{}
	svc.Request(c1)
	svc.Request(c2)

	if err := svc.Cancel(c2); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := mustFetch(t, c2); err != errcode.Canceled {
		t.Fatalf("cancelled client got %v, want canceled", err)
	}

	o.complete(t, nil)
	if err := mustFetch(t, c1); err != nil {
		t.Fatalf("surviving client: %v", err)
	}
	expectState(t, svc, StateOn, 1)
}

func TestCancelLastQueuedClientRefused(t *testing.T) {
	svc, o := newManualService(t, 0, false)

	c1 := &Client{}
	svc.Request(c1)
	if err := svc.Cancel(c1); err != errcode.WouldBlock {
		t.Fatalf("got %v, want would_block", err)
	}

	// The refused client still receives exactly its completion.
	o.complete(t, nil)
	if err := mustFetch(t, c1); err != nil {
		t.Fatalf("client result: %v", err)
	}
	expectState(t, svc, StateOn, 1)
}

func TestCancelReleaserRefused(t *testing.T) {
	svc, o := newManualService(t, 0, false)

	c1 := &Client{}
	svc.Request(c1)
	o.complete(t, nil)

	rel := &Client{}
	svc.Release(rel)
	if err := svc.Cancel(rel); err != errcode.WouldBlock {
		t.Fatalf("got %v, want would_block", err)
	}

	o.complete(t, nil)
	if err := mustFetch(t, rel); err != nil {
		t.Fatalf("releaser result: %v", err)
	}
}

func TestCancelLastClientDuringStopAllowed(t *testing.T) {
	svc, o := newManualService(t, 0, false)

	c1 := &Client{}
	svc.Request(c1)
	o.complete(t, nil)

	rel := &Client{}
	svc.Release(rel)
	c2 := &Client{}
	svc.Request(c2)

	// The releaser remains to observe the stop, so c2 may leave.
	if err := svc.Cancel(c2); err != nil {
		t.Fatalf("cancel during stop: %v", err)
	}
	if err := mustFetch(t, c2); err != errcode.Canceled {
		t.Fatalf("got %v, want canceled", err)
	}

	o.complete(t, nil)
	expectState(t, svc, StateOff, 0)
	if o.count("start") != 1 {
		t.Fatal("no restart should occur after the only waiter cancelled")
	}
}

func TestCancelResolvedClient(t *testing.T) {
	svc, o := newManualService(t, 0, false)

	c1 := &Client{}
	svc.Request(c1)
	o.complete(t, nil)

	if err := svc.Cancel(c1); err != errcode.Already {
		t.Fatalf("got %v, want already", err)
	}
}

// -----------------------------------------------------------------------------
// Non-blockable contexts
// -----------------------------------------------------------------------------

func TestNoWaitRejectsSleepingTransitions(t *testing.T) {
	svc, o := newManualService(t, StartSleeps|StopSleeps|ResetSleeps, true)

	if _, err := svc.Request(&Client{NoWait: true}); err != errcode.WouldBlock {
		t.Fatalf("nowait request: got %v", err)
	}

	// A blockable caller proceeds as usual.
	c1 := &Client{}
	if _, err := svc.Request(c1); err != nil {
		t.Fatalf("request: %v", err)
	}
	o.complete(t, nil)

	// Requests that need no transition are fine from a NoWait context.
	c2 := &Client{NoWait: true}
	if rv, err := svc.Request(c2); err != nil || rv != 0 {
		t.Fatalf("nowait fast path: rv=%d err=%v", rv, err)
	}
	if _, err := svc.Release(&Client{NoWait: true}); err != nil {
		t.Fatalf("nowait non-final release: %v", err)
	}

	// Final release would initiate a sleeping stop.
	if _, err := svc.Release(&Client{NoWait: true}); err != errcode.WouldBlock {
		t.Fatalf("nowait final release: got %v", err)
	}

	svc.Release(&Client{})
	o.complete(t, errors.New("boom"))
	if err := svc.Reset(&Client{NoWait: true}); err != errcode.WouldBlock {
		t.Fatalf("nowait reset: got %v", err)
	}
}

// -----------------------------------------------------------------------------
// Reference accounting and exhaustion
// -----------------------------------------------------------------------------

func TestReferenceAccounting(t *testing.T) {
	svc := newInstantService(t)

	const n, m = 7, 4
	for i := 0; i < n; i++ {
		if _, err := svc.Request(&Client{}); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	for i := 0; i < m; i++ {
		if _, err := svc.Release(&Client{}); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}
	expectState(t, svc, StateOn, n-m)

	for i := 0; i < n-m; i++ {
		svc.Release(&Client{})
	}
	expectState(t, svc, StateOff, 0)
}

func TestReferenceCountExhaustion(t *testing.T) {
	svc := newInstantService(t)

	cli := &Client{}
	for i := 0; i < refsMax; i++ {
		if _, err := svc.Request(cli); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	expectState(t, svc, StateOn, refsMax)

	if _, err := svc.Request(&Client{}); err != errcode.Exhausted {
		t.Fatalf("got %v, want exhausted", err)
	}
}

// -----------------------------------------------------------------------------
// Notification mechanics
// -----------------------------------------------------------------------------

func TestSignalNotification(t *testing.T) {
	svc, o := newManualService(t, 0, false)

	sig := make(chan error, 1)
	cli := &Client{Method: NotifySignal, Signal: sig}
	svc.Request(cli)
	o.complete(t, nil)

	select {
	case err := <-sig:
		if err != nil {
			t.Fatalf("signal result: %v", err)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for signal")
	}
}

func TestFIFOFairness(t *testing.T) {
	svc, o := newManualService(t, 0, false)

	var mu sync.Mutex
	var order []any
	handler := func(_ *Service, _ *Client, ud any, _ error) {
		mu.Lock()
		order = append(order, ud)
		mu.Unlock()
	}

	for i := 0; i < 4; i++ {
		cli := &Client{Method: NotifyCallback, Handler: handler, UserData: i}
		if _, err := svc.Request(cli); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	o.complete(t, nil)

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("notification order %v, want request order", order)
		}
	}
	if len(order) != 4 {
		t.Fatalf("%d notifications, want 4", len(order))
	}
}

func TestExactlyOneNotification(t *testing.T) {
	svc, o := newManualService(t, 0, false)

	var count atomic.Int32
	cli := &Client{
		Method:  NotifyCallback,
		Handler: func(_ *Service, _ *Client, _ any, _ error) { count.Add(1) },
	}
	svc.Request(cli)
	if err := svc.Cancel(cli); err != errcode.WouldBlock {
		t.Fatalf("cancel: %v", err)
	}
	o.complete(t, nil)
	svc.Release(cli)
	o.complete(t, nil)

	// One notification for the request, one for the release.
	if got := count.Load(); got != 2 {
		t.Fatalf("%d notifications, want 2", got)
	}
}

// -----------------------------------------------------------------------------
// Concurrency: single-flight and convergence
// -----------------------------------------------------------------------------

func TestConcurrentRequestReleaseSingleFlight(t *testing.T) {
	var inFlight atomic.Int32
	var maxSeen atomic.Int32

	enter := func(done Notify) {
		if cur := inFlight.Add(1); cur > maxSeen.Load() {
			maxSeen.Store(cur)
		}
		time.AfterFunc(100*time.Microsecond, func() {
			inFlight.Add(-1)
			done(nil)
		})
	}
	svc, err := New(
		func(_ *Service, done Notify) { enter(done) },
		func(_ *Service, done Notify) { enter(done) },
		nil, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const workers = 8
	const iters = 40
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			sig := make(chan error, 1)
			for i := 0; i < iters; i++ {
				cli := &Client{Method: NotifySignal, Signal: sig}
				if _, err := svc.Request(cli); err != nil {
					t.Errorf("request: %v", err)
					return
				}
				if err := <-sig; err != nil {
					t.Errorf("request result: %v", err)
					return
				}
				rel := &Client{Method: NotifySignal, Signal: sig}
				if _, err := svc.Release(rel); err != nil {
					t.Errorf("release: %v", err)
					return
				}
				if err := <-sig; err != nil {
					t.Errorf("release result: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if got := maxSeen.Load(); got != 1 {
		t.Fatalf("observed %d concurrent transitions, want exactly 1", got)
	}

	// All references returned; the final stop has completed by the time the
	// last releaser's signal arrived.
	expectState(t, svc, StateOff, 0)
}
