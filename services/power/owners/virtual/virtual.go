// services/power/owners/virtual/virtual.go

// Package virtual provides a simulated rail owner: transitions complete
// after a configurable latency, with optional failure injection for the
// first N starts or stops. Useful for demos and for exercising fault and
// recovery paths without hardware.
package virtual

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"powercode-go/errcode"
	"powercode-go/onoff"
	"powercode-go/services/power"
	"powercode-go/x/mathx"
)

func init() { power.RegisterBuilder("virtual", builder{}) }

// Latencies are clamped to this range; a zero latency completes inline.
const maxLatencyMs = 60_000

type Params struct {
	StartMs int `json:"start_ms"`
	StopMs  int `json:"stop_ms"`
	ResetMs int `json:"reset_ms"`

	// Failure injection: the first FailStarts starts (resp. FailStops
	// stops) fail. Counters persist across resets, so back-to-back fault
	// scenarios can be scripted.
	FailStarts int `json:"fail_starts"`
	FailStops  int `json:"fail_stops"`
}

type builder struct{}

func (builder) Build(in power.BuildInput) (power.BuildOutput, error) {
	var p Params
	if in.Params != nil {
		b, err := json.Marshal(in.Params)
		if err != nil {
			return power.BuildOutput{}, errcode.InvalidParams
		}
		if err := json.Unmarshal(b, &p); err != nil {
			return power.BuildOutput{}, errcode.InvalidParams
		}
	}

	o := &owner{
		rail:    in.Rail,
		startMs: mathx.Clamp(p.StartMs, 0, maxLatencyMs),
		stopMs:  mathx.Clamp(p.StopMs, 0, maxLatencyMs),
		resetMs: mathx.Clamp(p.ResetMs, 0, maxLatencyMs),
	}
	o.failStarts.Store(int32(mathx.Max(p.FailStarts, 0)))
	o.failStops.Store(int32(mathx.Max(p.FailStops, 0)))

	var cfg onoff.Config
	if o.startMs > 0 {
		cfg |= onoff.StartSleeps
	}
	if o.stopMs > 0 {
		cfg |= onoff.StopSleeps
	}
	if o.resetMs > 0 {
		cfg |= onoff.ResetSleeps
	}

	return power.BuildOutput{
		Start:  o.start,
		Stop:   o.stop,
		Reset:  o.reset,
		Config: cfg,
		Detail: map[string]any{
			"start_ms": o.startMs, "stop_ms": o.stopMs, "reset_ms": o.resetMs,
		},
	}, nil
}

type owner struct {
	rail    string
	startMs int
	stopMs  int
	resetMs int

	failStarts atomic.Int32
	failStops  atomic.Int32
}

func (o *owner) start(_ *onoff.Service, done onoff.Notify) {
	var res error
	if o.failStarts.Add(-1) >= 0 {
		res = &errcode.E{C: errcode.Faulted, Op: "virtual.start", Msg: o.rail + ": injected start failure"}
	} else {
		o.failStarts.Add(1) // keep the counter pinned at zero
	}
	o.after(o.startMs, done, res)
}

func (o *owner) stop(_ *onoff.Service, done onoff.Notify) {
	var res error
	if o.failStops.Add(-1) >= 0 {
		res = &errcode.E{C: errcode.Faulted, Op: "virtual.stop", Msg: o.rail + ": injected stop failure"}
	} else {
		o.failStops.Add(1)
	}
	o.after(o.stopMs, done, res)
}

func (o *owner) reset(_ *onoff.Service, done onoff.Notify) {
	o.after(o.resetMs, done, nil)
}

// after completes a transition either inline (zero latency) or from a
// timer goroutine.
func (o *owner) after(ms int, done onoff.Notify, res error) {
	if ms <= 0 {
		done(res)
		return
	}
	time.AfterFunc(time.Duration(ms)*time.Millisecond, func() { done(res) })
}
