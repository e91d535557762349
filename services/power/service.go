// services/power/service.go

// Package power exposes rail lifecycle coordination over the bus. Each
// configured rail is backed by one onoff.Service; the power service is the
// single writer for all rail bookkeeping and retained state.
package power

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"powercode-go/bus"
	"powercode-go/errcode"
	"powercode-go/onoff"
	"powercode-go/types"
	"powercode-go/x/strx"
	"powercode-go/x/timex"
)

// defaultOwner is used when a rail config omits the owner name.
const defaultOwner = "virtual"

// -----------------------------------------------------------------------------
// Entry point
// -----------------------------------------------------------------------------

func Run(ctx context.Context, conn *bus.Connection, log *zap.SugaredLogger) {
	s := &service{
		conn:   conn,
		log:    log,
		rails:  map[string]*rail{},
		events: make(chan railEvent, 128),
	}
	s.loop(ctx)
}

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

type rail struct {
	name  string
	owner string
	svc   *onoff.Service
	info  types.RailInfo

	// holders maps a holder id to the references it was granted. Grants and
	// returns are recorded when the underlying operation completes.
	holders map[string]int
	// pending tracks not-yet-resolved request clients per holder, most
	// recent last, so "cancel" can target one.
	pending map[string][]*onoff.Client

	lastState types.RailState
}

type railEvent struct {
	rail   string
	holder string
	op     string // "request" | "release" | "reset"
	cli    *onoff.Client
	err    error
}

type service struct {
	conn  *bus.Connection
	log   *zap.SugaredLogger
	rails map[string]*rail

	// Completion fan-in. Transitions resolve clients from arbitrary
	// goroutines (including the loop itself on fast paths); holder
	// bookkeeping is applied only here.
	events chan railEvent
}

// -----------------------------------------------------------------------------
// Main loop
// -----------------------------------------------------------------------------

func (s *service) loop(ctx context.Context) {
	cfgSub := s.conn.Subscribe(configTopic())
	ctrlSub := s.conn.Subscribe(controlPattern())
	defer s.conn.Unsubscribe(cfgSub)
	defer s.conn.Unsubscribe(ctrlSub)

	s.publishServiceState("idle", "awaiting_config")

	for {
		select {
		case <-ctx.Done():
			s.publishServiceState("stopped", "context_cancelled")
			return

		case msg := <-cfgSub.Channel():
			var cfg types.PowerConfig
			if err := decodeJSON(msg.Payload, &cfg); err != nil {
				s.log.Warnw("config decode failed", "err", err)
				s.publishServiceState("error", "config_decode_failed")
				continue
			}
			s.applyConfig(ctx, cfg)
			s.publishServiceState("ready", "configured")

		case msg := <-ctrlSub.Channel():
			s.drainEvents()
			s.handleControl(msg)

		case ev := <-s.events:
			s.handleEvent(ev)
		}
	}
}

// drainEvents applies already-delivered completions before a control
// message is judged, so holder accounting never lags a resolved grant.
func (s *service) drainEvents() {
	for {
		select {
		case ev := <-s.events:
			s.handleEvent(ev)
		default:
			return
		}
	}
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

func (s *service) applyConfig(ctx context.Context, cfg types.PowerConfig) {
	seen := map[string]struct{}{}

	for i := range cfg.Rails {
		rc := &cfg.Rails[i]
		if rc.Name == "" {
			s.log.Warnw("rail config without name ignored")
			continue
		}
		seen[rc.Name] = struct{}{}

		// Idempotence: an already-built rail is left alone.
		if _, exists := s.rails[rc.Name]; exists {
			continue
		}

		owner := strx.Coalesce(rc.Owner, defaultOwner)
		b, ok := findBuilder(owner)
		if !ok {
			s.log.Warnw("no builder for rail owner", "rail", rc.Name, "owner", owner)
			continue
		}
		out, err := b.Build(BuildInput{Ctx: ctx, Rail: rc.Name, Params: rc.Params})
		if err != nil {
			s.log.Warnw("rail build failed", "rail", rc.Name, "owner", owner, "err", err)
			continue
		}
		svc, err := onoff.New(out.Start, out.Stop, out.Reset, out.Config)
		if err != nil {
			s.log.Warnw("rail service rejected", "rail", rc.Name, "err", err)
			continue
		}

		r := &rail{
			name:    rc.Name,
			owner:   owner,
			svc:     svc,
			holders: map[string]int{},
			pending: map[string][]*onoff.Client{},
			info: types.RailInfo{
				SchemaVersion: 1,
				Owner:         owner,
				MilliV:        rc.MilliV,
				Detail:        out.Detail,
			},
		}
		s.rails[rc.Name] = r

		s.pubRet(railTopic(rc.Name, "info"), r.info)
		s.publishRailState(r)
		s.log.Infow("rail configured", "rail", rc.Name, "owner", owner)
	}

	// Tidy-up: drop rails no longer configured, but never rip one out from
	// under its holders.
	for name, r := range s.rails {
		if _, ok := seen[name]; ok {
			continue
		}
		snap := r.svc.Snapshot()
		if snap.State != onoff.StateOff && snap.State != onoff.StateFaulted {
			s.log.Warnw("rail removed from config but still in use; kept",
				"rail", name, "state", snap.State.String(), "refs", snap.Refs)
			continue
		}
		s.pubRet(railTopic(name, "info"), nil)
		s.pubRet(railTopic(name, "state"), nil)
		delete(s.rails, name)
		s.log.Infow("rail removed", "rail", name)
	}
}

// -----------------------------------------------------------------------------
// Control verbs
// -----------------------------------------------------------------------------

func (s *service) handleControl(msg *bus.Message) {
	// power/rail/<name>/control/<verb>
	if msg.Topic.Len() < 5 {
		return
	}
	name, _ := msg.Topic.At(2).(string)
	verb, _ := msg.Topic.At(4).(string)
	r, ok := s.rails[name]
	if !ok {
		s.replyErr(msg, errcode.UnknownRail)
		return
	}

	switch verb {
	case "request":
		s.handleRequest(r, msg)
	case "release":
		s.handleRelease(r, msg)
	case "cancel":
		s.handleCancel(r, msg)
	case "reset":
		s.handleReset(r, msg)
	case "status":
		s.conn.Reply(msg, r.stateNow(), false)
	default:
		s.replyErr(msg, errcode.UnknownVerb)
	}
	s.publishRailState(r)
}

func (s *service) handleRequest(r *rail, msg *bus.Message) {
	var req types.ControlRequest
	if err := decodeJSON(msg.Payload, &req); err != nil || req.Holder == "" {
		s.replyErr(msg, errcode.InvalidParams)
		return
	}

	cli := s.newClient(r, "request", req.Holder)
	rv, err := r.svc.Request(cli)
	if err != nil {
		s.replyErr(msg, err)
		return
	}
	if rv != 0 {
		// Queued on a transition; completion arrives as an event.
		r.pending[req.Holder] = append(r.pending[req.Holder], cli)
	}
	s.drainEvents() // fast-path grants resolve synchronously
	s.replyOK(r, msg, rv)
}

func (s *service) handleRelease(r *rail, msg *bus.Message) {
	var req types.ControlRequest
	if err := decodeJSON(msg.Payload, &req); err != nil || req.Holder == "" {
		s.replyErr(msg, errcode.InvalidParams)
		return
	}
	if r.holders[req.Holder] == 0 {
		s.replyErr(msg, errcode.Already)
		return
	}

	cli := s.newClient(r, "release", req.Holder)
	rv, err := r.svc.Release(cli)
	if err != nil {
		s.replyErr(msg, err)
		return
	}
	s.drainEvents()
	s.replyOK(r, msg, rv)
}

func (s *service) handleCancel(r *rail, msg *bus.Message) {
	var req types.ControlRequest
	if err := decodeJSON(msg.Payload, &req); err != nil || req.Holder == "" {
		s.replyErr(msg, errcode.InvalidParams)
		return
	}
	pend := r.pending[req.Holder]
	if len(pend) == 0 {
		s.replyErr(msg, errcode.Already)
		return
	}

	// Most recent pending request first.
	cli := pend[len(pend)-1]
	if err := r.svc.Cancel(cli); err != nil {
		s.replyErr(msg, err)
		return
	}
	s.drainEvents() // the cancelled client resolved synchronously
	s.replyOK(r, msg, 0)
}

func (s *service) handleReset(r *rail, msg *bus.Message) {
	var req types.ResetRequest
	_ = decodeJSON(msg.Payload, &req)

	cli := s.newClient(r, "reset", req.Holder)
	if err := r.svc.Reset(cli); err != nil {
		s.replyErr(msg, err)
		return
	}
	s.drainEvents()
	s.replyOK(r, msg, 0)
}

// newClient builds an onoff client whose completion is funneled back into
// the loop. The handler may run on the loop goroutine itself (fast paths),
// so it must never block on the events channel.
func (s *service) newClient(r *rail, op, holder string) *onoff.Client {
	return &onoff.Client{
		Method: onoff.NotifyCallback,
		Handler: func(_ *onoff.Service, cli *onoff.Client, _ any, err error) {
			ev := railEvent{rail: r.name, holder: holder, op: op, cli: cli, err: err}
			select {
			case s.events <- ev:
			default:
				go func() { s.events <- ev }()
			}
		},
	}
}

// -----------------------------------------------------------------------------
// Completions
// -----------------------------------------------------------------------------

func (s *service) handleEvent(ev railEvent) {
	r, ok := s.rails[ev.rail]
	if !ok {
		return
	}

	switch ev.op {
	case "request":
		r.dropPending(ev.holder, ev.cli)
		switch {
		case ev.err == nil:
			r.holders[ev.holder]++
		case errcode.Of(ev.err) == errcode.Canceled:
			s.log.Infow("request cancelled", "rail", r.name, "holder", ev.holder)
		default:
			s.log.Warnw("request failed", "rail", r.name, "holder", ev.holder, "err", ev.err)
		}

	case "release":
		// The reference is consumed whether or not the stop succeeded.
		if r.holders[ev.holder] > 0 {
			r.holders[ev.holder]--
			if r.holders[ev.holder] == 0 {
				delete(r.holders, ev.holder)
			}
		}
		if ev.err != nil {
			s.log.Warnw("release failed", "rail", r.name, "holder", ev.holder, "err", ev.err)
		}

	case "reset":
		if ev.err == nil {
			// Recovery invalidates whatever grants predate the fault.
			r.holders = map[string]int{}
			s.log.Infow("rail reset", "rail", r.name)
		} else {
			s.log.Warnw("rail reset failed", "rail", r.name, "err", ev.err)
		}
	}

	s.publishRailState(r)
}

func (r *rail) dropPending(holder string, cli *onoff.Client) {
	pend := r.pending[holder]
	for i, c := range pend {
		if c == cli {
			r.pending[holder] = append(pend[:i], pend[i+1:]...)
			break
		}
	}
	if len(r.pending[holder]) == 0 {
		delete(r.pending, holder)
	}
}

// -----------------------------------------------------------------------------
// State publication and replies
// -----------------------------------------------------------------------------

func (r *rail) stateNow() types.RailState {
	snap := r.svc.Snapshot()
	st := types.RailState{
		Name:  r.name,
		State: snap.State.String(),
		Refs:  snap.Refs,
		TS:    timex.NowMs(),
	}
	if snap.Fault != nil {
		st.Fault = snap.Fault.Error()
	}
	return st
}

// publishRailState publishes the retained rail state when it changed.
func (s *service) publishRailState(r *rail) {
	st := r.stateNow()
	if st.State == r.lastState.State && st.Refs == r.lastState.Refs && st.Fault == r.lastState.Fault {
		return
	}
	r.lastState = st
	s.pubRet(railTopic(r.name, "state"), st)
}

func (s *service) publishServiceState(level, status string) {
	s.pubRet(serviceStateTopic(), map[string]any{
		"level": level, "status": status, "ts_ms": timex.NowMs(),
	})
}

func (s *service) replyOK(r *rail, req *bus.Message, path int) {
	if !req.CanReply() {
		return
	}
	s.conn.Reply(req, types.OKReply{OK: true, Refs: r.svc.Snapshot().Refs, Path: path}, false)
}

func (s *service) replyErr(req *bus.Message, err error) {
	if !req.CanReply() {
		return
	}
	s.conn.Reply(req, types.ErrorReply{OK: false, Error: string(errcode.Of(err))}, false)
}

func (s *service) pubRet(t bus.Topic, p any) {
	s.conn.Publish(s.conn.NewMessage(t, p, true))
}

func decodeJSON[T any](src any, dst *T) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	case T:
		*dst = v
		return nil
	default:
		// Accept maps, structs, numbers... by marshaling then decoding to T.
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return json.Unmarshal(b, dst)
	}
}
