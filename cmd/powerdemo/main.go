// cmd/powerdemo/main.go

// powerdemo runs the power service against simulated rails and scripts a
// request/release cycle plus a fault-and-recover sequence on an in-process
// bus, logging every retained rail state edge.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"powercode-go/bus"
	"powercode-go/services/power"
	_ "powercode-go/services/power/owners/virtual"
	"powercode-go/types"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := bus.NewBus(16)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		power.Run(ctx, b.NewConnection("power"), log.Named("power"))
		return nil
	})

	ui := b.NewConnection("ui")
	defer ui.Disconnect()

	// Log every rail state edge.
	mon := ui.Subscribe(bus.T("power", "rail", "+", "state"))
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case m := <-mon.Channel():
				if st, ok := m.Payload.(types.RailState); ok {
					log.Infow("rail state", "rail", st.Name, "state", st.State,
						"refs", st.Refs, "fault", st.Fault)
				}
			}
		}
	})

	ui.Publish(ui.NewMessage(bus.T("config", "power"), types.PowerConfig{
		Rails: []types.RailConfig{
			{Name: "dc0", Owner: "virtual", MilliV: 3300,
				Params: map[string]any{"start_ms": 50, "stop_ms": 30}},
			{Name: "modem", Owner: "virtual", MilliV: 3800,
				Params: map[string]any{"start_ms": 80, "fail_starts": 1}},
		},
	}, true))

	g.Go(func() error {
		defer stop()
		script(ctx, ui, log)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Errorw("demo failed", "err", err)
		os.Exit(1)
	}
}

func script(ctx context.Context, ui *bus.Connection, log *zap.SugaredLogger) {
	call := func(rail, verb string, payload any) {
		reply, err := ui.RequestWait(ctx, ui.NewMessage(
			bus.T("power", "rail", rail, "control", verb), payload, false))
		if err != nil {
			log.Warnw("control failed", "rail", rail, "verb", verb, "err", err)
			return
		}
		log.Infow("control reply", "rail", rail, "verb", verb, "reply", reply.Payload)
	}

	time.Sleep(100 * time.Millisecond) // let the service pick up the config

	// Two holders share dc0; the rail stays on until the last one leaves.
	call("dc0", "request", types.ControlRequest{Holder: "ui"})
	call("dc0", "request", types.ControlRequest{Holder: "net"})
	time.Sleep(150 * time.Millisecond) // grants land when the start completes
	call("dc0", "release", types.ControlRequest{Holder: "ui"})
	call("dc0", "release", types.ControlRequest{Holder: "net"})

	// The modem rail faults on first start, rejects until reset, then
	// powers up cleanly.
	call("modem", "request", types.ControlRequest{Holder: "net"})
	time.Sleep(200 * time.Millisecond)
	call("modem", "request", types.ControlRequest{Holder: "net"})
	call("modem", "reset", types.ResetRequest{Holder: "ops"})
	call("modem", "request", types.ControlRequest{Holder: "net"})
	call("modem", "status", types.StatusRequest{})

	time.Sleep(300 * time.Millisecond) // let the final start land
	call("modem", "release", types.ControlRequest{Holder: "net"})
	time.Sleep(200 * time.Millisecond)
}
