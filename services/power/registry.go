// services/power/registry.go
package power

import (
	"context"
	"fmt"
	"sync"

	"powercode-go/onoff"
)

// BuildInput is provided to an owner builder to construct the transitions
// for one rail.
type BuildInput struct {
	Ctx    context.Context
	Rail   string
	Params any // owner-specific config (JSON-like)
}

// BuildOutput is returned by a builder. Start and Stop are required; Reset
// may be nil when the owner cannot recover a faulted rail.
type BuildOutput struct {
	Start  onoff.Transition
	Stop   onoff.Transition
	Reset  onoff.Transition
	Config onoff.Config // which transitions sleep
	Detail any          // surfaced in the retained RailInfo
}

// Builder constructs rail transitions from config.
type Builder interface {
	Build(in BuildInput) (BuildOutput, error)
}

var (
	muBuilders sync.RWMutex
	builders   = map[string]Builder{}
)

// RegisterBuilder installs a builder for a given owner name.
// It panics on duplicate registration to catch mistakes at start-up.
func RegisterBuilder(owner string, b Builder) {
	muBuilders.Lock()
	defer muBuilders.Unlock()
	if owner == "" {
		panic("power: empty owner name for builder")
	}
	if _, exists := builders[owner]; exists {
		panic(fmt.Sprintf("power: builder already registered for owner %q", owner))
	}
	builders[owner] = b
}

// findBuilder looks up a registered builder by owner name.
func findBuilder(owner string) (Builder, bool) {
	muBuilders.RLock()
	defer muBuilders.RUnlock()
	b, ok := builders[owner]
	return b, ok
}
