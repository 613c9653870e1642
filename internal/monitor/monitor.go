// Package monitor runs registered hooks over freshly materialized snapshots
// before they are committed. Hooks run sequentially in registration order;
// the first failure aborts both the chain and the commit, so a monitored
// invariant is never violated by a persisted snapshot.
package monitor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/canon/internal/model"
)

// Context is the mutable carrier a hook receives. Snapshot and Policies
// are the candidate state about to be committed, shared by every hook in
// the chain: a mutation made by one hook is visible to the hooks after it
// and is what the commit persists. A Context belongs to exactly one
// projection and is discarded after commit or failure.
type Context struct {
	Model       string
	ReferenceID string
	Version     int64
	Snapshot    model.Map
	Policies    map[string]string
}

// Func is a monitor hook. A non-nil error aborts the chain.
type Func func(ctx context.Context, mc Context) error

// Registration is one named hook in a chain. AppliesTo restricts the hook
// to a single model; empty means every model.
type Registration struct {
	Name      string
	AppliesTo string
	Fn        Func
}

// Chain is an ordered list of monitor hooks.
type Chain struct {
	registrations []Registration
	logger        *slog.Logger
}

// NewChain creates an empty chain.
func NewChain(logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{logger: logger}
}

// Register appends a hook that runs for every model.
func (c *Chain) Register(name string, fn Func) error {
	return c.register(Registration{Name: name, Fn: fn})
}

// RegisterFor appends a hook restricted to one model.
func (c *Chain) RegisterFor(name, modelName string, fn Func) error {
	return c.register(Registration{Name: name, AppliesTo: modelName, Fn: fn})
}

func (c *Chain) register(reg Registration) error {
	if reg.Name == "" {
		return model.NewConfigurationError("monitor name is required")
	}
	if reg.Fn == nil {
		return model.NewConfigurationError(fmt.Sprintf("monitor %s: nil function", reg.Name))
	}
	for _, existing := range c.registrations {
		if existing.Name == reg.Name {
			return model.NewConfigurationError(fmt.Sprintf("duplicate monitor: %s", reg.Name))
		}
	}
	c.registrations = append(c.registrations, reg)
	return nil
}

// Len returns the number of registered hooks.
func (c *Chain) Len() int {
	return len(c.registrations)
}

// Run executes the chain for one candidate snapshot. Hooks restricted to
// other models are skipped. The first hook error stops the chain and is
// wrapped as a monitor failure carrying the hook name.
func (c *Chain) Run(ctx context.Context, mc Context) error {
	for _, reg := range c.registrations {
		if reg.AppliesTo != "" && reg.AppliesTo != mc.Model {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := reg.Fn(ctx, mc); err != nil {
			c.logger.Warn("monitor aborted commit",
				"monitor", reg.Name,
				"model", mc.Model,
				"reference_id", mc.ReferenceID,
				"error", err)
			return model.NewMonitorFailure(reg.Name, mc.ReferenceID, err)
		}
	}
	return nil
}
