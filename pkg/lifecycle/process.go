package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/cell-sts/pkg/errors"
)

const tracerName = "github.com/StricklySoft/cell-sts/pkg/lifecycle"

// StateChangeHandler observes transitions. Handlers run synchronously
// under the state mutex and must not call back into the process. A
// panicking handler is recovered and logged.
type StateChangeHandler func(old, new State)

// Info is a point-in-time snapshot of a process, served by /healthz.
type Info struct {
	Name       string            `json:"name"`
	Version    string            `json:"version"`
	State      State             `json:"state"`
	StartedAt  *time.Time        `json:"startedAt,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
	Components []ComponentStatus `json:"components,omitempty"`
}

// Process owns the components of one Cell STS process. It is safe for
// concurrent use.
type Process struct {
	name    string
	version string

	mu        sync.RWMutex
	state     State
	startedAt *time.Time
	// started counts the components whose Start hook succeeded.
	started int

	components    []Component
	tracer        trace.Tracer
	logger        *slog.Logger
	stateHandlers []StateChangeHandler
}

// Name returns the process name.
func (p *Process) Name() string { return p.name }

// State returns the current state.
func (p *Process) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// setState validates and applies a transition, then notifies handlers.
func (p *Process) setState(new State) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	old := p.state
	if !ValidTransition(old, new) {
		return sserr.Newf(sserr.CodeValidation,
			"lifecycle: invalid state transition from %q to %q", old, new)
	}
	p.state = new

	for _, h := range p.stateHandlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("lifecycle: state change handler panicked",
						"panic", r,
						"old_state", string(old),
						"new_state", string(new),
					)
				}
			}()
			h(old, new)
		}()
	}
	return nil
}

// Start runs each component's Start hook in order. If one fails, the
// components already started are stopped in reverse order, the process
// moves to [StateFailed] and the error is returned with
// [sserr.CodeInternal].
func (p *Process) Start(ctx context.Context) error {
	ctx, span := p.tracer.Start(ctx, "lifecycle.Start",
		trace.WithAttributes(attribute.String("process.name", p.name)))
	defer span.End()

	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return sserr.Wrap(err, sserr.CodeTimeout, "lifecycle: start canceled before execution")
	}
	if err := p.setState(StateStarting); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	p.logger.InfoContext(ctx, "lifecycle: starting", "process", p.name, "version", p.version)

	for i, c := range p.components {
		if c.Start == nil {
			p.markStarted(i + 1)
			continue
		}
		if err := c.Start(ctx); err != nil {
			p.logger.ErrorContext(ctx, "lifecycle: component failed to start",
				"component", c.Name,
				"error", err,
			)
			if stopErr := p.stopStarted(ctx); stopErr != nil {
				err = errors.Join(err, stopErr)
			}
			_ = p.setState(StateFailed)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return sserr.Wrapf(err, sserr.CodeInternal, "lifecycle: component %s failed to start", c.Name)
		}
		p.markStarted(i + 1)
		p.logger.DebugContext(ctx, "lifecycle: component started", "component", c.Name)
	}

	if err := p.setState(StateRunning); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	now := time.Now().UTC()
	p.mu.Lock()
	p.startedAt = &now
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "lifecycle: running", "process", p.name, "components", len(p.components))
	span.SetStatus(codes.Ok, "")
	return nil
}

func (p *Process) markStarted(n int) {
	p.mu.Lock()
	p.started = n
	p.mu.Unlock()
}

// Stop runs the Stop hooks of started components in reverse order. Every
// hook runs even when an earlier one fails; failures are joined and the
// process ends in [StateFailed]. Stop on a terminal or never-started
// process is a no-op.
func (p *Process) Stop(ctx context.Context) error {
	ctx, span := p.tracer.Start(ctx, "lifecycle.Stop",
		trace.WithAttributes(attribute.String("process.name", p.name)))
	defer span.End()

	switch state := p.State(); {
	case state.IsTerminal(), state == StateUnknown:
		span.SetStatus(codes.Ok, "")
		return nil
	case state == StateStopping:
		return sserr.New(sserr.CodeValidation, "lifecycle: stop already in progress")
	}

	if err := p.setState(StateStopping); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	p.logger.InfoContext(ctx, "lifecycle: stopping", "process", p.name)

	if err := p.stopStarted(ctx); err != nil {
		_ = p.setState(StateFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return sserr.Wrap(err, sserr.CodeInternal, "lifecycle: stop failed")
	}

	if err := p.setState(StateStopped); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	p.mu.Lock()
	p.startedAt = nil
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "lifecycle: stopped", "process", p.name)
	span.SetStatus(codes.Ok, "")
	return nil
}

func (p *Process) stopStarted(ctx context.Context) error {
	p.mu.Lock()
	n := p.started
	p.started = 0
	p.mu.Unlock()

	var errs []error
	for i := n - 1; i >= 0; i-- {
		c := p.components[i]
		if c.Stop == nil {
			continue
		}
		if err := c.Stop(ctx); err != nil {
			p.logger.ErrorContext(ctx, "lifecycle: component failed to stop",
				"component", c.Name,
				"error", err,
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Health returns nil when the process is running and every component
// health hook passes. Otherwise it fails with [sserr.CodeUnavailable].
func (p *Process) Health(ctx context.Context) error {
	if state := p.State(); state != StateRunning {
		return sserr.Newf(sserr.CodeUnavailable,
			"lifecycle: process is not running, current state is %q", state)
	}
	for _, s := range p.componentHealth(ctx) {
		if !s.Healthy {
			return sserr.Newf(sserr.CodeUnavailable, "lifecycle: component %s is unhealthy: %s", s.Name, s.Error)
		}
	}
	return nil
}

// Info returns a snapshot including component health.
func (p *Process) Info(ctx context.Context) Info {
	p.mu.RLock()
	info := Info{Name: p.name, Version: p.version, State: p.state}
	if p.startedAt != nil && p.state == StateRunning {
		t := *p.startedAt
		info.StartedAt = &t
		info.Uptime = time.Since(t).Round(time.Second).String()
	}
	p.mu.RUnlock()

	if info.State == StateRunning {
		info.Components = p.componentHealth(ctx)
	}
	return info
}

func (p *Process) componentHealth(ctx context.Context) []ComponentStatus {
	var out []ComponentStatus
	for _, c := range p.components {
		if c.Health == nil {
			continue
		}
		s := ComponentStatus{Name: c.Name, Healthy: true}
		if err := c.Health(ctx); err != nil {
			s.Healthy, s.Error = false, err.Error()
		}
		out = append(out, s)
	}
	return out
}
