package lifecycle

import (
	"context"
	"errors"
)

// Hook is called during a transition with the caller's context.
type Hook func(ctx context.Context) error

// Component is one unit started and stopped by a [Process], for example
// the inbound ext_authz listener or the audit writer.
//
// Start must not block for the lifetime of the component: servers start
// serving on a goroutine and return once bound. Stop must return once the
// component has drained or ctx is done.
type Component struct {
	// Name identifies the component in logs and health output. Must not
	// be empty.
	Name string

	Start Hook
	Stop  Hook

	// Health, when set, is consulted by [Process.Health] while running.
	Health Hook
}

func validateComponent(c Component) error {
	if c.Name == "" {
		return errors.New("lifecycle: component name must not be empty")
	}
	if c.Start == nil && c.Stop == nil {
		return errors.New("lifecycle: component " + c.Name + " has neither start nor stop hook")
	}
	return nil
}

// ComponentStatus is the health of one component.
type ComponentStatus struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}
