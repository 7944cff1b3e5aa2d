package lifecycle

import (
	"log/slog"

	"go.opentelemetry.io/otel"

	sserr "github.com/StricklySoft/cell-sts/pkg/errors"
)

// Builder constructs a [Process].
//
//	p, err := lifecycle.NewBuilder("cell-sts", version).
//	    WithComponent(lifecycle.Component{Name: "inbound", Start: in.Start, Stop: in.Stop}).
//	    WithComponent(lifecycle.Component{Name: "admin", Start: admin.Start, Stop: admin.Stop}).
//	    OnStateChange(func(old, new lifecycle.State) { ... }).
//	    Build()
type Builder struct {
	name          string
	version       string
	components    []Component
	logger        *slog.Logger
	stateHandlers []StateChangeHandler
}

// NewBuilder starts a builder for a process called name.
func NewBuilder(name, version string) *Builder {
	return &Builder{name: name, version: version}
}

// WithComponent appends c. Components start in the order added.
func (b *Builder) WithComponent(c Component) *Builder {
	b.components = append(b.components, c)
	return b
}

// WithLogger sets the logger. Defaults to [slog.Default].
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// OnStateChange registers a handler called on every transition, in
// registration order.
func (b *Builder) OnStateChange(handler StateChangeHandler) *Builder {
	b.stateHandlers = append(b.stateHandlers, handler)
	return b
}

// Build validates the configuration. It fails with [sserr.CodeValidation]
// when the name is empty, a component is invalid or two components share
// a name.
func (b *Builder) Build() (*Process, error) {
	if b.name == "" {
		return nil, sserr.New(sserr.CodeValidation, "lifecycle: process name must not be empty")
	}

	seen := make(map[string]struct{}, len(b.components))
	comps := make([]Component, len(b.components))
	for i, c := range b.components {
		if err := validateComponent(c); err != nil {
			return nil, sserr.Wrap(err, sserr.CodeValidation, "lifecycle: invalid component")
		}
		if _, dup := seen[c.Name]; dup {
			return nil, sserr.Newf(sserr.CodeValidation, "lifecycle: duplicate component %q", c.Name)
		}
		seen[c.Name] = struct{}{}
		comps[i] = c
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}
	handlers := make([]StateChangeHandler, len(b.stateHandlers))
	copy(handlers, b.stateHandlers)

	return &Process{
		name:          b.name,
		version:       b.version,
		state:         StateUnknown,
		components:    comps,
		tracer:        otel.Tracer(tracerName),
		logger:        logger,
		stateHandlers: handlers,
	}, nil
}
