package lifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sserr "github.com/StricklySoft/cell-sts/pkg/errors"
)

func TestBuilder_Validation(t *testing.T) {
	t.Parallel()

	noop := func(context.Context) error { return nil }

	tests := []struct {
		name    string
		builder *Builder
	}{
		{"empty name", NewBuilder("", "v1")},
		{"unnamed component", NewBuilder("sts", "v1").WithComponent(Component{Start: noop})},
		{"component without hooks", NewBuilder("sts", "v1").WithComponent(Component{Name: "x"})},
		{
			"duplicate component",
			NewBuilder("sts", "v1").
				WithComponent(Component{Name: "x", Start: noop}).
				WithComponent(Component{Name: "x", Stop: noop}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := tt.builder.Build()
			assert.Nil(t, p)
			assert.Equal(t, sserr.CodeValidation, sserr.GetCode(err))
		})
	}
}

func TestBuilder_Defaults(t *testing.T) {
	t.Parallel()

	p, err := NewBuilder("cell-sts", "v1").Build()
	require.NoError(t, err)
	assert.Equal(t, "cell-sts", p.Name())
	assert.Equal(t, StateUnknown, p.State())
	assert.NotNil(t, p.logger)

	// A process without components still walks the state machine.
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, StateStopped, p.State())
}
