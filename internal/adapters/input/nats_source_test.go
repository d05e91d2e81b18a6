package input

import (
	"context"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNATSSource_Defaults(t *testing.T) {
	src := NewNATSSource(NATSSourceConfig{Subject: "host.events"}, nil)

	assert.Equal(t, "nats:host.events", src.Name())
	assert.Equal(t, nats.DefaultURL, src.cfg.URL)
	assert.Equal(t, DefaultNATSSourceConfig().BufferSize, src.cfg.BufferSize)
	assert.Equal(t, "json", src.parser.Format())
}

func TestNATSSource_RequiresSubject(t *testing.T) {
	src := NewNATSSource(NATSSourceConfig{}, nil)

	events, errs := src.Start(context.Background())

	err, ok := <-errs
	require.True(t, ok)
	assert.ErrorContains(t, err, "subject")
	_, ok = <-events
	assert.False(t, ok)
	require.NoError(t, src.Stop())
}
