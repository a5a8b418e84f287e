package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAttachesEveryCollector(t *testing.T) {
	c := New()
	reg := prometheus.NewRegistry()
	require.NoError(t, c.Register(reg))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 10)
}

func TestCountersAccumulate(t *testing.T) {
	c := New()
	c.Allocations.Inc()
	c.Allocations.Inc()

	var m dto.Metric
	require.NoError(t, c.Allocations.Write(&m))
	assert.Equal(t, float64(2), m.GetCounter().GetValue())
}

func TestDoubleRegisterFails(t *testing.T) {
	c := New()
	reg := prometheus.NewRegistry()
	require.NoError(t, c.Register(reg))
	assert.Error(t, c.Register(reg), "registering the same collectors twice must fail")
}
