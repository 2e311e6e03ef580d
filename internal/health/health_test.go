package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("postgres", func(ctx context.Context) error { return nil })
	r.Register("redis", func(ctx context.Context) error { return nil })

	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, "postgres", statuses[0].Name)
	assert.Equal(t, "redis", statuses[1].Name)
	for _, st := range statuses {
		assert.True(t, st.Healthy)
		assert.Empty(t, st.Detail)
	}
}

func TestCheckAllReportsFailure(t *testing.T) {
	r := NewRegistry()
	r.Register("postgres", func(ctx context.Context) error { return nil })
	r.Register("redis", func(ctx context.Context) error { return errors.New("connection refused") })

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Healthy)
	assert.False(t, statuses[1].Healthy)
	assert.Equal(t, "connection refused", statuses[1].Detail)
}

func TestRegisterReplacesByName(t *testing.T) {
	r := NewRegistry()
	r.Register("postgres", func(ctx context.Context) error { return errors.New("down") })
	r.Register("postgres", func(ctx context.Context) error { return nil })

	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	require.Len(t, statuses, 1)
}

func TestCheckAllEmptyRegistry(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}
