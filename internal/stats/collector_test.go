package stats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollect(t *testing.T) {
	c := NewCollector("")
	c.sample = 50 * time.Millisecond

	s, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Positive(t, s.CPUCount)
	assert.Positive(t, s.CollectedAt)
	assert.GreaterOrEqual(t, s.RAMUsage, 0.0)
	assert.LessOrEqual(t, s.RAMUsage, 100.0)
}

func TestCollectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewCollector("/").Collect(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
