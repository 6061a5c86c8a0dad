package hwinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollect(t *testing.T) {
	load, err := New().Collect()
	require.NoError(t, err)
	assert.True(t, load.CPUPercent >= 0 && load.CPUPercent <= 100, "cpu %v", load.CPUPercent)
	assert.True(t, load.MemoryPercent >= 0 && load.MemoryPercent <= 100, "memory %v", load.MemoryPercent)
}

func TestStatic(t *testing.T) {
	load, err := Static{CPUPercent: 12.5}.Collect()
	require.NoError(t, err)
	assert.Equal(t, 12.5, load.CPUPercent)
}
