package types

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSortedKeys(t *testing.T) {
	m := map[uint64]string{3: "c", 1: "a", 2: "b"}

	assert.Equal(t, []uint64{1, 2, 3}, SortedKeys(m))
	assert.Empty(t, SortedKeys(map[string]int{}))
}

func TestIsContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	assert.False(t, IsContextDone(ctx))

	cancel()

	assert.True(t, IsContextDone(ctx))
}
