package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryPublishOverflow(t *testing.T) {
	q := NewQueue[int](2)

	require.NoError(t, q.TryPublish(1))
	require.NoError(t, q.TryPublish(2))
	assert.ErrorIs(t, q.TryPublish(3), ErrQueueFull)
	assert.Equal(t, 2, q.Len())
}

func TestTryDequeueBulk(t *testing.T) {
	q := NewQueue[int](10)
	for i := 0; i < 5; i++ {
		require.NoError(t, q.TryPublish(i))
	}

	dst := make([]int, 3)
	assert.Equal(t, 3, q.TryDequeueBulk(dst))
	assert.Equal(t, []int{0, 1, 2}, dst)

	dst = make([]int, 10)
	assert.Equal(t, 2, q.TryDequeueBulk(dst[:10]))
	assert.Equal(t, 0, q.TryDequeueBulk(dst))
}

func TestClose(t *testing.T) {
	q := NewQueue[string](4)
	require.NoError(t, q.TryPublish("a"))
	q.Close()
	q.Close() // idempotent

	assert.ErrorIs(t, q.TryPublish("b"), ErrQueueClosed)

	// Buffered elements remain drainable after close.
	dst := make([]string, 4)
	assert.Equal(t, 1, q.TryDequeueBulk(dst))
	assert.Equal(t, "a", dst[0])
}

func TestRunDrainsUntilClosed(t *testing.T) {
	q := NewQueue[int](8)
	for i := 0; i < 4; i++ {
		require.NoError(t, q.TryPublish(i))
	}
	q.Close()

	var got []int
	q.Run(t.Context(), func(v int) { got = append(got, v) })
	assert.Equal(t, []int{0, 1, 2, 3}, got)
}
