package chunk

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mvpforge/internal/domain"
)

func TestSplitPreservesOrderAndSizes(t *testing.T) {
	for size := 1; size <= 7; size++ {
		for n := 0; n <= 20; n++ {
			items := make([]int, n)
			for i := range items {
				items[i] = i
			}
			batches, err := Split(items, size)
			require.NoError(t, err)

			var flat []int
			for i, b := range batches {
				require.NotEmpty(t, b, "size=%d n=%d batch=%d", size, n, i)
				if i < len(batches)-1 {
					assert.Len(t, b, size)
				} else {
					assert.LessOrEqual(t, len(b), size)
				}
				flat = append(flat, b...)
			}
			if n == 0 {
				assert.Empty(t, batches)
				continue
			}
			assert.Equal(t, items, flat)
		}
	}
}

func TestSplitRejectsNonPositiveSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		_, err := Split([]string{"a"}, size)
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrInvalidArgument))
	}
}

func TestSplitBatchesDoNotAlias(t *testing.T) {
	items := []string{"a", "b", "c", "d"}
	batches, err := Split(items, 2)
	require.NoError(t, err)
	batches[0] = append(batches[0], "x")
	assert.Equal(t, []string{"a", "b", "c", "d"}, items)
}
