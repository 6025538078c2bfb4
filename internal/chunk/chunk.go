// Package chunk splits ordered work into bounded batches.
package chunk

import (
	"fmt"

	"mvpforge/internal/domain"
)

// Split returns contiguous, non-empty batches of at most size items in the
// original order. Only the last batch may be shorter.
func Split[T any](items []T, size int) ([][]T, error) {
	if size < 1 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", domain.ErrInvalidArgument, size)
	}
	out := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end:end])
	}
	return out, nil
}
