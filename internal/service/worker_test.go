package service

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listKeys(keys []string) func(context.Context, string, int) ([]string, error) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	return func(_ context.Context, after string, limit int) ([]string, error) {
		var out []string
		for _, k := range sorted {
			if k > after && len(out) < limit {
				out = append(out, k)
			}
		}
		return out, nil
	}
}

func TestNextBatchVisitsEveryKey(t *testing.T) {
	ctx := context.Background()
	list := listKeys([]string{"e", "a", "d", "b", "c"})
	id := func(s string) string { return s }
	var r rotation

	var batches [][]string
	for i := 0; i < 3; i++ {
		b, err := nextBatch(ctx, &r, 2, true, list, id)
		require.NoError(t, err)
		batches = append(batches, b)
	}
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e", "a"}}, batches)

	b, err := nextBatch(ctx, &r, 2, true, list, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, b)
}

func TestNextBatchSmallSet(t *testing.T) {
	ctx := context.Background()
	list := listKeys([]string{"b", "a"})
	id := func(s string) string { return s }
	var r rotation

	for i := 0; i < 3; i++ {
		b, err := nextBatch(ctx, &r, 5, true, list, id)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, b, "a short set never repeats a key within a batch")
	}

	b, err := nextBatch(ctx, &r, 1, false, list, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, b)
	b, err = nextBatch(ctx, &r, 1, false, list, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, b, "cursor holds without advance")
}

func TestLockBackoff(t *testing.T) {
	assert.Zero(t, lockBackoff(0, time.Second, 3))
	assert.Equal(t, 50*time.Millisecond, lockBackoff(50*time.Millisecond, time.Second, 0))
	assert.Equal(t, 200*time.Millisecond, lockBackoff(50*time.Millisecond, time.Second, 2))
	assert.Equal(t, time.Second, lockBackoff(50*time.Millisecond, time.Second, 10))
}
