package util

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupDo(t *testing.T) {
	var g Group[string]
	v, err, shared := g.Do("key", func() (string, error) {
		return "value", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "value", v)
	assert.False(t, shared)
}

func TestGroupDedupsConcurrentCalls(t *testing.T) {
	var g Group[int]
	var calls atomic.Int32
	gate := make(chan struct{})

	const n = 10
	results := make([]int, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i], _ = g.Do("key", func() (int, error) {
				calls.Add(1)
				<-gate
				return 42, nil
			})
		}(i)
	}

	// Let the duplicates queue behind the first execution.
	require.Eventually(t, func() bool { return calls.Load() == 1 },
		2*time.Second, time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, 42, results[i])
	}
}

func TestGroupDistinctKeysRunIndependently(t *testing.T) {
	var g Group[string]
	a, err, _ := g.Do("a", func() (string, error) { return "a", nil })
	require.NoError(t, err)
	b, err, _ := g.Do("b", func() (string, error) { return "b", nil })
	require.NoError(t, err)
	assert.Equal(t, "a", a)
	assert.Equal(t, "b", b)
}

func TestDoWithContextCancellation(t *testing.T) {
	var g Group[int]
	started := make(chan struct{})
	gate := make(chan struct{})
	defer close(gate)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := g.DoWithContext(ctx, "key", func() (int, error) {
			close(started)
			<-gate
			return 0, nil
		})
		done <- err
	}()

	<-started
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled wait never returned")
	}
}
