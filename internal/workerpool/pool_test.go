package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitBoundsConcurrency(t *testing.T) {
	p := New(2)
	var running, peak atomic.Int32
	futures := make([]*Future[int], 0, 8)
	for i := 0; i < 8; i++ {
		i := i
		futures = append(futures, Submit(context.Background(), p, func(context.Context) (int, error) {
			cur := running.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return i * i, nil
		}))
	}
	for i, f := range futures {
		v, err := f.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i*i, v)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestSubmitCarriesTaskError(t *testing.T) {
	p := New(1)
	boom := errors.New("boom")
	f := Submit(context.Background(), p, func(context.Context) (string, error) {
		return "", boom
	})
	_, err := f.Wait(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestSubmitCancelledWhileFull(t *testing.T) {
	p := New(1)
	release := make(chan struct{})
	blocker := Submit(context.Background(), p, func(context.Context) (int, error) {
		<-release
		return 1, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	f := Submit(ctx, p, func(context.Context) (int, error) { return 2, nil })
	_, err := f.Wait(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	Settle([]*Future[int]{blocker})
	v, err := blocker.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestResolved(t *testing.T) {
	f := Resolved(7, nil)
	select {
	case <-f.Done():
	default:
		t.Fatal("resolved future is not done")
	}
	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}
