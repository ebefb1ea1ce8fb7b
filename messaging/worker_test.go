package messaging

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerRunsOnTickAndTrigger(t *testing.T) {
	mock := clock.NewMock()
	var passes atomic.Int32
	w := newWorker("test", time.Minute, func(context.Context) error {
		passes.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.run(ctx, mock)
	}()

	// the initial pass runs after the ticker is set up
	require.Eventually(t, func() bool { return passes.Load() == 1 }, time.Second, time.Millisecond)

	w.Trigger()
	require.Eventually(t, func() bool { return passes.Load() == 2 }, time.Second, time.Millisecond)

	mock.Add(time.Minute)
	require.Eventually(t, func() bool { return passes.Load() == 3 }, time.Second, time.Millisecond)

	cancel()
	wg.Wait()
}

func TestWorkerCoalescesTriggers(t *testing.T) {
	mock := clock.NewMock()
	gate := make(chan struct{})
	var passes atomic.Int32
	w := newWorker("test", time.Hour, func(context.Context) error {
		if passes.Add(1) == 1 {
			<-gate
		}
		return errors.New("pass failed")
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.run(ctx, mock)
	}()

	require.Eventually(t, func() bool { return passes.Load() == 1 }, time.Second, time.Millisecond)
	for i := 0; i < 5; i++ {
		w.Trigger()
	}
	close(gate)

	require.Eventually(t, func() bool { return passes.Load() == 2 }, time.Second, time.Millisecond)
	assert.Never(t, func() bool { return passes.Load() > 2 }, 50*time.Millisecond, 5*time.Millisecond)

	cancel()
	<-done
}

func TestWorkerRunNowWaitsForActivePass(t *testing.T) {
	mock := clock.NewMock()
	gate := make(chan struct{})
	var active, passes atomic.Int32
	var overlapped atomic.Bool
	w := newWorker("test", time.Hour, func(context.Context) error {
		if active.Add(1) > 1 {
			overlapped.Store(true)
		}
		defer active.Add(-1)
		if passes.Add(1) == 1 {
			<-gate
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.run(ctx, mock)
	}()
	require.Eventually(t, func() bool { return passes.Load() == 1 }, time.Second, time.Millisecond)

	ranNow := make(chan error, 1)
	go func() { ranNow <- w.runNow(context.Background()) }()

	assert.Never(t, func() bool { return passes.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	close(gate)

	require.NoError(t, <-ranNow)
	assert.Equal(t, int32(2), passes.Load())
	assert.False(t, overlapped.Load())

	cancel()
	<-done
}
