package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, func(context.Context) error { return nil }, nil)
	require.Error(t, err)
	_, err = New(Config{Interval: time.Minute}, nil, nil)
	require.Error(t, err)
}

func TestSpec(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "@every 30m0s", Spec(30*time.Minute))
}

func TestRunOnStartAndSkipIfStillRunning(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	s, err := New(Config{Interval: time.Hour, RunOnStart: true}, func(context.Context) error {
		calls.Add(1)
		started <- struct{}{}
		<-release
		return nil
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	s.Start(context.Background())
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("initial run did not start")
	}

	s.Trigger()
	assert.Equal(t, int32(1), calls.Load(), "overlapping trigger must be skipped")

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.Next().IsZero())
}

func TestRunTimeoutAppliesToInvocation(t *testing.T) {
	t.Parallel()

	var sawDeadline atomic.Bool
	s, err := New(Config{Interval: time.Hour, RunTimeout: time.Minute}, func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		sawDeadline.Store(ok)
		return errors.New("run failed")
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	s.Start(context.Background())
	s.Trigger()
	assert.True(t, sawDeadline.Load())
	require.NoError(t, s.Stop(context.Background()))
}

func TestStoppedSchedulerDoesNotRun(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	s, err := New(Config{Interval: time.Hour}, func(context.Context) error {
		calls.Add(1)
		return nil
	}, nil)
	require.NoError(t, err)

	s.Start(context.Background())
	require.NoError(t, s.Stop(context.Background()))
	s.Trigger()
	assert.Equal(t, int32(0), calls.Load())
}
