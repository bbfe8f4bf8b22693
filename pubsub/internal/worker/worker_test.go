package worker

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_RunsAllJobs(t *testing.T) {
	p := New(4, 16)
	var count atomic.Int32
	for i := 0; i < 100; i++ {
		require.NoError(t, p.Submit(context.Background(), func(context.Context) {
			count.Add(1)
		}))
	}
	p.Close()
	p.Wait()
	assert.Equal(t, int32(100), count.Load())
	assert.Equal(t, 4, p.Size())
}

func TestPool_SubmitAfterClose(t *testing.T) {
	p := New(1, 1)
	p.Close()
	p.Close()
	err := p.Submit(context.Background(), func(context.Context) {})
	assert.ErrorIs(t, err, ErrClosed)
	p.Wait()
}

func TestPool_SubmitCancelled(t *testing.T) {
	p := New(1, 1)
	defer func() {
		p.Close()
		p.Wait()
	}()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Submit(ctx, func(context.Context) {})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPool_SubmitBlocksWhenFull(t *testing.T) {
	p := New(1, 1)
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(context.Context) {
		close(started)
		<-release
	}))
	<-started
	require.NoError(t, p.Submit(context.Background(), func(context.Context) {}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.Submit(ctx, func(context.Context) {})
	}()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(release)
	p.Close()
	p.Wait()
}

func TestNew_Defaults(t *testing.T) {
	p := New(0, 0)
	assert.Equal(t, 1, p.Size())
	p.Close()
	p.Wait()
}
