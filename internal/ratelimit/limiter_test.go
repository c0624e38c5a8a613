package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitUnlimited(t *testing.T) {
	l := New(Config{RPS: 0})

	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(context.Background(), "https://a.example/p"))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitBoundsThroughput(t *testing.T) {
	// 50 rps with burst 1: 5 extra requests after the first need ~100ms.
	l := New(Config{RPS: 50, Burst: 1})

	start := time.Now()
	for i := 0; i < 6; i++ {
		require.NoError(t, l.Wait(context.Background(), "https://a.example/p"))
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestWaitPerHostBuckets(t *testing.T) {
	// Each host has its own bucket, so two hosts proceed independently.
	l := New(Config{RPS: 10, Burst: 1})

	require.NoError(t, l.Wait(context.Background(), "https://a.example/p"))

	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), "https://b.example/p"))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitCanceled(t *testing.T) {
	l := New(Config{RPS: 0.1, Burst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://a.example/p"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "https://a.example/p")
	require.Error(t, err)
}

func TestWaitConcurrent(t *testing.T) {
	l := New(Config{RPS: 0})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Wait(context.Background(), "https://a.example/p")
			_ = l.Wait(context.Background(), "not a url")
		}()
	}
	wg.Wait()
}
