package persist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunnerSuccess(t *testing.T) {
	r := NewRunner(time.Second)
	release := make(chan struct{})
	var seen string
	res := r.Go("save", func(ctx context.Context) (string, error) {
		<-release
		return "id-1", nil
	}, func(id string, err error) { seen = id })

	assert.Equal(t, AppliedPendingPersistence, res.State())
	close(release)
	require.NoError(t, res.Wait(context.Background()))
	assert.Equal(t, Persisted, res.State())
	assert.Equal(t, "id-1", seen)
}

func TestRunnerFailureAndPanic(t *testing.T) {
	r := NewRunner(time.Second)
	boom := errors.New("boom")
	res := r.Go("save", func(ctx context.Context) (string, error) { return "", boom }, nil)
	assert.ErrorIs(t, res.Wait(context.Background()), boom)
	assert.Equal(t, PersistFailed, res.State())

	res = r.Go("panics", func(ctx context.Context) (string, error) { panic("bad") }, nil)
	assert.Error(t, res.Wait(context.Background()))
	assert.Equal(t, PersistFailed, res.State())
	r.Wait()
}

func TestRunnerTimeout(t *testing.T) {
	r := NewRunner(10 * time.Millisecond)
	res := r.Go("slow", func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}, nil)
	assert.ErrorIs(t, res.Wait(context.Background()), context.DeadlineExceeded)
}

func TestSettled(t *testing.T) {
	res := Settled(nil)
	assert.Equal(t, Persisted, res.State())
	assert.NoError(t, res.Err())
}

func TestKeyedWritesRunInOrder(t *testing.T) {
	r := NewRunner(time.Second)
	gate := make(chan struct{})
	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	first := r.GoKeyed("space-1/p-1", "mute", func(ctx context.Context) (string, error) {
		<-gate
		record("mute")
		return "", nil
	}, nil)
	second := r.GoKeyed("space-1/p-1", "unmute", func(ctx context.Context) (string, error) {
		record("unmute")
		return "", nil
	}, nil)
	other := r.GoKeyed("space-1/p-2", "mute", func(ctx context.Context) (string, error) {
		record("other")
		return "", nil
	}, nil)

	require.NoError(t, other.Wait(context.Background()))
	assert.Equal(t, AppliedPendingPersistence, second.State())

	close(gate)
	require.NoError(t, second.Wait(context.Background()))
	require.NoError(t, first.Err())
	r.Wait()
	assert.Equal(t, []string{"other", "mute", "unmute"}, order)
	assert.Empty(t, r.tails)
}

func TestKeyedWriteRunsAfterFailedPredecessor(t *testing.T) {
	r := NewRunner(time.Second)
	boom := errors.New("boom")
	first := r.GoKeyed("k", "a", func(ctx context.Context) (string, error) { return "", boom }, nil)
	second := r.GoKeyed("k", "b", func(ctx context.Context) (string, error) { return "ok", nil }, nil)
	assert.ErrorIs(t, first.Err(), boom)
	assert.NoError(t, second.Wait(context.Background()))
	r.Wait()
}
