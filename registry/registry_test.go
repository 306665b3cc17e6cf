package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Oberacda/dblogd/errors"
)

// fakeStore hands out sequential ids and counts store round trips.
type fakeStore struct {
	mu    sync.Mutex
	ids   map[string]int64
	next  int64
	calls atomic.Int64
	fail  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{ids: make(map[string]int64)}
}

func (f *fakeStore) ResolveSensorID(_ context.Context, name string) (int64, error) {
	f.calls.Add(1)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fail != nil {
		return 0, f.fail
	}

	if id, ok := f.ids[name]; ok {
		return id, nil
	}
	f.next++
	f.ids[name] = f.next
	return f.next, nil
}

func TestResolve_FirstSightCreates(t *testing.T) {
	store := newFakeStore()
	r := New(store)

	id, err := r.Resolve(context.Background(), "porch-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	assert.Equal(t, 1, r.Size())
}

func TestResolve_SecondCallHitsCache(t *testing.T) {
	store := newFakeStore()
	r := New(store)

	first, err := r.Resolve(context.Background(), "porch-1")
	require.NoError(t, err)

	second, err := r.Resolve(context.Background(), "porch-1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), store.calls.Load(), "cached resolve must not reach the store")
	assert.Positive(t, r.CacheStats().Hits())
}

func TestResolve_EmptyName(t *testing.T) {
	r := New(newFakeStore())

	_, err := r.Resolve(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestResolve_StoreFailureNotCached(t *testing.T) {
	store := newFakeStore()
	store.fail = errors.WrapTransient(errors.ErrStoreUnavailable, "store", "ResolveSensorID", "upsert sensor name")
	r := New(store)

	_, err := r.Resolve(context.Background(), "porch-1")
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Zero(t, r.Size())

	// Store recovers; the next resolve succeeds.
	store.mu.Lock()
	store.fail = nil
	store.mu.Unlock()

	id, err := r.Resolve(context.Background(), "porch-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
}

func TestResolve_ConcurrentFirstSight(t *testing.T) {
	store := newFakeStore()
	r := New(store)

	const workers = 32
	ids := make([]int64, workers)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-start
			id, err := r.Resolve(context.Background(), "porch-1")
			assert.NoError(t, err)
			ids[n] = id
		}(i)
	}
	close(start)
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id, "concurrent first-sight resolves must agree on one id")
	}
	assert.Equal(t, 1, r.Size())
}

func TestResolve_ManySensorsConcurrently(t *testing.T) {
	store := newFakeStore()
	r := New(store)

	const sensors = 10
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				name := fmt.Sprintf("sensor-%d", j%sensors)
				_, err := r.Resolve(context.Background(), name)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, sensors, r.Size())
	// Each distinct name reaches the store at most a handful of times
	// even under heavy contention.
	assert.LessOrEqual(t, store.calls.Load(), int64(sensors*2))
}
