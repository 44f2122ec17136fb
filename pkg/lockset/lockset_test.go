package lockset

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet_AcquireRelease(t *testing.T) {
	s := New()

	assert.True(t, s.TryAcquire(10))
	assert.False(t, s.TryAcquire(10))
	assert.True(t, s.Held(10))
	assert.Equal(t, 1, s.Len())

	assert.True(t, s.Release(10))
	assert.False(t, s.Release(10), "second release reports false")
	assert.False(t, s.Held(10))

	assert.True(t, s.TryAcquire(10), "released id can be acquired again")
}

func TestSet_ZeroValue(t *testing.T) {
	var s Set
	assert.False(t, s.Held(1))
	assert.False(t, s.Release(1))
	assert.True(t, s.TryAcquire(1))
	assert.Equal(t, []uint32{1}, s.Snapshot())
}

func TestSet_Snapshot(t *testing.T) {
	s := New()
	for _, id := range []uint32{30, 10, 20} {
		s.TryAcquire(id)
	}
	assert.Equal(t, []uint32{10, 20, 30}, s.Snapshot())
}

func TestSet_ConcurrentAcquireIsExclusive(t *testing.T) {
	s := New()
	const workers = 64

	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if s.TryAcquire(7) {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, 1, s.Len())
}

func TestSet_ConcurrentDistinctIDs(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := uint32(0); i < 100; i++ {
		wg.Add(1)
		go func(id uint32) {
			defer wg.Done()
			if s.TryAcquire(id) {
				s.Release(id)
			}
		}(i)
	}
	wg.Wait()
	assert.Zero(t, s.Len())
}
