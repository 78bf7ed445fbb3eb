package bufpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetReturnsRequestedLength(t *testing.T) {
	for _, size := range []int{1, 100, DefaultSmallSize, DefaultSmallSize + 1, DefaultMediumSize, DefaultLargeSize} {
		buf := Get(size)
		assert.Len(t, buf, size)
		assert.GreaterOrEqual(t, cap(buf), size)
		Put(buf)
	}
}

func TestTierSelection(t *testing.T) {
	assert.Equal(t, DefaultSmallSize, cap(Get(10)))
	assert.Equal(t, DefaultMediumSize, cap(Get(DefaultSmallSize+1)))
	assert.Equal(t, DefaultLargeSize, cap(Get(DefaultMediumSize+1)))
}

func TestOversizedRequestsAreNotPooled(t *testing.T) {
	size := DefaultLargeSize + 1
	buf := Get(size)
	require.Len(t, buf, size)
	assert.Equal(t, size, cap(buf), "oversized buffers are exact allocations")
	Put(buf) // dropped, must not panic
}

func TestPutNilIsSafe(t *testing.T) {
	assert.NotPanics(t, func() { Put(nil) })
}

func TestCustomPoolSizes(t *testing.T) {
	p := NewPool(&Config{SmallSize: 128, MediumSize: 1024, LargeSize: 8192})
	assert.Equal(t, 128, cap(p.Get(64)))
	assert.Equal(t, 1024, cap(p.Get(512)))
	assert.Equal(t, 8192, cap(p.Get(4096)))
}

func TestConcurrentUse(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				buf := Get(1024)
				buf[0] = byte(j)
				Put(buf)
			}
		}()
	}
	wg.Wait()
}
