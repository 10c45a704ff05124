package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapGetPut(t *testing.T) {
	var c Cache[string, int] = NewMap[string, int]()

	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("a", 3)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 3, v)
	assert.Equal(t, 2, c.Size())
}

func TestMapGetOrCreate(t *testing.T) {
	c := NewMap[int, string]()

	v, loaded, err := c.GetOrCreate(1, func() (string, error) { return "one", nil })
	require.NoError(t, err)
	assert.False(t, loaded)
	assert.Equal(t, "one", v)

	v, loaded, err = c.GetOrCreate(1, func() (string, error) {
		t.Fatal("create called for cached key")
		return "", nil
	})
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, "one", v)

	boom := errors.New("boom")
	_, _, err = c.GetOrCreate(2, func() (string, error) { return "", boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, c.Size())
}

func TestMapGetOrCreateConcurrent(t *testing.T) {
	c := NewMap[string, int]()
	var calls atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := c.GetOrCreate("k", func() (int, error) {
				calls.Add(1)
				return 42, nil
			})
			assert.NoError(t, err)
			assert.Equal(t, 42, v)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}
