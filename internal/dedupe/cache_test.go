// ABOUTME: Tests for the dedupe cache
// ABOUTME: Validates lookups, TTL expiry, size-bound eviction, cleanup and concurrent use

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_LookupMissing(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	_, ok := cache.Lookup("never-seen-key")
	assert.False(t, ok)
}

func TestCache_RememberAndLookup(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	key := SourceKey("matrix", "$event-1")
	cache.Remember(key, "msg-1")

	got, ok := cache.Lookup(key)
	assert.True(t, ok)
	assert.Equal(t, "msg-1", got)

	// Same source id from a different platform is a different key
	_, ok = cache.Lookup(SourceKey("discord", "$event-1"))
	assert.False(t, ok)
}

func TestCache_RememberOverwrites(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	cache.Remember("k", "first")
	cache.Remember("k", "second")

	got, _ := cache.Lookup("k")
	assert.Equal(t, "second", got)
	assert.Equal(t, 1, cache.Len())
}

func TestCache_Expired(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	cache.Remember("expiring-key", "id")
	_, ok := cache.Lookup("expiring-key")
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)

	_, ok = cache.Lookup("expiring-key")
	assert.False(t, ok)
	assert.False(t, cache.CheckAndMark("expiring-key"), "expired key counts as new")
}

func TestCache_CheckAndMark(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.CheckAndMark("evt"))
	assert.True(t, cache.CheckAndMark("evt"))
}

func TestCache_Forget(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	cache.Remember("k", "v")
	cache.Forget("k")
	cache.Forget("k")

	_, ok := cache.Lookup("k")
	assert.False(t, ok)
	assert.Equal(t, 0, cache.Len())
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	cache.Remember("a", "1")
	cache.Remember("b", "2")
	cache.Remember("c", "3")
	// Refreshing a moves it to the back, so b is now oldest
	cache.Remember("a", "1")
	cache.Remember("d", "4")

	_, ok := cache.Lookup("b")
	assert.False(t, ok)
	for _, k := range []string{"a", "c", "d"} {
		_, ok := cache.Lookup(k)
		assert.True(t, ok, k)
	}
	assert.Equal(t, 3, cache.Len())
}

func TestCache_RunCleanup(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	cache.Remember("old", "1")
	time.Sleep(20 * time.Millisecond)
	cache.Remember("fresh", "2")

	cache.runCleanup()

	assert.Equal(t, 1, cache.Len())
	_, ok := cache.Lookup("fresh")
	assert.True(t, ok)
}

func TestCache_CloseIsIdempotent(t *testing.T) {
	cache := New(time.Minute, 10)
	cache.Close()
	cache.Close()
}

func TestCache_ConcurrentCheckAndMark(t *testing.T) {
	cache := New(5*time.Minute, 1000)
	defer cache.Close()

	var firsts atomic.Int32
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if !cache.CheckAndMark("shared") {
				firsts.Add(1)
			}
			cache.Remember(fmt.Sprintf("k-%d", i), "v")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), firsts.Load(), "exactly one caller sees the key as new")
	assert.Equal(t, 51, cache.Len())
}
