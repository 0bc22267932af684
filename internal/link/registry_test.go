package link

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/srg/btspp/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_LookupAbsent(t *testing.T) {
	r := NewRegistry(nil)
	assert.Nil(t, r.Lookup(testAddress))
	assert.Nil(t, r.Current(testAddress))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_LookupEvictsDeadLink(t *testing.T) {
	var evicted []*Link
	r := NewRegistry(func(l *Link) { evicted = append(evicted, l) })

	l, _ := newTestLink(t)
	r.Insert(testAddress, l)
	require.Same(t, l, r.Lookup(testAddress))

	l.Close()

	assert.Nil(t, r.Lookup(testAddress), "dead link MUST NOT be returned")
	assert.Nil(t, r.Current(testAddress), "dead link MUST be removed")
	assert.Nil(t, r.Lookup(testAddress))
	require.Len(t, evicted, 1, "eviction MUST be reported exactly once")
	assert.Same(t, l, evicted[0])
}

func TestRegistry_InsertReturnsPrevious(t *testing.T) {
	r := NewRegistry(nil)
	l1, _ := newTestLink(t)
	l2, _ := newTestLink(t)

	assert.Nil(t, r.Insert(testAddress, l1))
	assert.Same(t, l1, r.Insert(testAddress, l2))
	assert.Same(t, l2, r.Current(testAddress))
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_ClaimKeepsLiveWinner(t *testing.T) {
	r := NewRegistry(nil)
	winner, _ := newTestLink(t)
	loser, _ := newTestLink(t)

	current, replaced, ok := r.Claim(testAddress, winner)
	require.True(t, ok)
	assert.Same(t, winner, current)
	assert.Nil(t, replaced)

	current, replaced, ok = r.Claim(testAddress, loser)
	assert.False(t, ok)
	assert.Same(t, winner, current)
	assert.Nil(t, replaced)
	assert.Same(t, winner, r.Current(testAddress))
}

func TestRegistry_ClaimReplacesDeadLink(t *testing.T) {
	r := NewRegistry(nil)
	dead, _ := newTestLink(t)
	fresh, _ := newTestLink(t)

	r.Insert(testAddress, dead)
	dead.Close()

	current, replaced, ok := r.Claim(testAddress, fresh)
	require.True(t, ok)
	assert.Same(t, fresh, current)
	assert.Same(t, dead, replaced, "caller MUST receive the displaced link to release it")
}

func TestRegistry_RemoveIfSparesNewerLink(t *testing.T) {
	r := NewRegistry(nil)
	old, _ := newTestLink(t)
	newer, _ := newTestLink(t)

	r.Insert(testAddress, old)
	r.Insert(testAddress, newer)

	assert.False(t, r.RemoveIf(testAddress, old))
	assert.Same(t, newer, r.Current(testAddress))
	assert.True(t, r.RemoveIf(testAddress, newer))
	assert.Nil(t, r.Current(testAddress))
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	r := NewRegistry(nil)
	assert.Nil(t, r.Remove(testAddress))

	l, _ := newTestLink(t)
	r.Insert(testAddress, l)
	assert.Same(t, l, r.Remove(testAddress))
	assert.Nil(t, r.Remove(testAddress))
	assert.False(t, r.RemoveIf(device.Address("11:22:33:44:55:66"), l))
}

func TestRegistry_ConcurrentClaimHasSingleWinner(t *testing.T) {
	// GOAL: at most one live link per identity under concurrent registration
	//
	// TEST SCENARIO: 32 goroutines claim the same identity → exactly one succeeds → all see the same winner
	r := NewRegistry(nil)

	const n = 32
	links := make([]*Link, n)
	for i := range links {
		links[i], _ = newTestLink(t)
	}

	var wins atomic.Int32
	results := make([]*Link, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			current, _, ok := r.Claim(testAddress, links[i])
			if ok {
				wins.Add(1)
			}
			results[i] = current
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	winner := r.Current(testAddress)
	for _, got := range results {
		assert.Same(t, winner, got)
	}
}

func TestRegistry_DistinctIdentities(t *testing.T) {
	r := NewRegistry(nil)
	l1, _ := newTestLink(t)
	l2, _ := newTestLink(t)

	r.Insert(testAddress, l1)
	r.Insert(device.Address("11:22:33:44:55:66"), l2)

	assert.Equal(t, 2, r.Len())
	assert.Len(t, r.Links(), 2)
	assert.Same(t, l1, r.Lookup(testAddress))
}
