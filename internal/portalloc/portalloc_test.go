package portalloc

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu    sync.Mutex
	inUse map[int]bool
}

func newFakeStore(inUse ...int) *fakeStore {
	s := &fakeStore{inUse: make(map[int]bool)}
	for _, p := range inUse {
		s.inUse[p] = true
	}
	return s
}

func (s *fakeStore) PortInUse(ctx context.Context, port int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse[port], nil
}

type fakeLister struct {
	bindings map[int]struct{}
}

func (l *fakeLister) HostPortBindings(ctx context.Context) (map[int]struct{}, error) {
	return l.bindings, nil
}

func newAllocator(min, max int, blacklist []int, store StateStore, lister ContainerLister) *Allocator {
	return New(min, max, blacklist, store, lister)
}

func TestAllocatePortSkipsBlacklist(t *testing.T) {
	a := newAllocator(40000, 40005, []int{40000, 40001}, newFakeStore(), &fakeLister{bindings: map[int]struct{}{}})

	port, err := a.AllocatePort(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 40002, port)
}

func TestAllocatePortSkipsStateStoreRecords(t *testing.T) {
	a := newAllocator(40000, 40005, nil, newFakeStore(40000, 40001), &fakeLister{bindings: map[int]struct{}{}})

	port, err := a.AllocatePort(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 40002, port)
}

func TestAllocatePortSkipsContainerBindings(t *testing.T) {
	lister := &fakeLister{bindings: map[int]struct{}{40000: {}}}
	a := newAllocator(40000, 40005, nil, newFakeStore(), lister)

	port, err := a.AllocatePort(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 40001, port)
}

func TestAllocatePortExhaustion(t *testing.T) {
	a := newAllocator(40000, 40002, []int{40000, 40001, 40002}, newFakeStore(), &fakeLister{bindings: map[int]struct{}{}})

	_, err := a.AllocatePort(context.Background())
	assert.ErrorIs(t, err, ErrPortExhausted)
}

func TestAllocatePortPairRequiresBothFree(t *testing.T) {
	// 40000 free, 40001 blacklisted -> pair at 40000 fails, next candidate 40001 blacklisted,
	// 40002/40003 should succeed.
	a := newAllocator(40000, 40005, []int{40001}, newFakeStore(), &fakeLister{bindings: map[int]struct{}{}})

	p1, p2, err := a.AllocatePortPair(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 40002, p1)
	assert.Equal(t, 40003, p2)
}

func TestAllocatePortPairExhaustion(t *testing.T) {
	a := newAllocator(40000, 40001, []int{40001}, newFakeStore(), &fakeLister{bindings: map[int]struct{}{}})

	_, _, err := a.AllocatePortPair(context.Background())
	assert.ErrorIs(t, err, ErrPortExhausted)
}

func TestAllocatePortWithinProcessNoDoubleReturn(t *testing.T) {
	a := newAllocator(40000, 40002, nil, newFakeStore(), &fakeLister{bindings: map[int]struct{}{}})

	p1, err := a.AllocatePort(context.Background())
	require.NoError(t, err)

	p2, err := a.AllocatePort(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, p1, p2)
}

func TestReleasePortMakesItAvailableAgain(t *testing.T) {
	a := newAllocator(40000, 40000, nil, newFakeStore(), &fakeLister{bindings: map[int]struct{}{}})

	p1, err := a.AllocatePort(context.Background())
	require.NoError(t, err)

	_, err = a.AllocatePort(context.Background())
	assert.ErrorIs(t, err, ErrPortExhausted)

	a.ReleasePort(p1)

	p2, err := a.AllocatePort(context.Background())
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
}

func TestIsAvailable(t *testing.T) {
	a := newAllocator(40000, 40005, []int{40001}, newFakeStore(40002), &fakeLister{bindings: map[int]struct{}{40003: {}}})

	ok, err := a.IsAvailable(context.Background(), 40000)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.IsAvailable(context.Background(), 40001)
	require.NoError(t, err)
	assert.False(t, ok, "blacklisted port must not be available")

	ok, err = a.IsAvailable(context.Background(), 40002)
	require.NoError(t, err)
	assert.False(t, ok, "state store record must block availability")

	ok, err = a.IsAvailable(context.Background(), 40003)
	require.NoError(t, err)
	assert.False(t, ok, "container binding must block availability")
}

func TestFindAlternativeExcludesFailed(t *testing.T) {
	a := newAllocator(40000, 40002, nil, newFakeStore(), &fakeLister{bindings: map[int]struct{}{}})

	port, err := a.FindAlternative(context.Background(), 40000)
	require.NoError(t, err)
	assert.Equal(t, 40001, port)
}

func TestDefaultRangeConstants(t *testing.T) {
	assert.Equal(t, 40000, DefaultRangeMin)
	assert.Equal(t, 50000, DefaultRangeMax)
}
