package portalloc

import (
	"net"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "AgentFleet/internal/errors"
)

func TestAllocateReturnsLowestFreePort(t *testing.T) {
	a, err := New(5005, 5010)
	require.NoError(t, err)

	for want := 5005; want <= 5007; want++ {
		got, err := a.Allocate()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	a.Release(5006)
	got, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 5006, got, "released port should be reused first")
}

func TestAllocateExhaustedRange(t *testing.T) {
	a, err := New(7000, 7001)
	require.NoError(t, err)
	_, err = a.Allocate()
	require.NoError(t, err)
	_, err = a.Allocate()
	require.NoError(t, err)

	_, err = a.Allocate()
	assert.Equal(t, xerrors.CodeExhaustedRange, xerrors.CodeOf(err))
}

func TestReleaseIsIdempotent(t *testing.T) {
	a, err := New(7000, 7000)
	require.NoError(t, err)
	port, err := a.Allocate()
	require.NoError(t, err)

	a.Release(port)
	a.Release(port)
	a.Release(9999)
	assert.Equal(t, 0, a.InUse())

	again, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, port, again)
}

func TestStrideAllocatesBlocks(t *testing.T) {
	a, err := New(5005, 5010, WithStride(2))
	require.NoError(t, err)
	assert.Equal(t, 3, a.Capacity())

	var ports []int
	for i := 0; i < 3; i++ {
		p, err := a.Allocate()
		require.NoError(t, err)
		ports = append(ports, p)
	}
	assert.Equal(t, []int{5005, 5007, 5009}, ports)

	_, err = a.Allocate()
	assert.Equal(t, xerrors.CodeExhaustedRange, xerrors.CodeOf(err))
	assert.Error(t, a.Reserve(5006), "misaligned ports are rejected")
}

func TestProbeSkipsForeignPorts(t *testing.T) {
	a, err := New(8000, 8003, WithProbe(func(port int) bool { return port != 8000 }))
	require.NoError(t, err)

	p, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 8001, p)
}

func TestListenProbeDetectsBoundPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	assert.False(t, ListenProbe("127.0.0.1")(port))
}

func TestReserveMarksRestoredPorts(t *testing.T) {
	a, err := New(5005, 5008)
	require.NoError(t, err)
	require.NoError(t, a.Reserve(5005))
	assert.Equal(t, xerrors.CodeAlreadyExists, xerrors.CodeOf(a.Reserve(5005)))

	p, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 5006, p)
}

func TestConcurrentAllocateHandsOutDistinctPorts(t *testing.T) {
	a, err := New(9000, 9099)
	require.NoError(t, err)

	var (
		mu  sync.Mutex
		got []int
		wg  sync.WaitGroup
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := a.Allocate()
			if err != nil {
				return
			}
			mu.Lock()
			got = append(got, p)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, got, 100)
	sort.Ints(got)
	for i, p := range got {
		assert.Equal(t, 9000+i, p)
	}
}
