package ports

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcphub/internal/api"
)

// busyProbe treats the listed ports as bound by someone else.
func busyProbe(busy ...int) ProbeFunc {
	set := make(map[int]bool)
	for _, p := range busy {
		set[p] = true
	}
	var mu sync.Mutex
	return func(_ context.Context, _ string, port int) bool {
		mu.Lock()
		defer mu.Unlock()
		return !set[port]
	}
}

func TestAllocate_PreferredFree(t *testing.T) {
	a := New(Config{}, WithProbe(busyProbe()))

	port, err := a.Allocate("web", 8080)
	require.NoError(t, err)
	assert.Equal(t, 8080, port)

	owner, ok := a.Owner(8080)
	assert.True(t, ok)
	assert.Equal(t, "web", owner)
}

func TestAllocate_PreferredBusyFallsBackToRange(t *testing.T) {
	a := New(Config{Base: 3000, MaxAttempts: 10}, WithProbe(busyProbe(8080, 3000)))

	port, err := a.Allocate("web", 8080)
	require.NoError(t, err)
	assert.Equal(t, 3001, port)
}

func TestAllocate_SkipsReservedPorts(t *testing.T) {
	a := New(Config{Base: 3000, MaxAttempts: 10}, WithProbe(busyProbe()))

	first, err := a.Allocate("a", 0)
	require.NoError(t, err)
	second, err := a.Allocate("b", 0)
	require.NoError(t, err)
	assert.Equal(t, 3000, first)
	assert.Equal(t, 3001, second)

	_, err = a.Allocate("c", 3000)
	require.NoError(t, err)
	owner, _ := a.Owner(3000)
	assert.Equal(t, "a", owner, "a reserved preferred port must not be reassigned")
}

func TestAllocate_Exhaustion(t *testing.T) {
	a := New(Config{Base: 3000, MaxAttempts: 3}, WithProbe(busyProbe(3000, 3001, 3002)))

	_, err := a.Allocate("web", 0)
	var exhausted *api.PortExhaustionError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 3000, exhausted.Base)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Empty(t, a.Bindings())
}

func TestRelease_Idempotent(t *testing.T) {
	a := New(Config{Base: 3000, MaxAttempts: 5}, WithProbe(busyProbe()))

	port, err := a.Allocate("web", 0)
	require.NoError(t, err)

	a.Release(port)
	a.Release(port)
	a.Release(12345)
	assert.Empty(t, a.Bindings())

	again, err := a.Allocate("other", 0)
	require.NoError(t, err)
	assert.Equal(t, port, again)
}

func TestReleaseOwner(t *testing.T) {
	a := New(Config{Base: 3000, MaxAttempts: 5}, WithProbe(busyProbe()))
	_, _ = a.Allocate("web", 0)
	_, _ = a.Allocate("db", 0)
	_, _ = a.Allocate("web", 0)

	assert.Equal(t, []int{3000, 3002}, a.ReleaseOwner("web"))
	require.Len(t, a.Bindings(), 1)
	assert.Equal(t, "db", a.Bindings()[0].Owner)
}

func TestVerify_Conflict(t *testing.T) {
	busy := map[int]bool{}
	var mu sync.Mutex
	probe := func(_ context.Context, _ string, port int) bool {
		mu.Lock()
		defer mu.Unlock()
		return !busy[port]
	}
	a := New(Config{Base: 3000, MaxAttempts: 5}, WithProbe(probe))

	port, err := a.Allocate("web", 0)
	require.NoError(t, err)
	require.NoError(t, a.Verify("web", port))

	mu.Lock()
	busy[port] = true
	mu.Unlock()

	err = a.Verify("web", port)
	var conflict *api.PortConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, port, conflict.Port)

	assert.Error(t, a.Verify("db", port), "verifying someone else's port is an error")
}

func TestConcurrentAllocationsAreUnique(t *testing.T) {
	a := New(Config{Base: 3000, MaxAttempts: 100}, WithProbe(busyProbe()))

	var wg sync.WaitGroup
	results := make(chan int, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			port, err := a.Allocate("svc", 0)
			if err == nil {
				results <- port
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := map[int]bool{}
	for p := range results {
		assert.False(t, seen[p], "port %d handed out twice", p)
		seen[p] = true
	}
	assert.Len(t, seen, 50)
}

func TestAllocate_SlowBindCheckDoesNotBlockOtherOwners(t *testing.T) {
	checking := make(chan struct{})
	release := make(chan struct{})
	a := New(Config{Base: 3000, MaxAttempts: 10}, WithProbe(func(_ context.Context, _ string, port int) bool {
		if port == 3000 {
			close(checking)
			<-release
		}
		return true
	}))

	slow := make(chan int, 1)
	go func() {
		port, err := a.Allocate("slow", 0)
		assert.NoError(t, err)
		slow <- port
	}()
	<-checking

	fast := make(chan int, 1)
	go func() {
		port, err := a.Allocate("fast", 0)
		assert.NoError(t, err)
		fast <- port
	}()
	select {
	case port := <-fast:
		assert.Equal(t, 3001, port, "the port under check stays held")
	case <-time.After(2 * time.Second):
		t.Fatal("allocation for another owner waited on a bind check")
	}

	_, ok := a.Owner(3000)
	assert.False(t, ok, "a port under check is not reported as reserved")
	assert.Len(t, a.Bindings(), 1)

	close(release)
	assert.Equal(t, 3000, <-slow)
	owner, ok := a.Owner(3000)
	assert.True(t, ok)
	assert.Equal(t, "slow", owner)
	assert.Len(t, a.Bindings(), 2)
}

func TestReleaseOwner_DuringBindCheck(t *testing.T) {
	checking := make(chan struct{})
	release := make(chan struct{})
	a := New(Config{Base: 3000, MaxAttempts: 1}, WithProbe(func(_ context.Context, _ string, _ int) bool {
		close(checking)
		<-release
		return true
	}))

	done := make(chan error, 1)
	go func() {
		_, err := a.Allocate("svc", 0)
		done <- err
	}()
	<-checking
	assert.Empty(t, a.ReleaseOwner("svc"))
	close(release)

	var exhausted *api.PortExhaustionError
	assert.ErrorAs(t, <-done, &exhausted)
	assert.Empty(t, a.Bindings())
}

func TestListenProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port

	assert.False(t, ListenProbe(context.Background(), "127.0.0.1", port))
	require.NoError(t, ln.Close())
	assert.True(t, ListenProbe(context.Background(), "127.0.0.1", port))
}

func TestIsFree_RealSocket(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	a := New(Config{})
	assert.False(t, a.IsFree(port))

	got, err := a.Allocate("web", port)
	require.NoError(t, err)
	assert.NotEqual(t, port, got)
}
