package lease

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func newTestManager() *Manager {
	return New(nil, nil, time.Hour) // sweep disabled for most tests via a long interval
}

func TestAcquireNonBlockingConflict(t *testing.T) {
	m := newTestManager()
	defer m.Close()
	ctx := context.Background()

	if _, _, err := m.Acquire(ctx, "/f", "agent-a", time.Minute, -1, false, 0); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, _, err := m.Acquire(ctx, "/f", "agent-b", time.Minute, -1, false, 0); err == nil {
		t.Fatal("expected conflict on second non-blocking acquire")
	}
}

func TestSameAgentReacquireIsIdempotent(t *testing.T) {
	m := newTestManager()
	defer m.Close()
	ctx := context.Background()

	l1, _, err := m.Acquire(ctx, "/f", "agent-a", time.Minute, -1, false, 0)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	l2, _, err := m.Acquire(ctx, "/f", "agent-a", time.Minute, -1, false, 0)
	if err != nil {
		t.Fatalf("second acquire by same agent: %v", err)
	}
	if l1.ID != l2.ID {
		t.Fatalf("expected same lease id on idempotent reacquire, got %s vs %s", l1.ID, l2.ID)
	}
}

func TestBlockingAcquireWakesOnRelease(t *testing.T) {
	m := newTestManager()
	defer m.Close()
	ctx := context.Background()

	l, _, err := m.Acquire(ctx, "/f", "agent-a", time.Hour, -1, false, 0)
	if err != nil {
		t.Fatalf("initial acquire: %v", err)
	}

	var acquired atomic.Bool
	done := make(chan struct{})
	go func() {
		_, _, err := m.Acquire(ctx, "/f", "agent-b", time.Minute, -1, true, 2*time.Second)
		if err == nil {
			acquired.Store(true)
		}
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	if err := m.Release(l.ID, "agent-a"); err != nil {
		t.Fatalf("release: %v", err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("blocking acquire never woke up")
	}
	if !acquired.Load() {
		t.Fatal("blocked acquire did not succeed after release")
	}
}

func TestRenewExhaustsMaxRenewals(t *testing.T) {
	m := newTestManager()
	defer m.Close()
	ctx := context.Background()

	l, _, err := m.Acquire(ctx, "/f", "agent-a", time.Minute, 1, false, 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if _, err := m.Renew(l.ID, "agent-a", 0); err != nil {
		t.Fatalf("first renew: %v", err)
	}
	if _, err := m.Renew(l.ID, "agent-a", 0); err == nil {
		t.Fatal("expected second renew to exceed max_renewals=1")
	}
}

func TestRenewByNonHolderFails(t *testing.T) {
	m := newTestManager()
	defer m.Close()
	ctx := context.Background()

	l, _, err := m.Acquire(ctx, "/f", "agent-a", time.Minute, -1, false, 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := m.Renew(l.ID, "agent-b", 0); err == nil {
		t.Fatal("expected renew by non-holder to fail")
	}
}

func TestForceReleaseAgentLeases(t *testing.T) {
	m := newTestManager()
	defer m.Close()
	ctx := context.Background()

	if _, _, err := m.Acquire(ctx, "/a", "agent-a", time.Minute, -1, false, 0); err != nil {
		t.Fatalf("acquire /a: %v", err)
	}
	if _, _, err := m.Acquire(ctx, "/b", "agent-a", time.Minute, -1, false, 0); err != nil {
		t.Fatalf("acquire /b: %v", err)
	}

	n := m.ForceReleaseAgentLeases("agent-a")
	if n != 2 {
		t.Fatalf("ForceReleaseAgentLeases() = %d, want 2", n)
	}
	if m.IsLocked("/a") || m.IsLocked("/b") {
		t.Fatal("paths still locked after force release")
	}
}

// TestExclusionProperty is the §8 invariant: for any sequence of
// concurrent acquire attempts on the same path, at most one agent ever
// holds a valid lease at a time.
func TestExclusionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("at most one holder per path under concurrent acquire", prop.ForAll(
		func(n int) bool {
			m := newTestManager()
			defer m.Close()

			var mu sync.Mutex
			var holders int
			var maxObserved int
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					ctx := context.Background()
					l, _, err := m.Acquire(ctx, "/shared", agentName(i), 200*time.Millisecond, -1, false, 0)
					if err != nil {
						return
					}
					mu.Lock()
					holders++
					if holders > maxObserved {
						maxObserved = holders
					}
					mu.Unlock()

					time.Sleep(5 * time.Millisecond)

					mu.Lock()
					holders--
					mu.Unlock()
					_ = m.Release(l.ID, agentName(i))
				}(i)
			}
			wg.Wait()
			return maxObserved <= 1
		},
		gen.IntRange(1, 8),
	))

	properties.TestingRun(t)
}

func agentName(i int) string {
	return "agent-" + string(rune('a'+i))
}
