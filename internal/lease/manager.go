// Package lease implements the TTL-based file leasing system: exclusive,
// time-bounded grants over an opaque path key, with FIFO-fair blocking
// acquisition, bounded renewal, and periodic expiry sweeping. Generalised
// from the original Rust Lease/LeaseManager design into Go, using the
// teacher scheduler's timer-management idiom for the periodic sweep.
package lease

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/descartes-run/descartes/internal/errkind"
)

// Status mirrors the original Rust LeaseStatus enum.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusExpired  Status = "expired"
	StatusReleased Status = "released"
)

// Lease is a grant of exclusive access to a path key.
type Lease struct {
	ID           uuid.UUID
	PathKey      string
	AgentID      string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	TTL          time.Duration
	Status       Status
	RenewalCount int
	MaxRenewals  int // -1 == unlimited
}

// IsValid reports whether the lease is active and not yet expired.
func (l *Lease) IsValid() bool {
	return l.Status == StatusActive && time.Now().Before(l.ExpiresAt)
}

type waiter struct {
	agentID string
	result  chan acquireResult
}

type acquireResult struct {
	lease *Lease
	err   error
}

type pathState struct {
	holder  *Lease
	waiters []*waiter
}

// Manager holds all leases in memory and mirrors each change to a
// Persister (normally *store.Store). A new Manager starts with no
// leases; persisted records are not loaded back into it.
type Manager struct {
	logger *slog.Logger
	persist Persister

	mu    sync.Mutex
	paths map[string]*pathState
	byID  map[uuid.UUID]*Lease

	limiter *rate.Limiter

	sweepStop chan struct{}
	sweepWG   sync.WaitGroup
}

// Persister is the subset of the State Store the lease manager needs,
// kept as an interface so tests can swap in a fake.
type Persister interface {
	PutLeaseRecord(id, pathKey, agentID string, createdAt, expiresAt time.Time, ttlSeconds, maxRenewals, renewalCount int, status string) error
	DeleteLeaseRecord(id string) error
}

// New creates a Manager. sweepInterval controls how often expired
// leases are swept and their next waiter woken.
func New(logger *slog.Logger, persist Persister, sweepInterval time.Duration) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		logger:    logger,
		persist:   persist,
		paths:     make(map[string]*pathState),
		byID:      make(map[uuid.UUID]*Lease),
		limiter:   rate.NewLimiter(rate.Every(20*time.Millisecond), 5),
		sweepStop: make(chan struct{}),
	}
	m.sweepWG.Add(1)
	go m.sweepLoop(sweepInterval)
	return m
}

// Close stops the sweep goroutine.
func (m *Manager) Close() {
	close(m.sweepStop)
	m.sweepWG.Wait()
}

func (m *Manager) sweepLoop(interval time.Duration) {
	defer m.sweepWG.Done()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-m.sweepStop:
			return
		case <-t.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	m.mu.Lock()
	now := time.Now()
	var toWake []*pathState
	for _, ps := range m.paths {
		if ps.holder != nil && now.After(ps.holder.ExpiresAt) {
			expired := ps.holder
			expired.Status = StatusExpired
			ps.holder = nil
			delete(m.byID, expired.ID)
			m.logger.Info("lease expired", "path", expired.PathKey, "agent", expired.AgentID, "lease_id", expired.ID)
			if m.persist != nil {
				_ = m.persist.DeleteLeaseRecord(expired.ID.String())
			}
			toWake = append(toWake, ps)
		}
	}
	m.mu.Unlock()
	for _, ps := range toWake {
		m.wakeNextLocked(ps)
	}
}

// wakeNextLocked must be called without m.mu held; it takes the lock
// itself to pop and grant the path's next FIFO waiter, if any.
func (m *Manager) wakeNextLocked(ps *pathState) {
	m.mu.Lock()
	if ps.holder != nil || len(ps.waiters) == 0 {
		m.mu.Unlock()
		return
	}
	w := ps.waiters[0]
	ps.waiters = ps.waiters[1:]
	m.mu.Unlock()

	w.result <- acquireResult{} // signal: re-attempt acquisition
}

// Acquire attempts to gain exclusive access to pathKey. If blocking is
// true, it waits (FIFO, one agent woken at a time on release/expiry)
// until acquired, ctx is cancelled, or timeout elapses.
func (m *Manager) Acquire(ctx context.Context, pathKey, agentID string, ttl time.Duration, maxRenewals int, blocking bool, timeout time.Duration) (*Lease, time.Duration, error) {
	start := time.Now()
	for {
		lease, granted := m.tryAcquire(pathKey, agentID, ttl, maxRenewals)
		if granted {
			return lease, time.Since(start), nil
		}
		if !blocking {
			return nil, time.Since(start), errkind.New(errkind.Conflict, "lease.Acquire", errFileLocked(pathKey))
		}

		m.mu.Lock()
		ps := m.pathStateLocked(pathKey)
		w := &waiter{agentID: agentID, result: make(chan acquireResult, 1)}
		ps.waiters = append(ps.waiters, w)
		m.mu.Unlock()

		waitCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			waitCtx, cancel = context.WithTimeout(ctx, timeout-time.Since(start))
		}
		select {
		case <-w.result:
			if cancel != nil {
				cancel()
			}
			continue // re-attempt; another waiter may have raced us
		case <-waitCtx.Done():
			if cancel != nil {
				cancel()
			}
			m.removeWaiter(ps, w)
			if ctx.Err() != nil {
				return nil, time.Since(start), errkind.New(errkind.Cancelled, "lease.Acquire", ctx.Err())
			}
			return nil, time.Since(start), errkind.New(errkind.Timeout, "lease.Acquire", errAcquireTimeout(pathKey))
		}
	}
}

func (m *Manager) removeWaiter(ps *pathState, w *waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, cur := range ps.waiters {
		if cur == w {
			ps.waiters = append(ps.waiters[:i], ps.waiters[i+1:]...)
			return
		}
	}
}

func (m *Manager) pathStateLocked(pathKey string) *pathState {
	ps, ok := m.paths[pathKey]
	if !ok {
		ps = &pathState{}
		m.paths[pathKey] = ps
	}
	return ps
}

func (m *Manager) tryAcquire(pathKey, agentID string, ttl time.Duration, maxRenewals int) (*Lease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ps := m.pathStateLocked(pathKey)
	now := time.Now()
	if ps.holder != nil {
		if ps.holder.AgentID == agentID && ps.holder.IsValid() {
			return ps.holder, true // idempotent re-acquire by the same agent
		}
		if ps.holder.IsValid() {
			return nil, false
		}
		// Held but expired; fall through and replace it.
		delete(m.byID, ps.holder.ID)
	}

	l := &Lease{
		ID:          uuid.New(),
		PathKey:     pathKey,
		AgentID:     agentID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		TTL:         ttl,
		Status:      StatusActive,
		MaxRenewals: maxRenewals,
	}
	ps.holder = l
	m.byID[l.ID] = l
	if m.persist != nil {
		_ = m.persist.PutLeaseRecord(l.ID.String(), pathKey, agentID, l.CreatedAt, l.ExpiresAt, int(ttl.Seconds()), maxRenewals, 0, string(StatusActive))
	}
	return l, true
}

// Renew extends an active lease's expiry, subject to max_renewals. Only
// the holding agent may renew its own lease.
func (m *Manager) Renew(leaseID uuid.UUID, agentID string, newTTL time.Duration) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.byID[leaseID]
	if !ok {
		return nil, errkind.New(errkind.NotFound, "lease.Renew", errLeaseNotFound(leaseID))
	}
	if l.AgentID != agentID {
		return nil, errkind.New(errkind.Validation, "lease.Renew", errNotHolder(leaseID))
	}
	if l.MaxRenewals >= 0 && l.RenewalCount >= l.MaxRenewals {
		return nil, errkind.New(errkind.Exhausted, "lease.Renew", errMaxRenewals(leaseID))
	}

	if newTTL > 0 {
		l.TTL = newTTL
	}
	l.ExpiresAt = time.Now().Add(l.TTL)
	l.RenewalCount++
	if m.persist != nil {
		_ = m.persist.PutLeaseRecord(l.ID.String(), l.PathKey, l.AgentID, l.CreatedAt, l.ExpiresAt, int(l.TTL.Seconds()), l.MaxRenewals, l.RenewalCount, string(l.Status))
	}
	return l, nil
}

// Release marks a lease released and wakes the next FIFO waiter for its path.
func (m *Manager) Release(leaseID uuid.UUID, agentID string) error {
	m.mu.Lock()
	l, ok := m.byID[leaseID]
	if !ok {
		m.mu.Unlock()
		return errkind.New(errkind.NotFound, "lease.Release", errLeaseNotFound(leaseID))
	}
	if l.AgentID != agentID {
		m.mu.Unlock()
		return errkind.New(errkind.Validation, "lease.Release", errNotHolder(leaseID))
	}
	l.Status = StatusReleased
	delete(m.byID, leaseID)
	ps := m.paths[l.PathKey]
	if ps != nil && ps.holder == l {
		ps.holder = nil
	}
	m.mu.Unlock()

	if m.persist != nil {
		_ = m.persist.DeleteLeaseRecord(leaseID.String())
	}
	if ps != nil {
		m.wakeNextLocked(ps)
	}
	return nil
}

// ForceReleaseAgentLeases releases every lease held by agentID; the
// agent.kill RPC handler calls it. Returns the count released.
func (m *Manager) ForceReleaseAgentLeases(agentID string) int {
	m.mu.Lock()
	var toRelease []*Lease
	for _, l := range m.byID {
		if l.AgentID == agentID {
			toRelease = append(toRelease, l)
		}
	}
	m.mu.Unlock()

	for _, l := range toRelease {
		_ = m.Release(l.ID, agentID)
	}
	return len(toRelease)
}

// IsLocked reports whether pathKey currently has a valid holder.
func (m *Manager) IsLocked(pathKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.paths[pathKey]
	return ok && ps.holder != nil && ps.holder.IsValid()
}

// AgentLeases returns all leases currently held by agentID.
func (m *Manager) AgentLeases(agentID string) []*Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Lease
	for _, l := range m.byID {
		if l.AgentID == agentID {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out
}

// AllLeases returns every currently held lease, for introspection
// (lease.list) rather than any acquisition decision.
func (m *Manager) AllLeases() []*Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Lease, 0, len(m.byID))
	for _, l := range m.byID {
		cp := *l
		out = append(out, &cp)
	}
	return out
}
