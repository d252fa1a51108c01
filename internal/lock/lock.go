// Package lock grants short-lived, key-scoped mutual-exclusion leases
// with bounded retry, TTL expiry, and optimistic version checks.
package lock

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/swarmq/swarmq/internal/bus"
	"github.com/swarmq/swarmq/internal/logging"
	"github.com/swarmq/swarmq/internal/metrics"
	"github.com/swarmq/swarmq/internal/state"
	"github.com/swarmq/swarmq/pkg/models"
)

const (
	// DefaultTTL bounds how long a lease survives a crashed holder.
	DefaultTTL = 5 * time.Minute
	// DefaultMaxRetries bounds acquisition attempts beyond the first.
	DefaultMaxRetries = 3
	// DefaultBaseBackoff seeds the exponential backoff between attempts.
	DefaultBaseBackoff = 100 * time.Millisecond

	// casAttempts bounds optimistic-version retries on extension.
	casAttempts = 3
)

// Service mediates all resource lock access.
type Service struct {
	db     *state.DB
	events bus.Publisher
	logger *logging.DebugLogger

	// defaults fills in zero AcquireOptions fields before the
	// package-level defaults apply.
	defaults AcquireOptions

	// sleep is swapped out in tests to avoid real backoff delays.
	sleep func(time.Duration)
}

// NewService creates a lock service.
func NewService(db *state.DB, events bus.Publisher, logger *logging.DebugLogger) *Service {
	if events == nil {
		events = bus.Nop{}
	}
	return &Service{db: db, events: events, logger: logger, sleep: time.Sleep}
}

// SetDefaults installs service-wide acquisition defaults, typically from
// configuration. Per-call options still win where set.
func (s *Service) SetDefaults(opts AcquireOptions) {
	s.defaults = opts
}

// AcquireOptions tune a single acquisition. Zero values take defaults.
type AcquireOptions struct {
	LockType    models.LockType
	TTL         time.Duration
	MaxRetries  int
	BaseBackoff time.Duration
}

func (s *Service) mergeDefaults(o AcquireOptions) AcquireOptions {
	if o.LockType == "" {
		o.LockType = s.defaults.LockType
	}
	if o.TTL <= 0 {
		o.TTL = s.defaults.TTL
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = s.defaults.MaxRetries
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = s.defaults.BaseBackoff
	}
	if o.LockType == "" {
		o.LockType = models.LockExclusive
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = DefaultBaseBackoff
	}
	return o
}

// Acquire attempts to take a lease on resourceKey for the given task and
// agent. It retries up to MaxRetries extra attempts with exponential
// backoff plus jitter, deleting expired leases as it finds them. On
// exhaustion it fails with a LockHeldError naming the current holder.
func (s *Service) Acquire(resourceKey, taskID, agentID string, opts AcquireOptions) (*models.ResourceLock, error) {
	if resourceKey == "" {
		return nil, fmt.Errorf("resource key is required")
	}
	opts = s.mergeDefaults(opts)
	if !opts.LockType.Valid() {
		return nil, fmt.Errorf("invalid lock type %q", opts.LockType)
	}

	start := time.Now()
	var holder string
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		existing, err := s.db.GetLockByResource(resourceKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if !existing.Expired(time.Now().UTC()) {
				holder = existing.TaskID
				if attempt == opts.MaxRetries {
					break
				}
				s.sleep(backoff(opts.BaseBackoff, attempt))
				continue
			}
			// Stale lease: purge and take it over in this same attempt,
			// so a purge on the final attempt can still succeed.
			if _, err := s.db.DeleteLock(existing.ID); err != nil {
				return nil, err
			}
			s.logger.Log("purged expired lock on %s (was task %s)", resourceKey, existing.TaskID)
		}

		now := time.Now().UTC()
		lock := &models.ResourceLock{
			ID:          uuid.New().String(),
			ResourceKey: resourceKey,
			TaskID:      taskID,
			AgentID:     agentID,
			LockType:    opts.LockType,
			AcquiredAt:  now,
			ExpiresAt:   now.Add(opts.TTL),
			Version:     0,
		}
		err = s.db.InsertLock(lock)
		if err == nil {
			s.emitWaitTime(resourceKey, taskID, time.Since(start), attempt+1, true)
			return lock, nil
		}
		if !errors.Is(err, state.ErrDuplicate) {
			return nil, err
		}
		// Lost an insertion race with a concurrent acquirer.
		if attempt == opts.MaxRetries {
			holder = "unknown"
			break
		}
		s.sleep(backoff(opts.BaseBackoff, attempt))
	}

	s.emitWaitTime(resourceKey, taskID, time.Since(start), opts.MaxRetries+1, false)
	metrics.LockAcquireFailures.Inc()
	return nil, &models.LockHeldError{
		ResourceKey: resourceKey,
		Holder:      holder,
		Attempts:    opts.MaxRetries + 1,
	}
}

// backoff computes base*2^attempt plus uniform jitter in [0, base).
func backoff(base time.Duration, attempt int) time.Duration {
	d := base << uint(attempt)
	jitter := time.Duration(rand.Int63n(int64(base)))
	return d + jitter
}

func (s *Service) emitWaitTime(resourceKey, taskID string, waited time.Duration, attempts int, acquired bool) {
	metrics.LockWaitSeconds.Observe(waited.Seconds())
	s.events.Emit(bus.Event{
		Type:       bus.EventLockWaitTime,
		EntityType: "resource",
		EntityID:   resourceKey,
		Payload: map[string]any{
			"task_id":      taskID,
			"wait_seconds": waited.Seconds(),
			"attempts":     attempts,
			"acquired":     acquired,
		},
	})
}

// Release removes a lock by id if agentID matches the recorded owner.
// Returns false if the lock does not exist or is owned by someone else.
func (s *Service) Release(lockID, agentID string) (bool, error) {
	lock, err := s.db.GetLock(lockID)
	if err != nil {
		return false, err
	}
	if lock == nil || lock.AgentID != agentID {
		return false, nil
	}
	return s.db.DeleteLock(lockID)
}

// ReleaseByResource removes the lock on resourceKey if agentID owns it.
func (s *Service) ReleaseByResource(resourceKey, agentID string) (bool, error) {
	lock, err := s.db.GetLockByResource(resourceKey)
	if err != nil {
		return false, err
	}
	if lock == nil || lock.AgentID != agentID {
		return false, nil
	}
	return s.db.DeleteLock(lock.ID)
}

// ReleaseAllForTask removes every lock the task holds via the agent.
// Used on task completion, failure, and cancellation cleanup.
func (s *Service) ReleaseAllForTask(taskID, agentID string) (int64, error) {
	n, err := s.db.DeleteLocksForTask(taskID, agentID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Log("released %d locks for task %s", n, taskID)
	}
	return n, nil
}

// IsLocked reports whether a live lock exists on resourceKey, lazily
// purging an expired one.
func (s *Service) IsLocked(resourceKey string) (bool, error) {
	lock, err := s.db.GetLockByResource(resourceKey)
	if err != nil {
		return false, err
	}
	if lock == nil {
		return false, nil
	}
	if lock.Expired(time.Now().UTC()) {
		if _, err := s.db.DeleteLock(lock.ID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// Extend pushes a lock's expiry out by additional time. The update is a
// compare-and-swap on the lock's version, retried a bounded number of
// times on contention. Returns false if the lock is gone, expired,
// owned by a different agent, or the version kept moving.
func (s *Service) Extend(lockID, agentID string, additional time.Duration) (bool, error) {
	for i := 0; i < casAttempts; i++ {
		lock, err := s.db.GetLock(lockID)
		if err != nil {
			return false, err
		}
		if lock == nil || lock.AgentID != agentID {
			return false, nil
		}
		if lock.Expired(time.Now().UTC()) {
			// An expired lease is already free for other acquirers;
			// the holder must re-acquire, not resurrect it.
			if _, err := s.db.DeleteLock(lock.ID); err != nil {
				return false, err
			}
			s.logger.Log("refused extend of expired lock on %s (task %s)", lock.ResourceKey, lock.TaskID)
			return false, nil
		}

		newExpiry := lock.ExpiresAt.Add(additional)
		ok, err := s.db.ExtendLockCAS(lockID, agentID, lock.Version, newExpiry)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		// Version moved under us; re-read and try again.
	}
	return false, nil
}

// CleanupExpired sweeps every lock whose expiry has passed. Intended for
// a periodic reaper.
func (s *Service) CleanupExpired() (int64, error) {
	n, err := s.db.DeleteExpiredLocks(time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.LocksExpiredSwept.Add(float64(n))
		s.logger.Log("swept %d expired locks", n)
	}
	return n, nil
}

// ActiveLocks lists live locks, optionally filtered by task or agent.
func (s *Service) ActiveLocks(taskID, agentID string) ([]*models.ResourceLock, error) {
	locks, err := s.db.ActiveLocks(taskID, agentID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	live := locks[:0]
	for _, lock := range locks {
		if !lock.Expired(now) {
			live = append(live, lock)
		}
	}
	return live, nil
}
