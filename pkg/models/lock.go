package models

import "time"

// LockType distinguishes exclusive from shared leases.
type LockType string

const (
	// LockExclusive grants sole access to the resource.
	LockExclusive LockType = "exclusive"
	// LockShared allows concurrent holders but conflicts with exclusive locks.
	LockShared LockType = "shared"
)

// Valid returns true if the lock type is a known value.
func (l LockType) Valid() bool {
	return l == LockExclusive || l == LockShared
}

// ResourceLock is a short-lived mutual-exclusion lease over a named resource.
type ResourceLock struct {
	// ID is the unique identifier for this lock.
	ID string `json:"id"`
	// ResourceKey identifies the contended resource (file, branch, service).
	ResourceKey string `json:"resource_key"`
	// TaskID is the task on whose behalf the lock was taken.
	TaskID string `json:"task_id"`
	// AgentID is the owning agent. Release and extend are ownership-checked.
	AgentID string `json:"agent_id"`
	// LockType is exclusive or shared.
	LockType LockType `json:"lock_type"`
	// AcquiredAt is when the lock was granted.
	AcquiredAt time.Time `json:"acquired_at"`
	// ExpiresAt is when the lease lapses. Expired locks are logically absent.
	ExpiresAt time.Time `json:"expires_at"`
	// Version is the optimistic-concurrency counter, incremented on extension.
	Version int64 `json:"version"`
}

// Expired returns true if the lease has lapsed at the given instant.
func (l *ResourceLock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}
