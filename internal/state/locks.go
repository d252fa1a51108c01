package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/swarmq/swarmq/pkg/models"
)

const lockColumns = `id, resource_key, task_id, agent_id, lock_type,
	acquired_at, expires_at, version`

// InsertLock inserts a new lock row. Returns ErrDuplicate (wrapped) when a
// row for resource_key already exists, meaning the caller lost an
// insertion race.
func (db *DB) InsertLock(l *models.ResourceLock) error {
	_, err := db.Exec(`
		INSERT INTO resource_locks (id, resource_key, task_id, agent_id,
			lock_type, acquired_at, expires_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, l.ID, l.ResourceKey, l.TaskID, l.AgentID, string(l.LockType),
		formatTime(l.AcquiredAt), formatTime(l.ExpiresAt), l.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert lock for %s: %w", l.ResourceKey, ErrDuplicate)
		}
		return fmt.Errorf("insert lock: %w", err)
	}
	return nil
}

// GetLock retrieves a lock by ID. Returns (nil, nil) if not found.
func (db *DB) GetLock(id string) (*models.ResourceLock, error) {
	row := db.QueryRow(`SELECT `+lockColumns+` FROM resource_locks WHERE id = ?`, id)
	l, err := scanLock(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get lock: %w", err)
	}
	return l, nil
}

// GetLockByResource retrieves the lock for a resource key, if any.
func (db *DB) GetLockByResource(resourceKey string) (*models.ResourceLock, error) {
	row := db.QueryRow(`SELECT `+lockColumns+` FROM resource_locks WHERE resource_key = ?`, resourceKey)
	l, err := scanLock(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get lock by resource: %w", err)
	}
	return l, nil
}

// DeleteLock removes a lock row by ID. Returns true if a row was deleted.
func (db *DB) DeleteLock(id string) (bool, error) {
	res, err := db.Exec(`DELETE FROM resource_locks WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete lock rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteLocksForTask removes all locks held for a task by the given agent.
// Returns the number of locks released.
func (db *DB) DeleteLocksForTask(taskID, agentID string) (int64, error) {
	res, err := db.Exec(`DELETE FROM resource_locks WHERE task_id = ? AND agent_id = ?`,
		taskID, agentID)
	if err != nil {
		return 0, fmt.Errorf("delete locks for task: %w", err)
	}
	return res.RowsAffected()
}

// DeleteExpiredLocks removes all locks whose expires_at is at or before now.
// Returns the number of locks swept.
func (db *DB) DeleteExpiredLocks(now time.Time) (int64, error) {
	res, err := db.Exec(`DELETE FROM resource_locks WHERE expires_at <= ?`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired locks: %w", err)
	}
	return res.RowsAffected()
}

// ExtendLockCAS pushes a lock's expiry forward and bumps its version, but
// only if the caller still owns the lock at the version it last read.
// Returns false on version mismatch, ownership mismatch, or missing row.
func (db *DB) ExtendLockCAS(id, agentID string, version int64, newExpiry time.Time) (bool, error) {
	res, err := db.Exec(`
		UPDATE resource_locks SET expires_at = ?, version = version + 1
		WHERE id = ? AND agent_id = ? AND version = ?
	`, formatTime(newExpiry), id, agentID, version)
	if err != nil {
		return false, fmt.Errorf("extend lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("extend lock rows affected: %w", err)
	}
	return n == 1, nil
}

// ActiveLocks returns all lock rows, optionally filtered by task or agent.
// Expired rows are included; callers that care should check Expired.
func (db *DB) ActiveLocks(taskID, agentID string) ([]*models.ResourceLock, error) {
	query := `SELECT ` + lockColumns + ` FROM resource_locks WHERE 1=1`
	var args []any
	if taskID != "" {
		query += ` AND task_id = ?`
		args = append(args, taskID)
	}
	if agentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY acquired_at ASC`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("active locks: %w", err)
	}
	defer rows.Close()

	var locks []*models.ResourceLock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}

func scanLock(row rowScanner) (*models.ResourceLock, error) {
	var (
		l                     models.ResourceLock
		lockType              string
		acquiredAt, expiresAt string
	)

	err := row.Scan(&l.ID, &l.ResourceKey, &l.TaskID, &l.AgentID, &lockType,
		&acquiredAt, &expiresAt, &l.Version)
	if err != nil {
		return nil, err
	}

	l.LockType = models.LockType(lockType)
	l.AcquiredAt, _ = parseTime(acquiredAt)
	l.ExpiresAt, _ = parseTime(expiresAt)
	return &l, nil
}
