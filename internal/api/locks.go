package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/swarmq/swarmq/internal/lock"
	"github.com/swarmq/swarmq/pkg/models"
)

type acquireLockRequest struct {
	ResourceKey string  `json:"resource_key"`
	TaskID      string  `json:"task_id"`
	AgentID     string  `json:"agent_id"`
	LockType    string  `json:"lock_type,omitempty"`
	TTLSeconds  float64 `json:"ttl_seconds,omitempty"`
	MaxRetries  int     `json:"max_retries,omitempty"`
}

func (s *Server) handleAcquireLock(w http.ResponseWriter, r *http.Request) {
	var req acquireLockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	opts := lock.AcquireOptions{
		LockType:   models.LockType(req.LockType),
		TTL:        time.Duration(req.TTLSeconds * float64(time.Second)),
		MaxRetries: req.MaxRetries,
	}
	acquired, err := s.locks.Acquire(req.ResourceKey, req.TaskID, req.AgentID, opts)
	if err != nil {
		var held *models.LockHeldError
		if errors.As(err, &held) {
			// Contention is a server-side condition, not a caller error.
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"error": map[string]interface{}{
					"message":  held.Error(),
					"type":     "lock_held",
					"holder":   held.Holder,
					"attempts": held.Attempts,
				},
			})
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, acquired)
}

type releaseLockRequest struct {
	LockID      string `json:"lock_id,omitempty"`
	ResourceKey string `json:"resource_key,omitempty"`
	TaskID      string `json:"task_id,omitempty"`
	AgentID     string `json:"agent_id"`
}

func (s *Server) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	var req releaseLockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	switch {
	case req.LockID != "":
		released, err := s.locks.Release(req.LockID, req.AgentID)
		writeReleaseResult(w, released, err)
	case req.ResourceKey != "":
		released, err := s.locks.ReleaseByResource(req.ResourceKey, req.AgentID)
		writeReleaseResult(w, released, err)
	case req.TaskID != "":
		count, err := s.locks.ReleaseAllForTask(req.TaskID, req.AgentID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"released": count})
	default:
		writeError(w, http.StatusBadRequest, "one of lock_id, resource_key, task_id is required")
	}
}

func writeReleaseResult(w http.ResponseWriter, released bool, err error) {
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !released {
		writeError(w, http.StatusForbidden, "lock does not exist or is owned by a different agent")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"released": 1})
}

type extendLockRequest struct {
	LockID            string  `json:"lock_id"`
	AgentID           string  `json:"agent_id"`
	AdditionalSeconds float64 `json:"additional_seconds"`
}

func (s *Server) handleExtendLock(w http.ResponseWriter, r *http.Request) {
	var req extendLockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.LockID == "" || req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "lock_id and agent_id are required")
		return
	}

	extended, err := s.locks.Extend(req.LockID, req.AgentID,
		time.Duration(req.AdditionalSeconds*float64(time.Second)))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !extended {
		writeError(w, http.StatusConflict, "lock is expired, missing, or owned by a different agent")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"lock_id": req.LockID, "extended": true})
}

func (s *Server) handleIsLocked(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("resource_key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "resource_key is required")
		return
	}
	locked, err := s.locks.IsLocked(key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"resource_key": key, "locked": locked})
}

func (s *Server) handleActiveLocks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	locks, err := s.locks.ActiveLocks(q.Get("task_id"), q.Get("agent_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if locks == nil {
		locks = []*models.ResourceLock{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"locks": locks, "count": len(locks)})
}

func (s *Server) handleCleanupLocks(w http.ResponseWriter, r *http.Request) {
	swept, err := s.locks.CleanupExpired()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"swept": swept})
}
