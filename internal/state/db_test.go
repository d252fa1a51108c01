package state

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/swarmq/swarmq/pkg/models"
)

// setupTestDB creates a migrated temporary database.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func newTestTask(id string) *models.Task {
	return &models.Task{
		ID:         id,
		TicketID:   "ticket-1",
		PhaseID:    "PHASE_IMPLEMENTATION",
		TaskType:   "implement_feature",
		Priority:   models.PriorityMedium,
		Status:     models.TaskStatusPending,
		MaxRetries: 3,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	if err := db.Migrate(); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}
}

func TestTaskRoundTrip(t *testing.T) {
	db := setupTestDB(t)

	deadline := time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)
	task := newTestTask("t-1")
	task.Description = "build the thing"
	task.RequiredCapabilities = []string{"go", "sql"}
	task.DependsOn = []string{"t-0"}
	task.ParentTaskID = "t-parent"
	task.TimeoutSeconds = 600
	task.DeadlineAt = &deadline
	task.Result = json.RawMessage(`{"ok":true}`)

	if err := db.CreateTask(task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	got, err := db.GetTask("t-1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetTask returned nil for existing task")
	}
	if got.TicketID != task.TicketID || got.PhaseID != task.PhaseID {
		t.Errorf("ticket/phase mismatch: got %s/%s", got.TicketID, got.PhaseID)
	}
	if !reflect.DeepEqual(got.RequiredCapabilities, task.RequiredCapabilities) {
		t.Errorf("capabilities = %v, want %v", got.RequiredCapabilities, task.RequiredCapabilities)
	}
	if !reflect.DeepEqual(got.DependsOn, task.DependsOn) {
		t.Errorf("depends_on = %v, want %v", got.DependsOn, task.DependsOn)
	}
	if got.DeadlineAt == nil || !got.DeadlineAt.Equal(deadline) {
		t.Errorf("deadline_at = %v, want %v", got.DeadlineAt, deadline)
	}
	if string(got.Result) != `{"ok":true}` {
		t.Errorf("result = %s, want {\"ok\":true}", got.Result)
	}
}

func TestGetTask_Missing(t *testing.T) {
	db := setupTestDB(t)
	got, err := db.GetTask("nope")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing task, got %+v", got)
	}
}

func TestCreateTask_Duplicate(t *testing.T) {
	db := setupTestDB(t)
	if err := db.CreateTask(newTestTask("t-1")); err != nil {
		t.Fatalf("first CreateTask failed: %v", err)
	}
	err := db.CreateTask(newTestTask("t-1"))
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestClaimTask(t *testing.T) {
	db := setupTestDB(t)
	if err := db.CreateTask(newTestTask("t-1")); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	ok, err := db.ClaimTask("t-1", "agent-a")
	if err != nil {
		t.Fatalf("ClaimTask failed: %v", err)
	}
	if !ok {
		t.Fatal("first claim should succeed")
	}

	// Second claim loses: task is no longer pending.
	ok, err = db.ClaimTask("t-1", "agent-b")
	if err != nil {
		t.Fatalf("second ClaimTask failed: %v", err)
	}
	if ok {
		t.Error("second claim should lose the race")
	}

	got, _ := db.GetTask("t-1")
	if got.Status != models.TaskStatusAssigned || got.AssignedAgentID != "agent-a" {
		t.Errorf("task after claim = %s/%s, want assigned/agent-a", got.Status, got.AssignedAgentID)
	}
}

func TestTasksByStatus_OrderedByCreation(t *testing.T) {
	db := setupTestDB(t)
	base := time.Now().UTC()
	for i, id := range []string{"t-c", "t-a", "t-b"} {
		task := newTestTask(id)
		task.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := db.CreateTask(task); err != nil {
			t.Fatalf("CreateTask(%s) failed: %v", id, err)
		}
	}

	tasks, err := db.TasksByStatus(models.TaskStatusPending, "")
	if err != nil {
		t.Fatalf("TasksByStatus failed: %v", err)
	}
	var ids []string
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	if !reflect.DeepEqual(ids, []string{"t-c", "t-a", "t-b"}) {
		t.Errorf("order = %v, want creation order [t-c t-a t-b]", ids)
	}
}

func TestDeleteTasksForTicket(t *testing.T) {
	db := setupTestDB(t)
	for _, id := range []string{"t-1", "t-2"} {
		if err := db.CreateTask(newTestTask(id)); err != nil {
			t.Fatalf("CreateTask failed: %v", err)
		}
	}
	other := newTestTask("t-3")
	other.TicketID = "ticket-2"
	if err := db.CreateTask(other); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	n, err := db.DeleteTasksForTicket("ticket-1")
	if err != nil {
		t.Fatalf("DeleteTasksForTicket failed: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted %d tasks, want 2", n)
	}
	if got, _ := db.GetTask("t-3"); got == nil {
		t.Error("task of other ticket should survive")
	}
}

func TestAgentRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	beat := time.Now().UTC().Truncate(time.Millisecond)
	agent := &models.Agent{
		ID:            "agent-1",
		AgentType:     "worker",
		PhaseID:       "PHASE_IMPLEMENTATION",
		Status:        models.AgentStatusIdle,
		Capabilities:  []string{"go", "sql"},
		Capacity:      2,
		HealthStatus:  models.HealthHealthy,
		Tags:          []string{"spot"},
		LastHeartbeat: &beat,
		CreatedAt:     time.Now().UTC(),
	}
	if err := db.CreateAgent(agent); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}

	got, err := db.GetAgent("agent-1")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetAgent returned nil")
	}
	if !reflect.DeepEqual(got.Capabilities, agent.Capabilities) {
		t.Errorf("capabilities = %v, want %v", got.Capabilities, agent.Capabilities)
	}
	if got.LastHeartbeat == nil || !got.LastHeartbeat.Equal(beat) {
		t.Errorf("last_heartbeat = %v, want %v", got.LastHeartbeat, beat)
	}

	got.Status = models.AgentStatusRunning
	got.Capacity = 3
	if err := db.UpdateAgent(got); err != nil {
		t.Fatalf("UpdateAgent failed: %v", err)
	}
	updated, _ := db.GetAgent("agent-1")
	if updated.Status != models.AgentStatusRunning || updated.Capacity != 3 {
		t.Errorf("update not persisted: %s/%d", updated.Status, updated.Capacity)
	}
}

func TestListAgents_Filters(t *testing.T) {
	db := setupTestDB(t)
	mk := func(id, phase string, status models.AgentStatus) {
		t.Helper()
		err := db.CreateAgent(&models.Agent{
			ID: id, AgentType: "worker", PhaseID: phase, Status: status,
			Capacity: 1, CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("CreateAgent(%s) failed: %v", id, err)
		}
	}
	mk("a-1", "p1", models.AgentStatusIdle)
	mk("a-2", "p1", models.AgentStatusTerminated)
	mk("a-3", "p2", models.AgentStatusIdle)

	agents, err := db.ListAgents(AgentFilter{
		PhaseID:         "p1",
		ExcludeStatuses: []models.AgentStatus{models.AgentStatusTerminated, models.AgentStatusQuarantined},
	})
	if err != nil {
		t.Fatalf("ListAgents failed: %v", err)
	}
	if len(agents) != 1 || agents[0].ID != "a-1" {
		t.Errorf("filter returned %v, want [a-1]", agents)
	}
}

func TestLockInsertAndDuplicate(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now().UTC()
	lock := &models.ResourceLock{
		ID: "l-1", ResourceKey: "file:main.go", TaskID: "t-1", AgentID: "agent-1",
		LockType: models.LockExclusive, AcquiredAt: now, ExpiresAt: now.Add(time.Minute),
	}
	if err := db.InsertLock(lock); err != nil {
		t.Fatalf("InsertLock failed: %v", err)
	}

	dup := *lock
	dup.ID = "l-2"
	err := db.InsertLock(&dup)
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate on same resource_key, got %v", err)
	}
}

func TestExtendLockCAS(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now().UTC()
	lock := &models.ResourceLock{
		ID: "l-1", ResourceKey: "branch:main", TaskID: "t-1", AgentID: "agent-1",
		LockType: models.LockExclusive, AcquiredAt: now, ExpiresAt: now.Add(time.Minute),
	}
	if err := db.InsertLock(lock); err != nil {
		t.Fatalf("InsertLock failed: %v", err)
	}

	ok, err := db.ExtendLockCAS("l-1", "agent-1", 0, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("ExtendLockCAS failed: %v", err)
	}
	if !ok {
		t.Fatal("extend at correct version should succeed")
	}

	// Stale version loses.
	ok, _ = db.ExtendLockCAS("l-1", "agent-1", 0, now.Add(3*time.Minute))
	if ok {
		t.Error("extend at stale version should fail")
	}
	// Wrong owner loses even at the right version.
	ok, _ = db.ExtendLockCAS("l-1", "agent-2", 1, now.Add(3*time.Minute))
	if ok {
		t.Error("extend by non-owner should fail")
	}

	got, _ := db.GetLock("l-1")
	if got.Version != 1 {
		t.Errorf("version = %d, want 1", got.Version)
	}
}

func TestDeleteExpiredLocks(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now().UTC()
	insert := func(id, key string, expires time.Time) {
		t.Helper()
		err := db.InsertLock(&models.ResourceLock{
			ID: id, ResourceKey: key, TaskID: "t", AgentID: "a",
			LockType: models.LockExclusive, AcquiredAt: now, ExpiresAt: expires,
		})
		if err != nil {
			t.Fatalf("InsertLock(%s) failed: %v", id, err)
		}
	}
	insert("l-1", "r1", now.Add(-time.Second))
	insert("l-2", "r2", now.Add(time.Minute))

	n, err := db.DeleteExpiredLocks(now)
	if err != nil {
		t.Fatalf("DeleteExpiredLocks failed: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d locks, want 1", n)
	}
	if got, _ := db.GetLock("l-2"); got == nil {
		t.Error("live lock should survive the sweep")
	}
}

func TestCountActiveTasksForOrganization(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now().UTC()
	if err := db.CreateTicket("ticket-1", "org-1", now); err != nil {
		t.Fatalf("CreateTicket failed: %v", err)
	}
	if err := db.CreateTicket("ticket-2", "org-2", now); err != nil {
		t.Fatalf("CreateTicket failed: %v", err)
	}

	mk := func(id, ticket string, status models.TaskStatus) {
		t.Helper()
		task := newTestTask(id)
		task.TicketID = ticket
		task.Status = status
		if err := db.CreateTask(task); err != nil {
			t.Fatalf("CreateTask(%s) failed: %v", id, err)
		}
	}
	mk("t-1", "ticket-1", models.TaskStatusRunning)
	mk("t-2", "ticket-1", models.TaskStatusAssigned)
	mk("t-3", "ticket-1", models.TaskStatusPending)
	mk("t-4", "ticket-2", models.TaskStatusRunning)

	count, err := db.CountActiveTasksForOrganization("org-1")
	if err != nil {
		t.Fatalf("CountActiveTasksForOrganization failed: %v", err)
	}
	if count != 2 {
		t.Errorf("active count = %d, want 2 (pending excluded)", count)
	}
}

func TestActiveSubscriptionTier(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now().UTC()

	_, ok, err := db.ActiveSubscriptionTier("org-1")
	if err != nil {
		t.Fatalf("ActiveSubscriptionTier failed: %v", err)
	}
	if ok {
		t.Error("organization without subscription should report ok=false")
	}

	if err := db.CreateSubscription("s-1", "org-1", "pro", "active", now.Add(-time.Hour)); err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}
	if err := db.CreateSubscription("s-2", "org-1", "team", "active", now); err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}
	if err := db.CreateSubscription("s-3", "org-1", "enterprise", "canceled", now.Add(time.Hour)); err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}

	tier, ok, err := db.ActiveSubscriptionTier("org-1")
	if err != nil {
		t.Fatalf("ActiveSubscriptionTier failed: %v", err)
	}
	if !ok || tier != "team" {
		t.Errorf("tier = %q ok=%v, want most recent active tier \"team\"", tier, ok)
	}
}
