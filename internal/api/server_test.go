package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/swarmq/swarmq/internal/bus"
	"github.com/swarmq/swarmq/internal/lock"
	"github.com/swarmq/swarmq/internal/logging"
	"github.com/swarmq/swarmq/internal/queue"
	"github.com/swarmq/swarmq/internal/registry"
	"github.com/swarmq/swarmq/internal/scheduler"
	"github.com/swarmq/swarmq/internal/state"
	"github.com/swarmq/swarmq/internal/tiers"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}

	log := logging.NopLogger()
	q := queue.NewService(db, tiers.NewResolver(), bus.Nop{}, log)
	r := registry.NewService(db, bus.Nop{}, log)
	l := lock.NewService(db, bus.Nop{}, log)
	sched := scheduler.NewService(q, r, bus.Nop{}, log)

	srv := httptest.NewServer(NewServer(q, sched, l, r).Handler())
	t.Cleanup(func() {
		srv.Close()
		db.Close()
	})
	return srv
}

func postJSON(t *testing.T, url string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	return resp, decodeBody(t, resp)
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return out
}

func TestHealthAndVersion(t *testing.T) {
	srv := newTestServer(t)

	resp, body := getJSON(t, srv.URL+"/health")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health = %d %v", resp.StatusCode, body)
	}

	resp, body = getJSON(t, srv.URL+"/api/version")
	if resp.StatusCode != http.StatusOK || body["version"] == "" {
		t.Errorf("version = %d %v", resp.StatusCode, body)
	}
}

func TestEnqueueTaskEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp, body := postJSON(t, srv.URL+"/api/tasks/", map[string]interface{}{
		"ticket_id": "ticket-1",
		"phase_id":  "PHASE_IMPLEMENTATION",
		"task_type": "implement_feature",
		"priority":  "HIGH",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("enqueue status = %d, want 201: %v", resp.StatusCode, body)
	}
	taskID, _ := body["id"].(string)
	if taskID == "" {
		t.Fatal("response should carry the new task id")
	}

	resp, got := getJSON(t, srv.URL+"/api/tasks/"+taskID)
	if resp.StatusCode != http.StatusOK || got["status"] != "pending" {
		t.Errorf("get task = %d %v", resp.StatusCode, got)
	}
}

func TestEnqueueTaskEndpoint_Validation(t *testing.T) {
	srv := newTestServer(t)
	resp, _ := postJSON(t, srv.URL+"/api/tasks/", map[string]interface{}{
		"phase_id": "p", "task_type": "t",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing ticket_id status = %d, want 400", resp.StatusCode)
	}
}

func TestGetTask_NotFound(t *testing.T) {
	srv := newTestServer(t)
	resp, _ := getJSON(t, srv.URL+"/api/tasks/ghost")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing task status = %d, want 404", resp.StatusCode)
	}
}

func TestAssignAndStatusEndpoints(t *testing.T) {
	srv := newTestServer(t)
	_, created := postJSON(t, srv.URL+"/api/tasks/", map[string]interface{}{
		"ticket_id": "ticket-1", "phase_id": "p", "task_type": "t",
	})
	taskID := created["id"].(string)

	resp, _ := postJSON(t, srv.URL+"/api/tasks/"+taskID+"/assign", map[string]string{"agent_id": "agent-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("assign status = %d, want 200", resp.StatusCode)
	}

	// A second assign conflicts.
	resp, _ = postJSON(t, srv.URL+"/api/tasks/"+taskID+"/assign", map[string]string{"agent_id": "agent-2"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("double assign status = %d, want 409", resp.StatusCode)
	}

	resp, _ = postJSON(t, srv.URL+"/api/tasks/"+taskID+"/status", map[string]interface{}{
		"status": "running",
	})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status update = %d, want 200", resp.StatusCode)
	}

	resp, _ = postJSON(t, srv.URL+"/api/tasks/"+taskID+"/status", map[string]interface{}{
		"status": "bogus",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid status update = %d, want 400", resp.StatusCode)
	}
}

func TestReadyAndScheduleEndpoints(t *testing.T) {
	srv := newTestServer(t)
	postJSON(t, srv.URL+"/api/agents/", map[string]interface{}{
		"agent_type": "worker", "phase_id": "p", "capabilities": []string{"go"},
	})
	_, created := postJSON(t, srv.URL+"/api/tasks/", map[string]interface{}{
		"ticket_id": "ticket-1", "phase_id": "p", "task_type": "t",
		"required_capabilities": []string{"go"},
	})
	taskID := created["id"].(string)

	resp, body := getJSON(t, srv.URL+"/api/tasks/ready?phase_id=p")
	if resp.StatusCode != http.StatusOK || body["count"].(float64) != 1 {
		t.Errorf("ready = %d %v, want one ready task", resp.StatusCode, body)
	}

	resp, body = postJSON(t, srv.URL+"/api/schedule?phase_id=p", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("schedule status = %d", resp.StatusCode)
	}
	assignments := body["assignments"].([]interface{})
	if len(assignments) != 1 {
		t.Fatalf("assignments = %v, want 1", assignments)
	}
	first := assignments[0].(map[string]interface{})
	if first["assigned"] != true {
		t.Errorf("assignment = %v, want assigned", first)
	}

	resp, got := getJSON(t, srv.URL+"/api/tasks/"+taskID)
	if resp.StatusCode != http.StatusOK || got["status"] != "assigned" {
		t.Errorf("task after schedule = %v, want assigned", got["status"])
	}
}

func TestDAGStatusEndpoint(t *testing.T) {
	srv := newTestServer(t)
	_, a := postJSON(t, srv.URL+"/api/tasks/", map[string]interface{}{
		"ticket_id": "ticket-1", "phase_id": "p", "task_type": "t",
	})
	postJSON(t, srv.URL+"/api/tasks/", map[string]interface{}{
		"ticket_id": "ticket-1", "phase_id": "p", "task_type": "t",
		"depends_on": []string{a["id"].(string)},
	})

	resp, body := getJSON(t, srv.URL+"/api/tasks/dag?phase_id=p")
	if resp.StatusCode != http.StatusOK || body["count"].(float64) != 2 {
		t.Fatalf("dag = %d %v", resp.StatusCode, body)
	}
	readyCount := 0
	for _, raw := range body["tasks"].([]interface{}) {
		node := raw.(map[string]interface{})
		if node["is_ready"] == true {
			readyCount++
		}
	}
	if readyCount != 1 {
		t.Errorf("ready nodes = %d, want 1", readyCount)
	}
}

func TestAgentEndpoints(t *testing.T) {
	srv := newTestServer(t)
	resp, agent := postJSON(t, srv.URL+"/api/agents/", map[string]interface{}{
		"agent_type":   "worker",
		"capabilities": []string{"Go", " SQL "},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	agentID := agent["id"].(string)

	resp, body := getJSON(t, srv.URL+"/api/agents/search?capability=go&capability=sql")
	if resp.StatusCode != http.StatusOK || body["count"].(float64) != 1 {
		t.Errorf("search = %d %v, want one match", resp.StatusCode, body)
	}

	resp, _ = postJSON(t, srv.URL+"/api/agents/"+agentID+"/heartbeat", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("heartbeat status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPatch, srv.URL+"/api/agents/"+agentID,
		bytes.NewReader([]byte(`{"status":"maintenance"}`)))
	req.Header.Set("Content-Type", "application/json")
	patchResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PATCH failed: %v", err)
	}
	updated := decodeBody(t, patchResp)
	if patchResp.StatusCode != http.StatusOK || updated["status"] != "maintenance" {
		t.Errorf("update = %d %v", patchResp.StatusCode, updated)
	}
}

func doDelete(t *testing.T, url string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		t.Fatalf("build DELETE request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE %s failed: %v", url, err)
	}
	return resp, decodeBody(t, resp)
}

func TestTerminateAgentEndpoint(t *testing.T) {
	srv := newTestServer(t)
	_, agent := postJSON(t, srv.URL+"/api/agents/", map[string]interface{}{
		"agent_type": "worker", "capabilities": []string{"go"},
	})
	agentID := agent["id"].(string)

	resp, body := doDelete(t, srv.URL+"/api/agents/"+agentID)
	if resp.StatusCode != http.StatusOK || body["status"] != "terminated" {
		t.Fatalf("terminate = %d %v", resp.StatusCode, body)
	}

	resp, body = getJSON(t, srv.URL+"/api/agents/search?capability=go")
	if body["count"].(float64) != 0 {
		t.Errorf("search after terminate = %v, want no matches", body)
	}

	resp, _ = doDelete(t, srv.URL+"/api/agents/ghost")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("terminate missing agent status = %d, want 404", resp.StatusCode)
	}
}

func TestDeleteTicketTasksEndpoint(t *testing.T) {
	srv := newTestServer(t)
	for i := 0; i < 2; i++ {
		postJSON(t, srv.URL+"/api/tasks/", map[string]interface{}{
			"ticket_id": "ticket-1", "phase_id": "p", "task_type": "t",
		})
	}
	_, other := postJSON(t, srv.URL+"/api/tasks/", map[string]interface{}{
		"ticket_id": "ticket-2", "phase_id": "p", "task_type": "t",
	})

	resp, body := doDelete(t, srv.URL+"/api/tickets/ticket-1/tasks")
	if resp.StatusCode != http.StatusOK || body["deleted"].(float64) != 2 {
		t.Fatalf("purge = %d %v, want 2 deleted", resp.StatusCode, body)
	}

	resp, _ = getJSON(t, srv.URL+"/api/tasks/"+other["id"].(string))
	if resp.StatusCode != http.StatusOK {
		t.Errorf("other ticket's task should survive, got %d", resp.StatusCode)
	}
}

func TestLockEndpoints(t *testing.T) {
	srv := newTestServer(t)

	resp, acquired := postJSON(t, srv.URL+"/api/locks/acquire", map[string]interface{}{
		"resource_key": "file:main.go", "task_id": "t-1", "agent_id": "a-1",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("acquire status = %d: %v", resp.StatusCode, acquired)
	}
	lockID := acquired["id"].(string)

	resp, body := getJSON(t, srv.URL+"/api/locks/check?resource_key=file:main.go")
	if resp.StatusCode != http.StatusOK || body["locked"] != true {
		t.Errorf("check = %d %v, want locked", resp.StatusCode, body)
	}

	// Contended acquisition conflicts and names the holder.
	resp, body = postJSON(t, srv.URL+"/api/locks/acquire", map[string]interface{}{
		"resource_key": "file:main.go", "task_id": "t-2", "agent_id": "a-2",
		"max_retries": 1, "ttl_seconds": 60,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("contended acquire status = %d, want 409: %v", resp.StatusCode, body)
	}
	if errBody, ok := body["error"].(map[string]interface{}); !ok || errBody["holder"] != "t-1" {
		t.Errorf("conflict body = %v, want holder t-1", body)
	}

	// Non-owner release is refused.
	resp, _ = postJSON(t, srv.URL+"/api/locks/release", map[string]interface{}{
		"lock_id": lockID, "agent_id": "a-2",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("non-owner release status = %d, want 403", resp.StatusCode)
	}

	resp, _ = postJSON(t, srv.URL+"/api/locks/release", map[string]interface{}{
		"lock_id": lockID, "agent_id": "a-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("owner release status = %d, want 200", resp.StatusCode)
	}

	resp, body = getJSON(t, srv.URL+"/api/locks/check?resource_key=file:main.go")
	if body["locked"] != false {
		t.Errorf("after release: %v, want unlocked", body)
	}
}

func TestExtendLockEndpoint(t *testing.T) {
	srv := newTestServer(t)
	_, acquired := postJSON(t, srv.URL+"/api/locks/acquire", map[string]interface{}{
		"resource_key": "r1", "task_id": "t-1", "agent_id": "a-1",
	})
	lockID := acquired["id"].(string)

	resp, body := postJSON(t, srv.URL+"/api/locks/extend", map[string]interface{}{
		"lock_id": lockID, "agent_id": "a-1", "additional_seconds": 30,
	})
	if resp.StatusCode != http.StatusOK || body["extended"] != true {
		t.Errorf("extend = %d %v", resp.StatusCode, body)
	}

	resp, _ = postJSON(t, srv.URL+"/api/locks/extend", map[string]interface{}{
		"lock_id": lockID, "agent_id": "a-2", "additional_seconds": 30,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("non-owner extend status = %d, want 409", resp.StatusCode)
	}
}

func TestCleanupLocksEndpoint(t *testing.T) {
	srv := newTestServer(t)
	postJSON(t, srv.URL+"/api/locks/acquire", map[string]interface{}{
		"resource_key": "r1", "task_id": "t", "agent_id": "a", "ttl_seconds": 0.001,
	})
	time.Sleep(10 * time.Millisecond)

	resp, body := postJSON(t, srv.URL+"/api/locks/cleanup", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cleanup status = %d", resp.StatusCode)
	}
	if body["swept"].(float64) != 1 {
		t.Errorf("swept = %v, want 1", body["swept"])
	}
}

func TestActiveLocksEndpoint(t *testing.T) {
	srv := newTestServer(t)
	for i := 0; i < 2; i++ {
		postJSON(t, srv.URL+"/api/locks/acquire", map[string]interface{}{
			"resource_key": fmt.Sprintf("r%d", i), "task_id": "t-1", "agent_id": "a-1",
		})
	}

	resp, body := getJSON(t, srv.URL+"/api/locks/active?task_id=t-1")
	if resp.StatusCode != http.StatusOK || body["count"].(float64) != 2 {
		t.Errorf("active = %d %v, want 2 locks", resp.StatusCode, body)
	}
}
