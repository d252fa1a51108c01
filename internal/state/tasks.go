package state

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/swarmq/swarmq/pkg/models"
)

// taskColumns is the select list shared by all task queries.
const taskColumns = `id, ticket_id, phase_id, task_type, description, priority,
	score, required_capabilities, depends_on, parent_task_id, status,
	retry_count, max_retries, assigned_agent_id, timeout_seconds,
	deadline_at, created_at, started_at, completed_at, result, error_message`

// CreateTask inserts a new task row.
func (db *DB) CreateTask(t *models.Task) error {
	caps, err := marshalStrings(t.RequiredCapabilities)
	if err != nil {
		return fmt.Errorf("marshal required_capabilities: %w", err)
	}
	deps, err := marshalStrings(t.DependsOn)
	if err != nil {
		return fmt.Errorf("marshal depends_on: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO tasks (id, ticket_id, phase_id, task_type, description,
			priority, score, required_capabilities, depends_on, parent_task_id,
			status, retry_count, max_retries, assigned_agent_id, timeout_seconds,
			deadline_at, created_at, started_at, completed_at, result, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.TicketID, t.PhaseID, t.TaskType, t.Description,
		string(t.Priority), t.Score, caps, deps, t.ParentTaskID,
		string(t.Status), t.RetryCount, t.MaxRetries, t.AssignedAgentID, t.TimeoutSeconds,
		formatNullableTime(t.DeadlineAt), formatTime(t.CreatedAt),
		formatNullableTime(t.StartedAt), formatNullableTime(t.CompletedAt),
		nullableJSON(t.Result), t.ErrorMessage)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create task %s: %w", t.ID, ErrDuplicate)
		}
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID. Returns (nil, nil) if not found.
func (db *DB) GetTask(id string) (*models.Task, error) {
	row := db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// GetTasks retrieves multiple tasks by ID, keyed by ID. Missing IDs are
// simply absent from the result.
func (db *DB) GetTasks(ids []string) (map[string]*models.Task, error) {
	out := make(map[string]*models.Task, len(ids))
	for _, id := range ids {
		t, err := db.GetTask(id)
		if err != nil {
			return nil, err
		}
		if t != nil {
			out[t.ID] = t
		}
	}
	return out, nil
}

// UpdateTask rewrites all mutable columns of a task row.
func (db *DB) UpdateTask(t *models.Task) error {
	caps, err := marshalStrings(t.RequiredCapabilities)
	if err != nil {
		return fmt.Errorf("marshal required_capabilities: %w", err)
	}
	deps, err := marshalStrings(t.DependsOn)
	if err != nil {
		return fmt.Errorf("marshal depends_on: %w", err)
	}

	res, err := db.Exec(`
		UPDATE tasks SET ticket_id = ?, phase_id = ?, task_type = ?, description = ?,
			priority = ?, score = ?, required_capabilities = ?, depends_on = ?,
			parent_task_id = ?, status = ?, retry_count = ?, max_retries = ?,
			assigned_agent_id = ?, timeout_seconds = ?, deadline_at = ?,
			started_at = ?, completed_at = ?, result = ?, error_message = ?
		WHERE id = ?
	`, t.TicketID, t.PhaseID, t.TaskType, t.Description,
		string(t.Priority), t.Score, caps, deps,
		t.ParentTaskID, string(t.Status), t.RetryCount, t.MaxRetries,
		t.AssignedAgentID, t.TimeoutSeconds, formatNullableTime(t.DeadlineAt),
		formatNullableTime(t.StartedAt), formatNullableTime(t.CompletedAt),
		nullableJSON(t.Result), t.ErrorMessage, t.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update task: no row for id %s", t.ID)
	}
	return nil
}

// ClaimTask transitions a task from pending to assigned for the given
// agent. The conditional WHERE makes concurrent claimers race safely:
// exactly one caller observes true.
func (db *DB) ClaimTask(taskID, agentID string) (bool, error) {
	res, err := db.Exec(`
		UPDATE tasks SET status = ?, assigned_agent_id = ?
		WHERE id = ? AND status = ?
	`, string(models.TaskStatusAssigned), agentID, taskID, string(models.TaskStatusPending))
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim task rows affected: %w", err)
	}
	return n == 1, nil
}

// TasksByStatus returns tasks with the given status, optionally scoped
// to a phase. Results are ordered by created_at ascending.
func (db *DB) TasksByStatus(status models.TaskStatus, phaseID string) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = ?`
	args := []any{string(status)}
	if phaseID != "" {
		query += ` AND phase_id = ?`
		args = append(args, phaseID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("tasks by status: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// TasksByAgent returns tasks assigned to the given agent in any of the
// supplied statuses.
func (db *DB) TasksByAgent(agentID string, statuses ...models.TaskStatus) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE assigned_agent_id = ?`
	args := []any{agentID}
	if len(statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(statuses)) + `)`
		for _, s := range statuses {
			args = append(args, string(s))
		}
	}
	query += ` ORDER BY created_at ASC`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("tasks by agent: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// AllTasks returns every task row, ordered by creation time.
func (db *DB) AllTasks() ([]*models.Task, error) {
	rows, err := db.Query(`SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("all tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// DeleteTasksForTicket removes all tasks owned by a ticket. This is the
// cascade path for ticket deletion; tasks are never deleted individually.
func (db *DB) DeleteTasksForTicket(ticketID string) (int64, error) {
	res, err := db.Exec(`DELETE FROM tasks WHERE ticket_id = ?`, ticketID)
	if err != nil {
		return 0, fmt.Errorf("delete tasks for ticket: %w", err)
	}
	return res.RowsAffected()
}

// CountActiveTasksForOrganization counts tasks in claiming/assigned/running
// whose owning ticket belongs to the organization.
func (db *DB) CountActiveTasksForOrganization(orgID string) (int, error) {
	row := db.QueryRow(`
		SELECT COUNT(*) FROM tasks t
		JOIN tickets k ON t.ticket_id = k.id
		WHERE k.organization_id = ? AND t.status IN (?, ?, ?)
	`, orgID,
		string(models.TaskStatusClaiming),
		string(models.TaskStatusAssigned),
		string(models.TaskStatusRunning))

	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count active tasks for organization: %w", err)
	}
	return count, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanTask.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		t                      models.Task
		priority, status       string
		caps, deps             sql.NullString
		parentID, agentID      sql.NullString
		description, errMsg    sql.NullString
		result                 sql.NullString
		deadlineAt, createdAt  sql.NullString
		startedAt, completedAt sql.NullString
	)

	err := row.Scan(&t.ID, &t.TicketID, &t.PhaseID, &t.TaskType, &description,
		&priority, &t.Score, &caps, &deps, &parentID, &status,
		&t.RetryCount, &t.MaxRetries, &agentID, &t.TimeoutSeconds,
		&deadlineAt, &createdAt, &startedAt, &completedAt, &result, &errMsg)
	if err != nil {
		return nil, err
	}

	t.Priority = models.TaskPriority(priority)
	t.Status = models.TaskStatus(status)
	t.Description = description.String
	t.ParentTaskID = parentID.String
	t.AssignedAgentID = agentID.String
	t.ErrorMessage = errMsg.String
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	if t.RequiredCapabilities, err = unmarshalStrings(caps); err != nil {
		return nil, fmt.Errorf("unmarshal required_capabilities: %w", err)
	}
	if t.DependsOn, err = unmarshalStrings(deps); err != nil {
		return nil, fmt.Errorf("unmarshal depends_on: %w", err)
	}
	t.DeadlineAt = parseNullableTime(deadlineAt)
	if createdAt.Valid {
		t.CreatedAt, _ = parseTime(createdAt.String)
	}
	t.StartedAt = parseNullableTime(startedAt)
	t.CompletedAt = parseNullableTime(completedAt)

	return &t, nil
}

func collectTasks(rows *sql.Rows) ([]*models.Task, error) {
	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// marshalStrings encodes a string slice as JSON, mapping empty to NULL.
func marshalStrings(values []string) (any, error) {
	if len(values) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// unmarshalStrings decodes a JSON string array column.
func unmarshalStrings(s sql.NullString) ([]string, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// nullableJSON maps an empty raw message to NULL.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// placeholders returns n comma-separated SQL placeholders.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	s := "?"
	for i := 1; i < n; i++ {
		s += ", ?"
	}
	return s
}
