package client

import "fmt"

// ListTasks requests the full task listing, optionally filtered.
func (c *Client) ListTasks(filter map[string]any) (map[string]any, error) {
	env, err := c.SendRequest("list_tasks", filter, DefaultRequestTimeout, DefaultMaxRetries)
	if err != nil {
		return nil, err
	}
	return resultOf(env)
}

// GetTask fetches a single task by id.
func (c *Client) GetTask(taskID string) (map[string]any, error) {
	if taskID == "" {
		return nil, fmt.Errorf("client: task_id is required")
	}
	env, err := c.SendRequest("get_task", map[string]any{"task_id": taskID}, DefaultRequestTimeout, DefaultMaxRetries)
	if err != nil {
		return nil, err
	}
	return resultOf(env)
}

// GetTasksByEntity fetches every task assigned to entityID.
func (c *Client) GetTasksByEntity(entityID string) (map[string]any, error) {
	if entityID == "" {
		return nil, fmt.Errorf("client: entity_id is required")
	}
	env, err := c.SendRequest("get_tasks_by_entity", map[string]any{"entity_id": entityID}, DefaultRequestTimeout, DefaultMaxRetries)
	if err != nil {
		return nil, err
	}
	return resultOf(env)
}

// CreateTask registers a new task. task_id and task_type are required.
func (c *Client) CreateTask(data map[string]any) (map[string]any, error) {
	if _, err := requireString(data, "task_id"); err != nil {
		return nil, err
	}
	if _, err := requireString(data, "task_type"); err != nil {
		return nil, err
	}
	env, err := c.SendRequest("create_task", data, DefaultRequestTimeout, DefaultMaxRetries)
	if err != nil {
		return nil, err
	}
	return resultOf(env)
}

// UpdateTask patches fields on an existing task.
func (c *Client) UpdateTask(taskID string, updates map[string]any) (map[string]any, error) {
	if taskID == "" {
		return nil, fmt.Errorf("client: task_id is required")
	}
	data := map[string]any{"task_id": taskID, "updates": updates}
	env, err := c.SendRequest("update_task", data, DefaultRequestTimeout, DefaultMaxRetries)
	if err != nil {
		return nil, err
	}
	return resultOf(env)
}

// DeleteTask removes a task by id.
func (c *Client) DeleteTask(taskID string) error {
	if taskID == "" {
		return fmt.Errorf("client: task_id is required")
	}
	_, err := c.SendRequest("delete_task", map[string]any{"task_id": taskID}, DefaultRequestTimeout, DefaultMaxRetries)
	return err
}

// allowedTaskStatuses mirrors the gateway-side task status state machine:
// a task transitions only to one of these named states.
var allowedTaskStatuses = map[string]bool{
	"pending":     true,
	"in_progress": true,
	"completed":   true,
	"failed":      true,
	"cancelled":   true,
}

// TransitionTaskStatus moves taskID to status, validating it against the
// known state set before the request is even sent.
func (c *Client) TransitionTaskStatus(taskID, status string) (map[string]any, error) {
	if taskID == "" {
		return nil, fmt.Errorf("client: task_id is required")
	}
	if !allowedTaskStatuses[status] {
		return nil, fmt.Errorf("client: invalid task status %q", status)
	}
	data := map[string]any{"task_id": taskID, "status": status}
	env, err := c.SendRequest("transition_task_status", data, DefaultRequestTimeout, DefaultMaxRetries)
	if err != nil {
		return nil, err
	}
	return resultOf(env)
}

// StartTask is a convenience wrapper for TransitionTaskStatus(id, "in_progress").
func (c *Client) StartTask(taskID string) (map[string]any, error) {
	return c.TransitionTaskStatus(taskID, "in_progress")
}

// CompleteTask is a convenience wrapper for TransitionTaskStatus(id, "completed").
func (c *Client) CompleteTask(taskID string) (map[string]any, error) {
	return c.TransitionTaskStatus(taskID, "completed")
}

// FailTask transitions taskID to "failed", attaching an optional reason.
func (c *Client) FailTask(taskID, reason string) (map[string]any, error) {
	if taskID == "" {
		return nil, fmt.Errorf("client: task_id is required")
	}
	data := map[string]any{"task_id": taskID, "status": "failed"}
	if reason != "" {
		data["reason"] = reason
	}
	env, err := c.SendRequest("transition_task_status", data, DefaultRequestTimeout, DefaultMaxRetries)
	if err != nil {
		return nil, err
	}
	return resultOf(env)
}
