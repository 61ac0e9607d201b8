package client

import "fmt"

// ListObjects requests the full object listing, optionally filtered.
func (c *Client) ListObjects(filter map[string]any) (map[string]any, error) {
	env, err := c.SendRequest("list_objects", filter, DefaultRequestTimeout, DefaultMaxRetries)
	if err != nil {
		return nil, err
	}
	return resultOf(env)
}

// GetObject fetches a single object by id.
func (c *Client) GetObject(objectID string) (map[string]any, error) {
	if objectID == "" {
		return nil, fmt.Errorf("client: object_id is required")
	}
	env, err := c.SendRequest("get_object", map[string]any{"object_id": objectID}, DefaultRequestTimeout, DefaultMaxRetries)
	if err != nil {
		return nil, err
	}
	return resultOf(env)
}

// GetObjectsByEntity fetches every object owned by entityID.
func (c *Client) GetObjectsByEntity(entityID string) (map[string]any, error) {
	if entityID == "" {
		return nil, fmt.Errorf("client: entity_id is required")
	}
	env, err := c.SendRequest("get_objects_by_entity", map[string]any{"entity_id": entityID}, DefaultRequestTimeout, DefaultMaxRetries)
	if err != nil {
		return nil, err
	}
	return resultOf(env)
}

// GetObjectsByTask fetches every object attached to taskID.
func (c *Client) GetObjectsByTask(taskID string) (map[string]any, error) {
	if taskID == "" {
		return nil, fmt.Errorf("client: task_id is required")
	}
	env, err := c.SendRequest("get_objects_by_task", map[string]any{"task_id": taskID}, DefaultRequestTimeout, DefaultMaxRetries)
	if err != nil {
		return nil, err
	}
	return resultOf(env)
}

// CreateObject registers a new object. object_id and object_type are
// required.
func (c *Client) CreateObject(data map[string]any) (map[string]any, error) {
	if _, err := requireString(data, "object_id"); err != nil {
		return nil, err
	}
	if _, err := requireString(data, "object_type"); err != nil {
		return nil, err
	}
	env, err := c.SendRequest("create_object", data, DefaultRequestTimeout, DefaultMaxRetries)
	if err != nil {
		return nil, err
	}
	return resultOf(env)
}

// UpdateObject patches fields on an existing object.
func (c *Client) UpdateObject(objectID string, updates map[string]any) (map[string]any, error) {
	if objectID == "" {
		return nil, fmt.Errorf("client: object_id is required")
	}
	data := map[string]any{"object_id": objectID, "updates": updates}
	env, err := c.SendRequest("update_object", data, DefaultRequestTimeout, DefaultMaxRetries)
	if err != nil {
		return nil, err
	}
	return resultOf(env)
}

// DeleteObject removes an object by id.
func (c *Client) DeleteObject(objectID string) error {
	if objectID == "" {
		return fmt.Errorf("client: object_id is required")
	}
	_, err := c.SendRequest("delete_object", map[string]any{"object_id": objectID}, DefaultRequestTimeout, DefaultMaxRetries)
	return err
}

// AddObjectReference links objectID to a referencing entity or task.
func (c *Client) AddObjectReference(objectID, refType, refID string) error {
	if objectID == "" || refType == "" || refID == "" {
		return fmt.Errorf("client: object_id, ref_type and ref_id are all required")
	}
	data := map[string]any{"object_id": objectID, "ref_type": refType, "ref_id": refID}
	_, err := c.SendRequest("add_object_reference", data, DefaultRequestTimeout, DefaultMaxRetries)
	return err
}

// RemoveObjectReference unlinks objectID from a referencing entity or task.
func (c *Client) RemoveObjectReference(objectID, refType, refID string) error {
	if objectID == "" || refType == "" || refID == "" {
		return fmt.Errorf("client: object_id, ref_type and ref_id are all required")
	}
	data := map[string]any{"object_id": objectID, "ref_type": refType, "ref_id": refID}
	_, err := c.SendRequest("remove_object_reference", data, DefaultRequestTimeout, DefaultMaxRetries)
	return err
}

// FindOrphanedObjects requests the set of objects with no surviving
// entity or task reference.
func (c *Client) FindOrphanedObjects() (map[string]any, error) {
	env, err := c.SendRequest("find_orphaned_objects", map[string]any{}, DefaultRequestTimeout, DefaultMaxRetries)
	if err != nil {
		return nil, err
	}
	return resultOf(env)
}

// GetObjectReferences fetches the reference list for a single object.
func (c *Client) GetObjectReferences(objectID string) (map[string]any, error) {
	if objectID == "" {
		return nil, fmt.Errorf("client: object_id is required")
	}
	env, err := c.SendRequest("get_object_references", map[string]any{"object_id": objectID}, DefaultRequestTimeout, DefaultMaxRetries)
	if err != nil {
		return nil, err
	}
	return resultOf(env)
}

// ValidateObjectReferences asks the gateway to check every object
// reference for dangling targets.
func (c *Client) ValidateObjectReferences() (map[string]any, error) {
	env, err := c.SendRequest("validate_object_references", map[string]any{}, DefaultRequestTimeout, DefaultMaxRetries)
	if err != nil {
		return nil, err
	}
	return resultOf(env)
}

// CleanupObjectReferences asks the gateway to prune dangling object
// references found by ValidateObjectReferences.
func (c *Client) CleanupObjectReferences() (map[string]any, error) {
	env, err := c.SendRequest("cleanup_object_references", map[string]any{}, DefaultRequestTimeout, DefaultMaxRetries)
	if err != nil {
		return nil, err
	}
	return resultOf(env)
}

// GetChangedSince requests every entity/task/object changed after
// sinceUnixSeconds, for incremental sync.
func (c *Client) GetChangedSince(sinceUnixSeconds float64) (map[string]any, error) {
	env, err := c.SendRequest("get_changed_since", map[string]any{"since": sinceUnixSeconds}, DefaultRequestTimeout, DefaultMaxRetries)
	if err != nil {
		return nil, err
	}
	return resultOf(env)
}

// GetFullDataset requests the complete entity/task/object dataset, for
// initial sync.
func (c *Client) GetFullDataset() (map[string]any, error) {
	env, err := c.SendRequest("get_full_dataset", map[string]any{}, DefaultRequestTimeout, DefaultMaxRetries)
	if err != nil {
		return nil, err
	}
	return resultOf(env)
}
