package client

import (
	"fmt"
	"time"

	"github.com/atlas-mesh/meshbridge/internal/envelope"
)

// DefaultRequestTimeout and DefaultMaxRetries match the bare client.py
// defaults used by every typed wrapper below unless a caller overrides.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultMaxRetries     = 3
)

func requireString(data map[string]any, field string) (string, error) {
	v, ok := data[field]
	if !ok {
		return "", fmt.Errorf("client: missing required field %q", field)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("client: field %q must be a non-empty string", field)
	}
	return s, nil
}

func resultOf(env *envelope.Envelope) (map[string]any, error) {
	if env.Type == envelope.TypeError {
		if msg, ok := env.Data["error"].(string); ok {
			return nil, fmt.Errorf("client: gateway error: %s", msg)
		}
		return nil, fmt.Errorf("client: gateway returned an error envelope")
	}
	result, ok := env.Data["result"].(map[string]any)
	if !ok {
		return map[string]any{}, nil
	}
	return result, nil
}

// ListEntities requests the full entity listing, optionally filtered.
func (c *Client) ListEntities(filter map[string]any) (map[string]any, error) {
	env, err := c.SendRequest("list_entities", filter, DefaultRequestTimeout, DefaultMaxRetries)
	if err != nil {
		return nil, err
	}
	return resultOf(env)
}

// GetEntity fetches a single entity by id.
func (c *Client) GetEntity(entityID string) (map[string]any, error) {
	if entityID == "" {
		return nil, fmt.Errorf("client: entity_id is required")
	}
	env, err := c.SendRequest("get_entity", map[string]any{"entity_id": entityID}, DefaultRequestTimeout, DefaultMaxRetries)
	if err != nil {
		return nil, err
	}
	return resultOf(env)
}

// GetEntityByAlias fetches a single entity by its human-readable alias.
func (c *Client) GetEntityByAlias(alias string) (map[string]any, error) {
	if alias == "" {
		return nil, fmt.Errorf("client: alias is required")
	}
	env, err := c.SendRequest("get_entity_by_alias", map[string]any{"alias": alias}, DefaultRequestTimeout, DefaultMaxRetries)
	if err != nil {
		return nil, err
	}
	return resultOf(env)
}

// CreateEntity registers a new entity. entity_id and entity_type are
// required, matching the original client's parameter validation.
func (c *Client) CreateEntity(data map[string]any) (map[string]any, error) {
	if _, err := requireString(data, "entity_id"); err != nil {
		return nil, err
	}
	if _, err := requireString(data, "entity_type"); err != nil {
		return nil, err
	}
	env, err := c.SendRequest("create_entity", data, DefaultRequestTimeout, DefaultMaxRetries)
	if err != nil {
		return nil, err
	}
	return resultOf(env)
}

// UpdateEntity patches fields on an existing entity.
func (c *Client) UpdateEntity(entityID string, updates map[string]any) (map[string]any, error) {
	if entityID == "" {
		return nil, fmt.Errorf("client: entity_id is required")
	}
	data := map[string]any{"entity_id": entityID, "updates": updates}
	env, err := c.SendRequest("update_entity", data, DefaultRequestTimeout, DefaultMaxRetries)
	if err != nil {
		return nil, err
	}
	return resultOf(env)
}

// DeleteEntity removes an entity by id.
func (c *Client) DeleteEntity(entityID string) error {
	if entityID == "" {
		return fmt.Errorf("client: entity_id is required")
	}
	_, err := c.SendRequest("delete_entity", map[string]any{"entity_id": entityID}, DefaultRequestTimeout, DefaultMaxRetries)
	return err
}

// CheckinEntity records a liveness check-in for entityID, with an
// optional telemetry payload attached.
func (c *Client) CheckinEntity(entityID string, telemetry map[string]any) (map[string]any, error) {
	if entityID == "" {
		return nil, fmt.Errorf("client: entity_id is required")
	}
	data := map[string]any{"entity_id": entityID}
	if telemetry != nil {
		data["telemetry"] = telemetry
	}
	env, err := c.SendRequest("checkin_entity", data, DefaultRequestTimeout, DefaultMaxRetries)
	if err != nil {
		return nil, err
	}
	return resultOf(env)
}

// UpdateTelemetry pushes a telemetry sample for entityID without the
// liveness semantics of CheckinEntity.
func (c *Client) UpdateTelemetry(entityID string, telemetry map[string]any) error {
	if entityID == "" {
		return fmt.Errorf("client: entity_id is required")
	}
	_, err := c.SendRequest("update_telemetry", map[string]any{"entity_id": entityID, "telemetry": telemetry}, DefaultRequestTimeout, DefaultMaxRetries)
	return err
}
