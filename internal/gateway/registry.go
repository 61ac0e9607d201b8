// Package gateway implements the request-processing side of the bridge:
// a command handler registry dispatching onto a pluggable API client, and
// the receive/dedupe/lease/dispatch/respond loop that drives it. Mirrors
// atlas_meshtastic_bridge/gateway.py.
package gateway

import (
	"context"
	"fmt"
)

// APIClient is the opaque external dispatcher a gateway's domain command
// handlers delegate to — the concrete entity/task/object store named in
// spec.md's Non-goals. Tests exercise the registry end to end against a
// fake implementation.
type APIClient interface {
	Call(ctx context.Context, command string, data map[string]any) (map[string]any, error)
}

// Handler processes one command's data and returns the result payload to
// embed in the response envelope's data.result field.
type Handler func(ctx context.Context, data map[string]any) (map[string]any, error)

// Registry maps command names to handlers.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry builds a registry with the built-in test_echo and
// health_check handlers already registered.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	r.Register("test_echo", echoHandler)
	r.Register("health_check", healthHandler)
	return r
}

// Register adds or replaces the handler for command.
func (r *Registry) Register(command string, h Handler) {
	r.handlers[command] = h
}

// Lookup returns the handler for command, or (nil, false) if unknown.
func (r *Registry) Lookup(command string) (Handler, bool) {
	h, ok := r.handlers[command]
	return h, ok
}

func echoHandler(_ context.Context, data map[string]any) (map[string]any, error) {
	return data, nil
}

func healthHandler(_ context.Context, _ map[string]any) (map[string]any, error) {
	return map[string]any{"status": "ok"}, nil
}

// RegisterDefaultCommands wires the full entity/task/object command
// surface onto client's Call method, matching
// gateway.py's DEFAULT_COMMAND_MAP. Each handler forwards the command
// name and request data verbatim — domain validation and storage live in
// the API client implementation, kept pluggable per spec.md's Non-goals.
func RegisterDefaultCommands(r *Registry, client APIClient) {
	for _, command := range defaultCommands {
		cmd := command
		r.Register(cmd, func(ctx context.Context, data map[string]any) (map[string]any, error) {
			result, err := client.Call(ctx, cmd, data)
			if err != nil {
				return nil, fmt.Errorf("gateway: command %s: %w", cmd, err)
			}
			return result, nil
		})
	}
}

// defaultCommands is the full entity/task/object/query command surface
// restored from the original distribution's command map (test_echo and
// health_check are handled locally and are not part of this list).
var defaultCommands = []string{
	"list_entities",
	"get_entity",
	"get_entity_by_alias",
	"create_entity",
	"update_entity",
	"delete_entity",
	"checkin_entity",
	"update_telemetry",
	"list_tasks",
	"get_task",
	"get_tasks_by_entity",
	"create_task",
	"update_task",
	"delete_task",
	"transition_task_status",
	"start_task",
	"complete_task",
	"fail_task",
	"list_objects",
	"get_object",
	"get_objects_by_entity",
	"get_objects_by_task",
	"update_object",
	"delete_object",
	"add_object_reference",
	"remove_object_reference",
	"find_orphaned_objects",
	"get_object_references",
	"validate_object_references",
	"cleanup_object_references",
	"create_object",
	"get_changed_since",
	"get_full_dataset",
}
