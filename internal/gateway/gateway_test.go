package gateway

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas-mesh/meshbridge/internal/dedupe"
	"github.com/atlas-mesh/meshbridge/internal/envelope"
	"github.com/atlas-mesh/meshbridge/internal/radio"
	"github.com/atlas-mesh/meshbridge/internal/reassembly"
	"github.com/atlas-mesh/meshbridge/internal/reliability"
	"github.com/atlas-mesh/meshbridge/internal/spool"
	"github.com/atlas-mesh/meshbridge/internal/transport"
)

func newPair(t *testing.T) (*transport.Transport, *transport.Transport) {
	t.Helper()
	bus := radio.NewBus()
	build := func(id string) *transport.Transport {
		r := radio.NewInMemory(id, bus)
		d := dedupe.New(dedupe.DefaultConfig())
		re := reassembly.New(reassembly.DefaultConfig())
		sp := spool.Open(spool.DefaultConfig(filepath.Join(t.TempDir(), id+"-spool.json")))
		return transport.New(r, d, re, sp, reliability.NoAckNack{}, nil, transport.Config{})
	}
	return build("client"), build("gateway")
}

func TestRunOnceHandlesEchoRoundTrip(t *testing.T) {
	clientT, gatewayT := newPair(t)
	gw := New(gatewayT, NewRegistry(), nil)

	req := &envelope.Envelope{ID: "req-echo-1", Type: envelope.TypeRequest, Command: "test_echo", Data: map[string]any{"ping": "pong"}}
	if err := clientT.SendMessage(req, "gateway"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	ctx := context.Background()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := gw.RunOnce(ctx, 200*time.Millisecond); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		_, resp, err := clientT.ReceiveMessage(50 * time.Millisecond)
		if err != nil {
			t.Fatalf("ReceiveMessage: %v", err)
		}
		if resp != nil {
			if resp.Type != envelope.TypeResponse {
				t.Fatalf("expected response type, got %s", resp.Type)
			}
			result, ok := resp.Data["result"].(map[string]any)
			if !ok {
				t.Fatalf("expected result map in response data: %+v", resp.Data)
			}
			if result["ping"] != "pong" {
				t.Fatalf("expected echoed payload, got %+v", result)
			}
			return
		}
	}
	t.Fatalf("did not receive a response before deadline")
}

func TestRunOnceIgnoresNonRequestEnvelopes(t *testing.T) {
	clientT, gatewayT := newPair(t)
	gw := New(gatewayT, NewRegistry(), nil)

	resp := &envelope.Envelope{ID: "resp-1", Type: envelope.TypeResponse, Data: map[string]any{}}
	if err := clientT.SendMessage(resp, "gateway"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if err := gw.RunOnce(context.Background(), 200*time.Millisecond); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	// Nothing further should arrive back at the client: non-request
	// envelopes are dropped without a response.
	_, out, err := clientT.ReceiveMessage(100 * time.Millisecond)
	if err != nil {
		t.Fatalf("ReceiveMessage: %v", err)
	}
	if out != nil {
		t.Fatalf("expected no response for a non-request envelope, got %+v", out)
	}
}

func TestRunOnceReturnsErrorEnvelopeForUnknownCommand(t *testing.T) {
	clientT, gatewayT := newPair(t)
	gw := New(gatewayT, NewRegistry(), nil)

	req := &envelope.Envelope{ID: "req-bad-1", Type: envelope.TypeRequest, Command: "does_not_exist", Data: map[string]any{}}
	if err := clientT.SendMessage(req, "gateway"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	ctx := context.Background()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := gw.RunOnce(ctx, 200*time.Millisecond); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		_, resp, err := clientT.ReceiveMessage(50 * time.Millisecond)
		if err != nil {
			t.Fatalf("ReceiveMessage: %v", err)
		}
		if resp != nil {
			if resp.Type != envelope.TypeError {
				t.Fatalf("expected error envelope, got %s", resp.Type)
			}
			if _, ok := resp.Data["error"]; !ok {
				t.Fatalf("expected error field in response data: %+v", resp.Data)
			}
			return
		}
	}
	t.Fatalf("did not receive an error response before deadline")
}

type fakeAPIClient struct {
	calls []string
}

func (f *fakeAPIClient) Call(_ context.Context, command string, data map[string]any) (map[string]any, error) {
	f.calls = append(f.calls, command)
	return map[string]any{"command": command, "echo": data}, nil
}

func TestRegisterDefaultCommandsDispatchesToAPIClient(t *testing.T) {
	registry := NewRegistry()
	client := &fakeAPIClient{}
	RegisterDefaultCommands(registry, client)

	handler, ok := registry.Lookup("create_entity")
	if !ok {
		t.Fatalf("expected create_entity to be registered")
	}
	result, err := handler(context.Background(), map[string]any{"entity_id": "e1"})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if result["command"] != "create_entity" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(client.calls) != 1 || client.calls[0] != "create_entity" {
		t.Fatalf("expected one call to create_entity, got %+v", client.calls)
	}
}
