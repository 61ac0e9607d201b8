package apiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCallPostsJSONAndDecodesResponse(t *testing.T) {
	var gotPath string
	var gotAuth string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	c := New(srv.URL, "secret-token")
	result, err := c.Call(context.Background(), "create_entity", map[string]any{"entity_id": "e1"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result["ok"] != true {
		t.Fatalf("unexpected result: %+v", result)
	}
	if gotPath != "/create_entity" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("unexpected auth header: %s", gotAuth)
	}
	if gotBody["entity_id"] != "e1" {
		t.Fatalf("unexpected request body: %+v", gotBody)
	}
}

func TestCallReturnsErrorOnHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	if _, err := c.Call(context.Background(), "get_entity", map[string]any{}); err == nil {
		t.Fatalf("expected an error for a 500 response")
	}
}
