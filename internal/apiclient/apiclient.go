// Package apiclient implements the gateway's default APIClient: a thin
// REST passthrough to the external entity/task/object store named in
// spec.md's Non-goals. It exists so `--api-base-url`/`--api-token` have a
// concrete collaborator to dispatch onto; the store itself is out of
// scope.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPClient forwards each gateway command to a POST /<command> endpoint
// on BaseURL, matching the original client.py's thin requests-based
// dispatch. No third-party HTTP client library is used here: the corpus
// reaches for one (gorilla/mux) only on the server side, and this is a
// single-call JSON-in/JSON-out passthrough with no routing, retry, or
// middleware surface that would justify pulling one in for the client
// side too.
type HTTPClient struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// New constructs an HTTPClient dispatching against baseURL.
func New(baseURL, token string) *HTTPClient {
	return &HTTPClient{BaseURL: strings.TrimRight(baseURL, "/"), Token: token, HTTP: &http.Client{Timeout: 30 * time.Second}}
}

// Call implements gateway.APIClient.
func (c *HTTPClient) Call(ctx context.Context, command string, data map[string]any) (map[string]any, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("apiclient: encoding request for %s: %w", command, err)
	}

	url := fmt.Sprintf("%s/%s", c.BaseURL, command)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("apiclient: building request for %s: %w", command, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("apiclient: calling %s: %w", command, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("apiclient: %s returned HTTP %d", command, resp.StatusCode)
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("apiclient: decoding response for %s: %w", command, err)
	}
	return result, nil
}
