// Package client implements the requesting side of the bridge: a generic
// SendRequest driving the retry/backoff loop against a Transport, plus a
// representative subset of typed wrapper methods over it. Mirrors
// atlas_meshtastic_bridge/client.py.
package client

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/charmbracelet/log"

	"github.com/atlas-mesh/meshbridge/internal/envelope"
	"github.com/atlas-mesh/meshbridge/internal/metrics"
	"github.com/atlas-mesh/meshbridge/internal/transport"
)

const (
	backoffBase   = 500 * time.Millisecond
	backoffJitter = 0.2
	backoffMax    = 30 * time.Second
	// overallDeadlineSlack extends each attempt's absolute deadline beyond
	// its per-call timeout, so a slow-but-still-progressing exchange isn't
	// killed the instant the nominal timeout is reached.
	overallDeadlineSlack = 60 * time.Second
)

// ErrTimedOut is returned when every retry attempt exhausts its deadline
// without a matching response.
var ErrTimedOut = errors.New("client: request timed out")

// Client drives requests against a single gateway node over a Transport.
type Client struct {
	Transport     *transport.Transport
	GatewayNodeID string
	Metrics       *metrics.Registry
}

// New constructs a Client addressing gatewayNodeID over t.
func New(t *transport.Transport, gatewayNodeID string, m *metrics.Registry) *Client {
	return &Client{Transport: t, GatewayNodeID: gatewayNodeID, Metrics: m}
}

func (c *Client) metricInc(name, help string, labels map[string]string) {
	if c.Metrics != nil {
		c.Metrics.Inc(name, help, labels)
	}
}

func backoffDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	base := backoffBase.Seconds() * pow2(attempt-1)
	jitter := rand.Float64() * base * backoffJitter
	delay := base + jitter
	if delay > backoffMax.Seconds() {
		delay = backoffMax.Seconds()
	}
	return time.Duration(delay * float64(time.Second))
}

func pow2(n int) float64 {
	result := 1.0
	for i := 0; i < n; i++ {
		result *= 2
	}
	return result
}

// SendRequest sends command/data to the gateway, retrying up to maxRetries
// times with adaptive backoff while keeping the same envelope id across
// attempts. It returns the first response or error envelope whose id
// matches and whose type is response or error.
func (c *Client) SendRequest(command string, data map[string]any, timeout time.Duration, maxRetries int) (*envelope.Envelope, error) {
	id := envelope.NewID()
	req := &envelope.Envelope{ID: id, Type: envelope.TypeRequest, Command: command, Data: data}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoffDelay(attempt))
		}
		attemptStart := time.Now()

		c.Transport.Tick(attemptStart)
		c.Transport.ProcessOutbox(attemptStart)
		if err := c.Transport.SendMessage(req, c.GatewayNodeID); err != nil {
			lastErr = err
			continue
		}

		lastProgress := attemptStart
		inactivityDeadline := lastProgress.Add(timeout)
		overallDeadline := attemptStart.Add(timeout + overallDeadlineSlack)

		for {
			now := time.Now()
			if now.After(inactivityDeadline) {
				lastErr = fmt.Errorf("client: %w: no progress for %s on request %s", ErrTimedOut, timeout, id)
				c.metricInc("client_request_timeouts_total", "client-side request timeouts", map[string]string{"command": command})
				break
			}
			if now.After(overallDeadline) {
				lastErr = fmt.Errorf("client: %w: overall deadline exceeded for request %s", ErrTimedOut, id)
				break
			}

			waitFor := minDuration(inactivityDeadline.Sub(now), overallDeadline.Sub(now))
			waitFor = clampDuration(waitFor, 50*time.Millisecond, 500*time.Millisecond)

			c.Transport.Tick(now)
			sender, resp, err := c.Transport.ReceiveMessage(waitFor)
			if err != nil {
				log.Warn("client: receive error while waiting for response", "id", id, "err", err)
				continue
			}
			_ = sender

			if p, ok := c.Transport.LastChunkProgress(id); ok && p.Timestamp.After(lastProgress) {
				lastProgress = p.Timestamp
				inactivityDeadline = lastProgress.Add(timeout)
			}

			if resp == nil {
				continue
			}
			if resp.ID != id {
				continue
			}
			if resp.Type != envelope.TypeResponse && resp.Type != envelope.TypeError {
				continue
			}
			c.metricInc("client_requests_total", "requests completed", map[string]string{"command": command, "status": "matched"})
			return resp, nil
		}
	}

	if lastErr == nil {
		lastErr = ErrTimedOut
	}
	return nil, lastErr
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
