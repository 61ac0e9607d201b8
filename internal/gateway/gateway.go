package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/atlas-mesh/meshbridge/internal/corelib/worker"
	"github.com/atlas-mesh/meshbridge/internal/envelope"
	"github.com/atlas-mesh/meshbridge/internal/metrics"
	"github.com/atlas-mesh/meshbridge/internal/transport"
)

// DefaultOperationTimeout is used when an envelope's meta does not specify
// operation_timeout_seconds.
const DefaultOperationTimeout = 30 * time.Second

// numericFirstContactDelay is how long the gateway pauses before handling
// the first request from a node identified only by a bare numeric id
// (rather than Meshtastic's "!xxxxxxxx" form) — such nodes are commonly
// still completing mesh handshake on their first transmission.
const numericFirstContactDelay = 1500 * time.Millisecond

// Gateway drives the request lifecycle: receive, drop non-requests,
// dedupe, lease, dispatch under a timeout, respond, release.
type Gateway struct {
	worker.Worker

	Transport *transport.Transport
	Registry  *Registry
	Metrics   *metrics.Registry

	mu                 sync.Mutex
	numericSendersSeen map[string]bool
}

// New constructs a Gateway over t dispatching through registry.
func New(t *transport.Transport, registry *Registry, m *metrics.Registry) *Gateway {
	return &Gateway{Transport: t, Registry: registry, Metrics: m, numericSendersSeen: make(map[string]bool)}
}

func (g *Gateway) metricInc(name, help string, labels map[string]string) {
	if g.Metrics != nil {
		g.Metrics.Inc(name, help, labels)
	}
}

func (g *Gateway) metricObserve(name, help string, value float64, labels map[string]string) {
	if g.Metrics != nil {
		g.Metrics.Observe(name, help, value, labels)
	}
}

// RunOnce processes outgoing spool traffic and, if an inbound request
// arrives within timeout, handles exactly one request end to end.
func (g *Gateway) RunOnce(ctx context.Context, timeout time.Duration) error {
	g.Transport.ProcessOutbox(time.Now())

	sender, env, err := g.Transport.ReceiveMessage(timeout)
	if err != nil {
		return err
	}
	if env == nil {
		return nil
	}
	if env.Type != envelope.TypeRequest {
		g.metricInc("gateway_ignored_messages_total", "non-request messages received", nil)
		return nil
	}
	if !g.Transport.ShouldProcess(sender, env) {
		g.metricInc("gateway_duplicate_requests_total", "requests suppressed as duplicates", nil)
		return nil
	}

	keys := g.Transport.BuildDedupeKeys(sender, env)
	inProgressKey := keys.Message
	if keys.HasSemantic {
		inProgressKey = keys.Semantic
	} else if keys.HasCorrelation {
		inProgressKey = keys.Correlation
	}

	leaseSeconds, _ := env.MetaFloat("lease_seconds")
	lease := time.Duration(leaseSeconds * float64(time.Second))
	if !g.Transport.Deduper.AcquireLease(inProgressKey, lease, time.Now()) {
		return nil
	}
	defer g.Transport.Deduper.ReleaseLease(inProgressKey, lease, true, time.Now())

	g.metricInc("gateway_inflight_requests", "requests currently being handled", nil)
	g.metricInc("gateway_requests_total", "requests received", map[string]string{"status": "received"})

	g.maybeDelayFirstNumericContact(sender)

	start := time.Now()
	resp, handleErr := g.handleRequest(ctx, env)
	handleSeconds := time.Since(start).Seconds()
	g.metricObserve("gateway_handle_seconds", "handler execution time", handleSeconds, nil)

	status := "success"
	if handleErr != nil {
		resp = errorResponse(env, handleErr)
		status = "error"
	}

	sendStart := time.Now()
	if err := g.Transport.SendMessage(resp, sender); err != nil {
		log.Warn("gateway: failed to send response", "id", resp.ID, "err", err)
		g.metricInc("gateway_requests_total", "requests received", map[string]string{"status": "send_failed"})
		return nil
	}
	g.metricObserve("gateway_send_seconds", "response send time", time.Since(sendStart).Seconds(), nil)
	g.metricObserve("gateway_total_seconds", "total request handling time", time.Since(start).Seconds(), nil)
	g.metricInc("gateway_requests_total", "requests received", map[string]string{"status": status})
	return nil
}

func (g *Gateway) maybeDelayFirstNumericContact(sender string) {
	if sender == "" || strings.HasPrefix(sender, "!") || !isNumeric(sender) {
		return
	}
	g.mu.Lock()
	seen := g.numericSendersSeen[sender]
	if !seen {
		g.numericSendersSeen[sender] = true
	}
	g.mu.Unlock()
	if !seen {
		time.Sleep(numericFirstContactDelay)
	}
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (g *Gateway) handleRequest(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	handler, ok := g.Registry.Lookup(env.Command)
	if !ok {
		return nil, fmt.Errorf("gateway: unknown command %q", env.Command)
	}

	timeout := DefaultOperationTimeout
	if v, ok := env.MetaFloat("operation_timeout_seconds"); ok && v > 0 {
		timeout = time.Duration(v * float64(time.Second))
	}
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := handler(opCtx, env.Data)
		done <- outcome{result: result, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return nil, o.err
		}
		return successResponse(env, o.result), nil
	case <-opCtx.Done():
		return nil, fmt.Errorf("gateway: operation %s exceeded %s", env.Command, timeout)
	}
}

func successResponse(req *envelope.Envelope, result map[string]any) *envelope.Envelope {
	return &envelope.Envelope{
		ID:            req.ID,
		Type:          envelope.TypeResponse,
		Command:       req.Command,
		Priority:      req.Priority,
		CorrelationID: req.CorrelationID,
		Data:          compactPayload(map[string]any{"result": result}).(map[string]any),
	}
}

func errorResponse(req *envelope.Envelope, err error) *envelope.Envelope {
	return &envelope.Envelope{
		ID:            req.ID,
		Type:          envelope.TypeError,
		Command:       req.Command,
		Priority:      req.Priority,
		CorrelationID: req.CorrelationID,
		Data:          map[string]any{"error": err.Error()},
	}
}

// compactPayload recursively drops nil-valued map entries, matching
// gateway.py's _compact_payload — responses carry only the fields a
// handler actually set.
func compactPayload(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			if val == nil {
				continue
			}
			out[k] = compactPayload(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = compactPayload(item)
		}
		return out
	default:
		return value
	}
}

// RunForever loops RunOnce until the gateway is halted.
func (g *Gateway) RunForever(ctx context.Context, timeout time.Duration) {
	g.Go(func() {
		for {
			select {
			case <-g.HaltCh():
				return
			case <-ctx.Done():
				return
			default:
			}
			if err := g.RunOnce(ctx, timeout); err != nil {
				log.Warn("gateway: run_once failed", "err", err)
			}
		}
	})
}

// Stop halts the gateway loop and waits for it to exit.
func (g *Gateway) Stop() {
	g.Halt()
	g.Wait()
}
