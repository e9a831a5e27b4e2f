package voltaic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// AttemptHook is called once per delivery attempt inside retryUntilDelivered,
// after the attempt has returned, with err nil on success. Lets an outside
// decorator (the telemetry package) observe individual retry attempts
// without this package importing OTEL.
type AttemptHook func(ctx context.Context, op, nodeKey string, attempt int, err error)

// HealthDetail is one node's answer to a health probe.
type HealthDetail struct {
	Status       string `json:"status"` // "ok", "unreachable", "disabled"
	ResponseTime int64  `json:"responseTimeMs,omitempty"`
	Error        string `json:"error,omitempty"`
}

// NodeClient is the transport boundary between the orchestrator and a
// prediction node. Defined here, at the root package, so that the telemetry
// package can wrap it with spans and metrics from the outside without either
// package importing the other.
type NodeClient interface {
	// Predict sends d to node's predict URL and returns its validated
	// response. Never retried: a timed-out or erroring node must be voted
	// around immediately, not held up for a caller already waiting on a
	// fan-out of other nodes.
	Predict(ctx context.Context, node NodeDescriptor, d Discharge) (NodeResponse, error)

	// StartTraining tells node to begin a new training session of
	// totalDischarges discharges. Retries indefinitely on transport errors.
	StartTraining(ctx context.Context, node NodeDescriptor, totalDischarges int) error

	// PushDischarge delivers the ordinal-th discharge (1-based) of an active
	// training session to node. Retries indefinitely on transport errors.
	PushDischarge(ctx context.Context, node NodeDescriptor, ordinal int, d Discharge) error

	// Health performs a single, unretried liveness check against node.
	Health(ctx context.Context, node NodeDescriptor) (HealthDetail, error)
}

// httpNodeClient is the sole production NodeClient implementation.
type httpNodeClient struct {
	client         *http.Client
	trainingClient *http.Client
	retryBackoff   time.Duration
	logger         *slog.Logger
	attemptHook    AttemptHook
}

// ClientOption configures an httpNodeClient.
type ClientOption func(*httpNodeClient)

// WithModelTimeout bounds a single predict or health call.
func WithModelTimeout(d time.Duration) ClientOption {
	return func(c *httpNodeClient) { c.client.Timeout = d }
}

// WithTrainingTimeout bounds a single training HTTP round trip (start or
// push). This is unrelated to how long a training session as a whole may
// run — the session has no deadline; only each individual delivery attempt
// does, so a wedged node is detected and retried rather than hung on
// forever.
func WithTrainingTimeout(d time.Duration) ClientOption {
	return func(c *httpNodeClient) { c.trainingClient.Timeout = d }
}

// WithRetryBackoff sets the fixed delay between indefinite-retry attempts
// for StartTraining and PushDischarge (default 500ms).
func WithRetryBackoff(d time.Duration) ClientOption {
	return func(c *httpNodeClient) { c.retryBackoff = d }
}

// WithLogger threads l through the client; unset, the client logs nothing.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *httpNodeClient) { c.logger = l }
}

// WithAttemptHook registers h to be called once per delivery attempt made
// by retryUntilDelivered. Used by the telemetry package to emit one span
// per attempt instead of one span per indefinitely-retried call.
func WithAttemptHook(h AttemptHook) ClientOption {
	return func(c *httpNodeClient) { c.attemptHook = h }
}

// NewHTTPNodeClient creates a NodeClient that speaks the node protocol over
// plain HTTP/JSON.
func NewHTTPNodeClient(opts ...ClientOption) NodeClient {
	c := &httpNodeClient{
		client:         &http.Client{Timeout: 30 * time.Second},
		trainingClient: &http.Client{Timeout: 60 * time.Second},
		retryBackoff:   500 * time.Millisecond,
		logger:         nopLogger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpNodeClient) Predict(ctx context.Context, node NodeDescriptor, d Discharge) (NodeResponse, error) {
	raw, err := doJSON(ctx, c.client, node.Key, http.MethodPost, node.PredictURL, d)
	if err != nil {
		return NodeResponse{}, err
	}
	return validateNodeResponse(node.Key, raw)
}

func (c *httpNodeClient) StartTraining(ctx context.Context, node NodeDescriptor, totalDischarges int) error {
	body := TrainingBatchRequest{TotalDischarges: totalDischarges}
	return c.retryUntilDelivered(ctx, "start_training", node.Key, func() error {
		_, err := doJSON(ctx, c.trainingClient, node.Key, http.MethodPost, node.TrainURL, body)
		return err
	})
}

func (c *httpNodeClient) PushDischarge(ctx context.Context, node NodeDescriptor, ordinal int, d Discharge) error {
	body := TrainingBatchRequest{Discharges: []Discharge{d}}
	_ = ordinal // ordinal is carried by the session manager's strict per-node queue order, not the wire body
	return c.retryUntilDelivered(ctx, "push_discharge", node.Key, func() error {
		_, err := doJSON(ctx, c.trainingClient, node.Key, http.MethodPost, node.TrainURL, body)
		return err
	})
}

func (c *httpNodeClient) Health(ctx context.Context, node NodeDescriptor) (HealthDetail, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, node.HealthURL, nil)
	if err != nil {
		return HealthDetail{}, err
	}
	resp, err := c.client.Do(req)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return HealthDetail{Status: "unreachable", Error: err.Error()}, nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return HealthDetail{Status: "unreachable", Error: fmt.Sprintf("http %d", resp.StatusCode), ResponseTime: elapsed}, nil
	}
	return HealthDetail{Status: "ok", ResponseTime: elapsed}, nil
}

// retryUntilDelivered calls attempt until it succeeds, a non-transport error
// occurs, or ctx is cancelled. Transport errors — connection refused, DNS
// failure, reset, truncated response — are the only ones retried, and they
// are retried forever: the training session has no overall deadline, it is
// the node that must eventually come back. An HTTP error status or a
// timeout proves the node received the request and answered (or refused to
// within the allotted time), so both propagate immediately instead of
// retrying.
func (c *httpNodeClient) retryUntilDelivered(ctx context.Context, op, nodeKey string, attempt func() error) error {
	for n := 1; ; n++ {
		err := attempt()
		if c.attemptHook != nil {
			c.attemptHook(ctx, op, nodeKey, n, err)
		}
		if err == nil {
			if n > 1 {
				c.logger.Info("node delivery succeeded after retry", "op", op, "node.key", nodeKey, "attempt", n)
			}
			return nil
		}
		if !isTransportError(err) {
			return err
		}
		c.logger.Warn("node delivery transport error, retrying", "op", op, "node.key", nodeKey, "attempt", n, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryBackoff):
		}
	}
}

// IsTransportError reports whether err is the class of failure that
// StartTraining/PushDischarge retry indefinitely. Exported so that external
// decorators (e.g. the telemetry package's retry counter) can classify an
// error the same way the client itself does, without duplicating the
// predicate.
func IsTransportError(err error) bool {
	return isTransportError(err)
}

// isTransportError classifies err as a failure that happened before any HTTP
// response was received. Context cancellation and deadline exceeded are
// deliberately excluded — a caller-imposed timeout is a signal to give up,
// not a reason to keep hammering the node.
func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var httpErr *ErrHTTP
	if errors.As(err, &httpErr) {
		return false
	}
	var schemaErr *ErrSchema
	if errors.As(err, &schemaErr) {
		return false
	}
	if isTimeoutInChain(err) {
		return false
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return !dnsErr.IsTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	return false
}

// isTimeoutInChain walks err's Unwrap chain looking for anything reporting
// itself as a timeout (*url.Error, *net.OpError, *net.DNSError all implement
// Timeout() bool). A deadline a caller imposed is a reason to give up, not a
// reason to keep retrying a node that may never respond in time.
func isTimeoutInChain(err error) bool {
	for err != nil {
		if te, ok := err.(interface{ Timeout() bool }); ok && te.Timeout() {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// doJSON marshals body, posts it to url, and returns the raw response bytes
// on a 2xx status. Any non-2xx status is reported as *ErrHTTP (never
// retried); any other failure of the round trip or of reading the body is
// reported as *ErrTransport, except context cancellation or deadline expiry
// during the round trip, which is returned as-is.
func doJSON(ctx context.Context, client *http.Client, nodeKey, method, url string, body any) ([]byte, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, &ErrTransport{NodeKey: nodeKey, Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ErrTransport{NodeKey: nodeKey, Cause: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ErrHTTP{NodeKey: nodeKey, Status: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}
