package tasks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/stackmesh/conveyor/engine"
	"github.com/stackmesh/conveyor/job"
)

// Signature headers attached to every delivery.
const (
	HeaderSignature = "X-Conveyor-Signature"
	HeaderTimestamp = "X-Conveyor-Timestamp"
)

const (
	defaultWebhookTimeout  = 30 * time.Second
	defaultWebhookAttempts = 5
)

// WebhookPayload describes one outbound HTTP delivery.
type WebhookPayload struct {
	URL       string            `json:"url"`
	Method    string            `json:"method,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      json.RawMessage   `json:"body,omitempty"`
	TimeoutMs int               `json:"timeout_ms,omitempty"`
}

// WebhookDeliverer posts signed payloads to external endpoints. The
// signature is a hex HMAC-SHA256 over "<timestamp>.<body>" so receivers
// can reject replays.
type WebhookDeliverer struct {
	client *http.Client
	secret []byte
	logger *slog.Logger
	now    func() time.Time
}

// WebhookOption configures a WebhookDeliverer.
type WebhookOption func(*WebhookDeliverer)

// WithWebhookClient overrides the HTTP client used for deliveries.
func WithWebhookClient(c *http.Client) WebhookOption {
	return func(d *WebhookDeliverer) {
		d.client = c
	}
}

// WithWebhookLogger sets the delivery logger.
func WithWebhookLogger(logger *slog.Logger) WebhookOption {
	return func(d *WebhookDeliverer) {
		d.logger = logger
	}
}

// NewWebhookDeliverer creates a deliverer signing with secret.
func NewWebhookDeliverer(secret string, opts ...WebhookOption) *WebhookDeliverer {
	d := &WebhookDeliverer{
		client: &http.Client{},
		secret: []byte(secret),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Sign returns the hex HMAC-SHA256 signature for a body at timestamp.
func (d *WebhookDeliverer) Sign(timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, d.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Deliver sends one webhook. Any 2xx response counts as delivered;
// everything else is an error so the attempt is retried.
func (d *WebhookDeliverer) Deliver(ctx context.Context, p WebhookPayload) error {
	if p.URL == "" {
		return fmt.Errorf("%s: missing url", TypeWebhook)
	}
	method := p.Method
	if method == "" {
		method = http.MethodPost
	}
	timeout := defaultWebhookTimeout
	if p.TimeoutMs > 0 {
		timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, p.URL, bytes.NewReader(p.Body))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", TypeWebhook, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}
	ts := fmt.Sprintf("%d", d.now().Unix())
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, d.Sign(ts, p.Body))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %s %s: %w", TypeWebhook, method, p.URL, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s: %s %s: unexpected status %d", TypeWebhook, method, p.URL, resp.StatusCode)
	}
	d.logger.Debug("webhook delivered",
		slog.String("url", p.URL),
		slog.Int("status", resp.StatusCode),
	)
	return nil
}

// RegisterWebhook wires the webhook:deliver handler to the deliverer.
func RegisterWebhook(eng *engine.Engine, d *WebhookDeliverer) {
	engine.Register(eng, job.NewDefinition(TypeWebhook, d.Deliver))
}

// EnqueueWebhook enqueues a webhook:deliver job on the webhooks queue
// with five attempts by default.
func EnqueueWebhook(ctx context.Context, eng *engine.Engine, p WebhookPayload, opts ...job.Option) (*job.Job, error) {
	base := []job.Option{
		job.WithQueue(QueueWebhooks),
		job.WithMaxAttempts(defaultWebhookAttempts),
	}
	return engine.Enqueue(ctx, eng, TypeWebhook, p, append(base, opts...)...)
}
