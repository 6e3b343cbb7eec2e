// Package dispatch builds, signs and delivers webhook notifications for
// matching subscriptions, recording each outcome back on the subscription
// row. Delivery is fire-and-forget: failures are recorded, never retried
// and never surfaced to the notifying caller.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hooksmith/hooksmith/internal/domain"
	"github.com/hooksmith/hooksmith/internal/signer"
)

const deliveryTimeout = 5 * time.Second

// SubscriptionSource is the slice of the store the dispatcher consumes.
type SubscriptionSource interface {
	ForModelEvent(ctx context.Context, targetClass, event, kind string) ([]domain.Subscription, error)
	GetSubscription(ctx context.Context, id string) (*domain.Subscription, error)
	RecordTrigger(ctx context.Context, id string) error
	RecordError(ctx context.Context, id string, derr domain.DeliveryError) error
}

// Dispatcher fans domain-change notifications out to subscription endpoints.
type Dispatcher struct {
	store      SubscriptionSource
	httpClient *http.Client
	pool       *pool
	logger     *slog.Logger
	now        func() time.Time
}

func NewDispatcher(store SubscriptionSource, numWorkers int, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		store: store,
		httpClient: &http.Client{
			Timeout: deliveryTimeout,
		},
		logger: logger,
		now:    time.Now,
	}
	d.pool = newPool(numWorkers, d.deliver, logger)
	return d
}

// Start launches the delivery workers.
func (d *Dispatcher) Start(ctx context.Context) {
	d.pool.start(ctx)
}

// Stop drains in-flight deliveries.
func (d *Dispatcher) Stop() {
	d.pool.stop()
}

// Notify matches active subscriptions for a domain change and enqueues one
// signed delivery per match. It returns the number queued. Suppressing the
// call for webhook-originated writes is the caller's responsibility; when an
// origin is passed anyway it is threaded through as source_trigger metadata
// for receiver-side loop detection.
func (d *Dispatcher) Notify(ctx context.Context, targetClass, event string, snapshot map[string]any, meta map[string]any, origin *Origin) (int, error) {
	kind := domain.KindModel
	if event == "dispatched" {
		kind = domain.KindEvent
	}

	subs, err := d.store.ForModelEvent(ctx, targetClass, event, kind)
	if err != nil {
		return 0, fmt.Errorf("finding matching subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return 0, nil
	}

	queued := 0
	for i := range subs {
		sub := &subs[i]

		payload := buildPayload(sub, event, snapshot, meta, origin, d.now())
		body, err := json.Marshal(payload)
		if err != nil {
			d.logger.Error("failed to marshal payload", "error", err, "subscription_id", sub.ID)
			continue
		}

		// Sign the exact bytes that go over the wire.
		j := job{
			subscriptionID: sub.ID,
			endpointURL:    sub.EndpointURL,
			body:           body,
			signature:      signer.Sign(body, sub.SecretKey),
		}

		if !d.pool.submit(j) {
			d.recordOutcome(ctx, sub.ID, domain.DeliveryError{
				Message:    "delivery queue saturated",
				Code:       "queue_full",
				OccurredAt: d.now(),
			})
			continue
		}
		queued++
	}

	d.logger.Info("notifications queued",
		"target_class", targetClass,
		"event", event,
		"queued", queued,
		"matched", len(subs),
	)
	return queued, nil
}

// TestResult is the outcome of an operator-triggered connectivity check.
type TestResult struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// TestDeliver sends a synthetic payload through the normal delivery path,
// synchronously, and reports the outcome to the caller.
func (d *Dispatcher) TestDeliver(ctx context.Context, subscriptionID string) (*TestResult, error) {
	sub, err := d.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, domain.ErrNotFound
	}

	payload := buildPayload(sub, "test", map[string]any{
		"test":    true,
		"message": "connectivity check",
	}, nil, nil, d.now())
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling test payload: %w", err)
	}

	statusCode, errMsg := d.post(ctx, sub.EndpointURL, body, signer.Sign(body, sub.SecretKey), sub.ID)
	if errMsg != "" {
		return &TestResult{Success: false, Error: errMsg}, nil
	}
	if statusCode < 200 || statusCode >= 300 {
		return &TestResult{Success: false, StatusCode: statusCode, Error: fmt.Sprintf("endpoint returned %d", statusCode)}, nil
	}
	return &TestResult{Success: true, StatusCode: statusCode}, nil
}

// InboundRequest carries the attributes of a webhook the subscription's
// endpoint received, relayed back here for verification. Payload must be
// the exact bytes the endpoint read off the wire.
type InboundRequest struct {
	Payload   []byte
	Signature string
	Timestamp *time.Time
	SourceIP  string
}

// VerificationChecks reports each security check that ran. Nil means the
// subscription does not require that check.
type VerificationChecks struct {
	Signature *bool `json:"signature,omitempty"`
	Timestamp *bool `json:"timestamp,omitempty"`
	SourceIP  *bool `json:"source_ip,omitempty"`
}

// VerificationResult is the outcome of verifying an inbound webhook.
type VerificationResult struct {
	Valid  bool               `json:"valid"`
	Checks VerificationChecks `json:"checks"`
}

// VerifyInbound checks an inbound webhook against the subscription's
// security settings: HMAC signature when verify_hmac is set, replay-window
// freshness when require_timestamp is set, and the source allow rule when
// one is configured. A subscription with no settings enabled accepts
// anything. A required signature check without a stored secret is an
// operator error, not a verification failure.
func (d *Dispatcher) VerifyInbound(ctx context.Context, subscriptionID string, req InboundRequest) (*VerificationResult, error) {
	sub, err := d.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, domain.ErrNotFound
	}

	result := &VerificationResult{Valid: true}

	if sub.VerifyHMAC {
		ok, err := signer.Verify(req.Payload, req.Signature, sub.SecretKey)
		if err != nil {
			return nil, err
		}
		result.Checks.Signature = &ok
		if !ok {
			result.Valid = false
		}
	}

	if sub.RequireTimestamp {
		ok := req.Timestamp != nil && signer.VerifyTimestamp(*req.Timestamp, 0)
		result.Checks.Timestamp = &ok
		if !ok {
			result.Valid = false
		}
	}

	if sub.SourceCIDR != nil && *sub.SourceCIDR != "" {
		ok := signer.VerifySourceIP(req.SourceIP, *sub.SourceCIDR)
		result.Checks.SourceIP = &ok
		if !ok {
			result.Valid = false
		}
	}

	return result, nil
}

// deliver performs one HTTP delivery and records the outcome.
func (d *Dispatcher) deliver(ctx context.Context, j job) {
	statusCode, errMsg := d.post(ctx, j.endpointURL, j.body, j.signature, j.subscriptionID)

	if errMsg == "" && statusCode >= 200 && statusCode < 300 {
		if err := d.store.RecordTrigger(ctx, j.subscriptionID); err != nil {
			d.logger.Error("failed to record trigger", "error", err, "subscription_id", j.subscriptionID)
		}
		d.logger.Info("delivery successful",
			"subscription_id", j.subscriptionID,
			"status_code", statusCode,
		)
		return
	}

	derr := domain.DeliveryError{OccurredAt: d.now()}
	if errMsg != "" {
		derr.Message = errMsg
		derr.Code = "network_error"
	} else {
		derr.Message = fmt.Sprintf("endpoint returned %d", statusCode)
		derr.Code = fmt.Sprintf("http_%d", statusCode)
	}
	d.recordOutcome(ctx, j.subscriptionID, derr)
}

// post sends the signed body and returns the status code, or a non-empty
// error message when no response was obtained.
func (d *Dispatcher) post(ctx context.Context, endpointURL string, body []byte, signature, subscriptionID string) (int, string) {
	reqCtx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Sprintf("failed to create request: %v", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", signature)
	req.Header.Set("X-Subscription-Id", subscriptionID)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Sprintf("request failed: %v", err)
	}
	defer resp.Body.Close()

	// Drain a bounded amount so the connection can be reused.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	return resp.StatusCode, ""
}

func (d *Dispatcher) recordOutcome(ctx context.Context, subscriptionID string, derr domain.DeliveryError) {
	if err := d.store.RecordError(ctx, subscriptionID, derr); err != nil {
		d.logger.Error("failed to record delivery error", "error", err, "subscription_id", subscriptionID)
	}
	d.logger.Warn("delivery failed",
		"subscription_id", subscriptionID,
		"error", derr.Message,
		"code", derr.Code,
	)
}
