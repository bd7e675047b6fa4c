// Package alerting delivers operator-facing notifications (reconciliation
// divergence, dead-lettered submissions) to an outbound HTTP endpoint with
// HMAC-signed bodies and retrying delivery.
package alerting

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"cardcredit/reconcile"
)

// EventType names the operational event a Dispatcher delivers.
type EventType string

const (
	// EventReconcileDivergence fires when a reconciliation pass's
	// basis-point divergence exceeds its configured threshold.
	EventReconcileDivergence EventType = "credit.reconcile.divergence"
	// EventJobDeadLettered fires when the submission queue exhausts
	// retries or hits a non-retriable engine error for a job.
	EventJobDeadLettered EventType = "credit.queue.dead_letter"

	defaultMaxAttempts = 5
	defaultMinBackoff  = 2 * time.Second
	defaultMaxBackoff  = 30 * time.Second
)

// DivergencePayload is the webhook body for EventReconcileDivergence.
type DivergencePayload struct {
	Type          EventType `json:"type"`
	WindowStart   time.Time `json:"windowStart"`
	WindowEnd     time.Time `json:"windowEnd"`
	IssuerTotal   int64     `json:"issuerTotalUsdMicro"`
	ChainTotal    int64     `json:"chainTotalUsdMicro"`
	DivergenceBps int64     `json:"divergenceBps"`
	DeliveryID    string    `json:"deliveryId"`
}

// DeadLetterPayload is the webhook body for EventJobDeadLettered.
type DeadLetterPayload struct {
	Type       EventType `json:"type"`
	Kind       string    `json:"kind"`
	Owner      string    `json:"owner"`
	AuthID     string    `json:"authId"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurredAt"`
	DeliveryID string    `json:"deliveryId"`
}

// Dispatcher orchestrates alert deliveries with retry and exponential
// backoff, one worker goroutine draining a bounded queue.
type Dispatcher struct {
	endpoint    string
	secret      []byte
	client      *http.Client
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan delivery
	wg     sync.WaitGroup
}

type delivery struct {
	eventType EventType
	body      []byte
}

// Option mutates dispatcher configuration.
type Option func(*Dispatcher)

// WithHTTPClient overrides the HTTP client used for deliveries.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithRetryPolicy overrides the retry configuration.
func WithRetryPolicy(maxAttempts int, minBackoff, maxBackoff time.Duration) Option {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if minBackoff > 0 {
			d.minBackoff = minBackoff
		}
		if maxBackoff >= minBackoff && maxBackoff > 0 {
			d.maxBackoff = maxBackoff
		}
	}
}

// NewDispatcher constructs a dispatcher and spawns the worker goroutine.
func NewDispatcher(endpoint string, secret []byte, opts ...Option) (*Dispatcher, error) {
	endpoint = string(bytes.TrimSpace([]byte(endpoint)))
	if endpoint == "" {
		return nil, errors.New("alerting: endpoint required")
	}
	if len(secret) == 0 {
		return nil, errors.New("alerting: secret required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		endpoint:    endpoint,
		secret:      append([]byte(nil), secret...),
		client:      &http.Client{Timeout: 15 * time.Second},
		maxAttempts: defaultMaxAttempts,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
		ctx:         ctx,
		cancel:      cancel,
		queue:       make(chan delivery, 32),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.wg.Add(1)
	go d.worker()
	return d, nil
}

// Close stops the dispatcher and waits for the worker goroutine to exit. An
// in-flight delivery is cancelled and queued deliveries are dropped.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
}

// NotifyDeadLetter sends a dead-letter alert asynchronously.
func (d *Dispatcher) NotifyDeadLetter(payload DeadLetterPayload) error {
	payload.Type = EventJobDeadLettered
	if payload.DeliveryID == "" {
		payload.DeliveryID = uuid.NewString()
	}
	return d.enqueue(payload.Type, payload)
}

// NotifyDivergence implements reconcile.Alerter.
func (d *Dispatcher) NotifyDivergence(_ context.Context, window reconcile.Window, issuerTotal, chainTotal, divergenceBps int64) error {
	return d.notifyDivergence(DivergencePayload{
		WindowStart:   window.Start,
		WindowEnd:     window.End,
		IssuerTotal:   issuerTotal,
		ChainTotal:    chainTotal,
		DivergenceBps: divergenceBps,
	})
}

func (d *Dispatcher) notifyDivergence(payload DivergencePayload) error {
	payload.Type = EventReconcileDivergence
	if payload.DeliveryID == "" {
		payload.DeliveryID = uuid.NewString()
	}
	return d.enqueue(payload.Type, payload)
}

// NotifyJobDeadLetter implements queue.Alerter: it is invoked whenever the
// submission queue routes a job to its dead-letter store.
func (d *Dispatcher) NotifyJobDeadLetter(kind, owner, authID, reason string) error {
	return d.NotifyDeadLetter(DeadLetterPayload{
		Kind:       kind,
		Owner:      owner,
		AuthID:     authID,
		Reason:     reason,
		OccurredAt: time.Now(),
	})
}

func (d *Dispatcher) enqueue(eventType EventType, body interface{}) error {
	if d == nil {
		return errors.New("alerting: dispatcher not initialised")
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	select {
	case d.queue <- delivery{eventType: eventType, body: data}:
		return nil
	case <-d.ctx.Done():
		return errors.New("alerting: dispatcher closed")
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case job := <-d.queue:
			d.process(job)
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) process(job delivery) {
	attempt := 0
	backoff := d.minBackoff
	for {
		attempt++
		ctx, cancel := context.WithTimeout(d.ctx, d.client.Timeout)
		err := d.send(ctx, job)
		cancel()
		if err == nil {
			return
		}
		if attempt >= d.maxAttempts {
			return
		}
		select {
		case <-time.After(backoff):
		case <-d.ctx.Done():
			return
		}
		backoff = nextBackoff(backoff, d.maxBackoff)
	}
}

func (d *Dispatcher) send(ctx context.Context, job delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(job.body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Cardcredit-Event", string(job.eventType))
	req.Header.Set("X-Cardcredit-Signature", d.sign(job.body))
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("alerting: delivery failed with status %d", resp.StatusCode)
}

func (d *Dispatcher) sign(body []byte) string {
	mac := hmac.New(sha256.New, d.secret)
	_, _ = mac.Write(body)
	sum := mac.Sum(nil)
	return "sha256=" + hex.EncodeToString(sum)
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	if next < current {
		return max
	}
	return next
}
