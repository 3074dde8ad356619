package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/invorto-ai/invorto/internal/config"
	"github.com/invorto-ai/invorto/internal/observe"
)

// requestTimeout bounds a single webhook POST.
const requestTimeout = 10 * time.Second

// Dispatcher drains a [Queue] with a fixed worker pool and POSTs each
// delivery to its tenant endpoint. Failed deliveries are retried in place
// with exponential backoff; once the attempt budget is spent they move to
// the [DeadLetters] store.
type Dispatcher struct {
	queue   Queue
	dead    DeadLetters
	cfg     config.WebhookConfig
	client  *http.Client
	metrics *observe.Metrics

	wg     sync.WaitGroup
	cancel context.CancelFunc
	once   sync.Once
}

// NewDispatcher creates a [Dispatcher]. A nil client gets a default with a
// per-request timeout; a nil metrics falls back to
// [observe.DefaultMetrics].
func NewDispatcher(queue Queue, dead DeadLetters, cfg config.WebhookConfig, client *http.Client, metrics *observe.Metrics) *Dispatcher {
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Dispatcher{
		queue:   queue,
		dead:    dead,
		cfg:     cfg,
		client:  client,
		metrics: metrics,
	}
}

// Start launches the worker pool. Workers run until [Dispatcher.Stop].
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

// Stop cancels the workers and waits for in-flight deliveries to settle.
func (d *Dispatcher) Stop() {
	d.once.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		d.wg.Wait()
	})
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		delivery, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("webhook: dequeue failed", "error", err)
			continue
		}
		d.metrics.WebhookQueueDepth.Add(ctx, -1)
		d.deliver(ctx, delivery)
	}
}

// deliver POSTs the delivery, retrying with exponential backoff until it
// succeeds, the context is cancelled, or the attempt budget is exhausted.
func (d *Dispatcher) deliver(ctx context.Context, delivery Delivery) {
	for delivery.Attempts < d.cfg.MaxAttempts {
		delivery.Attempts++

		err := d.post(ctx, delivery)
		if err == nil {
			return
		}
		delivery.LastError = err.Error()
		slog.Warn("webhook: delivery attempt failed",
			"tenant", delivery.TenantID,
			"attempt", delivery.Attempts,
			"max_attempts", d.cfg.MaxAttempts,
			"error", err)

		if delivery.Attempts >= d.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			// Shutdown mid-retry: requeue so another node can finish.
			if err := d.queue.Enqueue(context.WithoutCancel(ctx), delivery); err != nil {
				slog.Error("webhook: requeue on shutdown failed",
					"delivery", delivery.ID, "error", err)
			}
			return
		case <-time.After(d.retryDelay(delivery.Attempts)):
		}
	}

	d.metrics.WebhookDeadLetters.Add(ctx, 1)
	if err := d.dead.Push(ctx, delivery); err != nil {
		slog.Error("webhook: push to dead letters failed",
			"delivery", delivery.ID, "error", err)
	}
}

// retryDelay doubles the base backoff per attempt up to the configured cap.
func (d *Dispatcher) retryDelay(attempt int) time.Duration {
	delay := d.cfg.BaseBackoff()
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= d.cfg.Cap() {
			return d.cfg.Cap()
		}
	}
	if limit := d.cfg.Cap(); delay > limit {
		return limit
	}
	return delay
}

// post performs one signed POST. Any status outside 2xx counts as failure.
func (d *Dispatcher) post(ctx context.Context, delivery Delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, delivery.URL, bytes.NewReader(delivery.Body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(delivery.Secret, delivery.SignedAtUnix, delivery.Body))
	req.Header.Set(EventHeader, delivery.Kind)

	start := time.Now()
	resp, err := d.client.Do(req)
	d.metrics.WebhookDeliveryDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// ListDead returns up to limit dead deliveries for inspection.
func (d *Dispatcher) ListDead(ctx context.Context, limit int) ([]Delivery, error) {
	return d.dead.List(ctx, limit)
}

// RetryDead moves one dead delivery back onto the queue with a fresh
// attempt budget. The signature timestamp is preserved.
func (d *Dispatcher) RetryDead(ctx context.Context, id string) error {
	delivery, err := d.dead.Take(ctx, id)
	if err != nil {
		return err
	}
	delivery.Attempts = 0
	delivery.LastError = ""
	if err := d.queue.Enqueue(ctx, delivery); err != nil {
		return err
	}
	d.metrics.WebhookQueueDepth.Add(ctx, 1)
	return nil
}

// PurgeDead drops all dead deliveries and reports how many were removed.
func (d *Dispatcher) PurgeDead(ctx context.Context) (int, error) {
	return d.dead.Purge(ctx)
}
