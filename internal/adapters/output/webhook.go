package output

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/eveguard/internal/domain"
)

const applicationJSON = "application/json"

// ErrWebhookQueueFull is returned by Record when the delivery queue is full
// and the action was dropped.
var ErrWebhookQueueFull = errors.New("webhook queue full")

type WebhookConfig struct {
	URL          string
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Timeout      time.Duration

	// QueueSize bounds actions waiting for delivery.
	QueueSize int
	// DrainTimeout bounds how long Close waits for queued deliveries.
	DrainTimeout time.Duration
}

func DefaultWebhookConfig(url string) WebhookConfig {
	return WebhookConfig{
		URL:          url,
		RetryMax:     3,
		RetryWaitMin: 1 * time.Second,
		RetryWaitMax: 10 * time.Second,
		Timeout:      10 * time.Second,
		QueueSize:    64,
		DrainTimeout: 5 * time.Second,
	}
}

// Webhook POSTs each block action as JSON from a single background worker,
// so a slow endpoint never delays the caller. Transient failures are retried
// by the HTTP client; final failures are logged.
type Webhook struct {
	url          string
	http         *retryablehttp.Client
	drainTimeout time.Duration

	queue  chan domain.Action
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewWebhook(config WebhookConfig) (*Webhook, error) {
	if config.URL == "" {
		return nil, errors.New("webhook url required")
	}

	client := retryablehttp.NewClient()
	client.RetryMax = config.RetryMax
	client.RetryWaitMin = config.RetryWaitMin
	client.RetryWaitMax = config.RetryWaitMax
	client.HTTPClient.Timeout = config.Timeout
	client.Logger = nil

	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Webhook{
		url:          config.URL,
		http:         client,
		drainTimeout: config.DrainTimeout,
		queue:        make(chan domain.Action, config.QueueSize),
		ctx:          ctx,
		cancel:       cancel,
	}
	w.wg.Add(1)
	go w.worker()
	return w, nil
}

type webhookPayload struct {
	Event  string        `json:"event"`
	Action domain.Action `json:"action"`
}

// Record implements ports.ActionRecorder. It queues the action and returns
// immediately; a full queue drops the action.
func (w *Webhook) Record(_ context.Context, action domain.Action) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return errors.New("webhook closed")
	}

	select {
	case w.queue <- action:
		return nil
	default:
		log.Warn().Str("address", action.Address).Str("id", action.ID).Msg("Webhook queue full, dropping action")
		return ErrWebhookQueueFull
	}
}

func (w *Webhook) worker() {
	defer w.wg.Done()
	for action := range w.queue {
		if err := w.Deliver(w.ctx, action); err != nil {
			log.Error().Err(err).Str("address", action.Address).Str("id", action.ID).Msg("Webhook delivery failed")
		}
	}
}

// Deliver POSTs one action and waits for the final answer.
func (w *Webhook) Deliver(ctx context.Context, action domain.Action) error {
	body, err := json.Marshal(webhookPayload{Event: "block", Action: action})
	if err != nil {
		return errors.Wrap(err, "encode webhook payload")
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build webhook request")
	}
	req.Header.Set("Content-Type", applicationJSON)

	resp, err := w.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "send webhook")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return errors.Newf("webhook returned %s", resp.Status)
	}
	return nil
}

// Close stops accepting actions and waits up to the drain timeout for queued
// deliveries; whatever is still in flight after that is abandoned.
func (w *Webhook) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(drained)
	}()

	var err error
	if w.drainTimeout > 0 {
		timer := time.NewTimer(w.drainTimeout)
		select {
		case <-drained:
		case <-timer.C:
			err = errors.Newf("webhook deliveries abandoned after %s", w.drainTimeout)
		}
		timer.Stop()
	}
	w.cancel()
	<-drained

	w.http.HTTPClient.CloseIdleConnections()
	return err
}
