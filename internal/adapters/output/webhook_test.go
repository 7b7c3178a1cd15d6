package output

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastWebhook(t *testing.T, url string) *Webhook {
	t.Helper()
	config := DefaultWebhookConfig(url)
	config.RetryWaitMin = time.Millisecond
	config.RetryWaitMax = 5 * time.Millisecond
	config.Timeout = 2 * time.Second
	w, err := NewWebhook(config)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func TestWebhookPostsAction(t *testing.T) {
	var got webhookPayload
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := fastWebhook(t, srv.URL)
	defer w.Close()

	require.NoError(t, w.Deliver(context.Background(), testAction(7)))
	assert.Equal(t, applicationJSON, contentType)
	assert.Equal(t, "block", got.Event)
	assert.Equal(t, "10.0.0.7", got.Action.Address)
	assert.Equal(t, "id-7", got.Action.ID)
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := fastWebhook(t, srv.URL)
	require.NoError(t, w.Deliver(context.Background(), testAction(1)))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookReportsClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	w := fastWebhook(t, srv.URL)
	err := w.Deliver(context.Background(), testAction(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhookRequiresURL(t *testing.T) {
	_, err := NewWebhook(DefaultWebhookConfig(""))
	assert.Error(t, err)
}

func TestWebhookRecordDoesNotWaitForDelivery(t *testing.T) {
	release := make(chan struct{})
	received := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p webhookPayload
		_ = json.NewDecoder(r.Body).Decode(&p)
		<-release
		received <- p.Action.ID
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	w := fastWebhook(t, srv.URL)

	start := time.Now()
	for i := 1; i <= 3; i++ {
		require.NoError(t, w.Record(context.Background(), testAction(i)))
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Len(t, received, 0)

	release <- struct{}{}
	release <- struct{}{}
	release <- struct{}{}
	for _, want := range []string{"id-1", "id-2", "id-3"} {
		select {
		case got := <-received:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatal("queued action not delivered")
		}
	}
}

func TestWebhookDropsWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(block)

	config := DefaultWebhookConfig(srv.URL)
	config.QueueSize = 1
	config.DrainTimeout = 0
	w, err := NewWebhook(config)
	require.NoError(t, err)
	defer w.Close()

	// The worker holds one action in flight and the queue holds one more.
	require.NoError(t, w.Record(context.Background(), testAction(1)))
	require.Eventually(t, func() bool { return len(w.queue) == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, w.Record(context.Background(), testAction(2)))

	err = w.Record(context.Background(), testAction(3))
	assert.ErrorIs(t, err, ErrWebhookQueueFull)
}

func TestWebhookCloseAbandonsStuckDelivery(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	config := DefaultWebhookConfig(srv.URL)
	config.DrainTimeout = 50 * time.Millisecond
	w, err := NewWebhook(config)
	require.NoError(t, err)

	require.NoError(t, w.Record(context.Background(), testAction(1)))

	start := time.Now()
	assert.Error(t, w.Close())
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Error(t, w.Record(context.Background(), testAction(2)))
	assert.NoError(t, w.Close())
}
