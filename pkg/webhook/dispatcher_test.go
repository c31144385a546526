package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acnlabs/acn/pkg/audit"
	"github.com/acnlabs/acn/pkg/config"
	"github.com/acnlabs/acn/pkg/storage"
)

func testConfig(url string) *config.Config {
	return &config.Config{
		WebhookURL:          url,
		WebhookSecret:       "test-secret",
		WebhookAttempts:     3,
		WebhookBackoff:      5 * time.Millisecond,
		CollaboratorTimeout: 2 * time.Second,
	}
}

func startDispatcher(t *testing.T, cfg *config.Config) (*Dispatcher, *audit.Broker, storage.Ephemeral) {
	t.Helper()
	broker := audit.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	eph := storage.NewMemoryEphemeral()
	d := NewDispatcher(cfg, broker, eph)
	d.Start()
	t.Cleanup(d.Stop)
	return d, broker, eph
}

func TestDeliverSignedEvent(t *testing.T) {
	var gotSig atomic.Value
	var gotBody atomic.Value

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(body)
		gotSig.Store(r.Header.Get(SignatureHeader))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	_, broker, eph := startDispatcher(t, testConfig(server.URL))

	broker.Publish(&audit.Event{
		Type:    audit.EventTaskCreated,
		Payload: map[string]interface{}{"task_id": "task-1"},
	})

	deadline := time.Now().Add(3 * time.Second)
	for len(eph.ListWebhookDeliveries()) == 0 {
		require.False(t, time.Now().After(deadline), "delivery never recorded")
		time.Sleep(10 * time.Millisecond)
	}

	deliveries := eph.ListWebhookDeliveries()
	require.Len(t, deliveries, 1)
	assert.True(t, deliveries[0].Delivered)
	assert.Equal(t, audit.EventTaskCreated, deliveries[0].Event)
	assert.Equal(t, 1, deliveries[0].Attempts)
	require.NotNil(t, deliveries[0].DeliveredAt)

	body := gotBody.Load().([]byte)
	sig := gotSig.Load().(string)
	assert.True(t, Verify([]byte("test-secret"), body, sig))

	var env envelope
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, audit.EventTaskCreated, env.Event)
	assert.Equal(t, "task-1", env.Data["task_id"])
}

func TestRetryThenSucceed(t *testing.T) {
	var calls atomic.Int64

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	_, broker, eph := startDispatcher(t, testConfig(server.URL))

	broker.Publish(&audit.Event{Type: audit.EventTaskCompleted})

	deadline := time.Now().Add(3 * time.Second)
	for len(eph.ListWebhookDeliveries()) == 0 {
		require.False(t, time.Now().After(deadline), "delivery never recorded")
		time.Sleep(10 * time.Millisecond)
	}

	deliveries := eph.ListWebhookDeliveries()
	require.Len(t, deliveries, 1)
	assert.True(t, deliveries[0].Delivered)
	assert.Equal(t, 3, deliveries[0].Attempts)
}

func TestExhaustedRetriesRecordFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, broker, eph := startDispatcher(t, testConfig(server.URL))

	broker.Publish(&audit.Event{Type: audit.EventTaskRejected})

	deadline := time.Now().Add(3 * time.Second)
	for len(eph.ListWebhookDeliveries()) == 0 {
		require.False(t, time.Now().After(deadline), "delivery never recorded")
		time.Sleep(10 * time.Millisecond)
	}

	deliveries := eph.ListWebhookDeliveries()
	require.Len(t, deliveries, 1)
	assert.False(t, deliveries[0].Delivered)
	assert.Equal(t, 3, deliveries[0].Attempts)
	assert.Contains(t, deliveries[0].LastError, "500")
}

func TestNonTaskEventsIgnored(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	_, broker, eph := startDispatcher(t, testConfig(server.URL))

	broker.Publish(&audit.Event{Type: audit.EventAgentRegistered})
	broker.Publish(&audit.Event{Type: audit.EventTunnelOpened})
	broker.Publish(&audit.Event{Type: audit.EventPaymentTaskCreated})

	deadline := time.Now().Add(3 * time.Second)
	for len(eph.ListWebhookDeliveries()) == 0 {
		require.False(t, time.Now().After(deadline), "payment_task delivery never recorded")
		time.Sleep(10 * time.Millisecond)
	}

	deliveries := eph.ListWebhookDeliveries()
	require.Len(t, deliveries, 1)
	assert.Equal(t, audit.EventPaymentTaskCreated, deliveries[0].Event)
	assert.Equal(t, int64(1), calls.Load())
}

func TestIdleWithoutURL(t *testing.T) {
	broker := audit.NewBroker()
	broker.Start()
	defer broker.Stop()

	d := NewDispatcher(testConfig(""), broker, storage.NewMemoryEphemeral())
	d.Start()
	d.Stop() // must not hang

	assert.Equal(t, 0, broker.SubscriberCount())
}

func TestShouldDeliver(t *testing.T) {
	tests := []struct {
		event string
		want  bool
	}{
		{audit.EventTaskCreated, true},
		{audit.EventTaskCancelled, true},
		{audit.EventPaymentTaskUpdated, true},
		{audit.EventAgentRegistered, false},
		{audit.EventMessageFailed, false},
		{audit.EventTunnelClosed, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, shouldDeliver(tt.event), tt.event)
	}
}
