package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dragonpos "github.com/ZanzyTHEbar/dragonscale-pos"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/eventbus"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/receipt"
)

func TestCollectors_Observe(t *testing.T) {
	c := New()

	c.AttemptStarted(1)
	c.AttemptStarted(2)
	c.ValidationRejected(1)
	c.ToolExecuted("add_item_to_transaction", dragonpos.ToolStatusOK)
	c.ToolExecuted("add_item_to_transaction", dragonpos.ToolStatusClarification)
	c.ToolExecuted("add_item_to_transaction", dragonpos.ToolStatusOK)
	c.InferenceFinished(true, 2, 1500*time.Millisecond)
	c.TurnCompleted("inference", true, time.Second)
	c.SyncCompleted(receipt.ItemsUpdated, 10*time.Millisecond)
	c.SyncFailed()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.Attempts))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Rejections))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.ToolExecutions.WithLabelValues("add_item_to_transaction", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Inferences.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Turns.WithLabelValues("inference", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Syncs.WithLabelValues("ItemsUpdated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.SyncFailures))
}

func TestCollectors_Handler(t *testing.T) {
	c := New()
	c.AttemptStarted(1)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "posagent_inference_attempts_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestNew_IndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.SyncFailed()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.SyncFailures))
}

func TestCollectors_CountsConversationEvents(t *testing.T) {
	c := New()
	bus := eventbus.NewChannelEventBus()
	defer bus.Close()
	_, err := c.Subscribe(bus)
	require.NoError(t, err)

	ctx := context.Background()
	publish := func(evt eventbus.Event) {
		require.NoError(t, bus.Publish(ctx, evt))
	}
	publish(eventbus.NewEvent(eventbus.EventPaymentStateChanged, string(dragonpos.PaymentMethodRequested), "test", nil))
	publish(eventbus.NewEvent(eventbus.EventPaymentStateChanged, string(dragonpos.PaymentCompleted), "test", nil))
	publish(eventbus.NewEvent(eventbus.EventPaymentCompleted, "s1", "test", map[string]interface{}{"method": "card"}))
	publish(eventbus.NewEvent(eventbus.EventPaymentCompleted, "s2", "test", nil))
	publish(eventbus.NewEvent(eventbus.EventNextCustomerPrepared, "manual", "test", map[string]interface{}{"abandoned_order": false}))
	publish(eventbus.NewEvent(eventbus.EventNextCustomerPrepared, "manual", "test", map[string]interface{}{"abandoned_order": true}))
	publish(eventbus.NewEvent(eventbus.EventTurnStarted, "two kopi", "test", nil))

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(c.Resets.WithLabelValues("abandoned")) == 1 &&
			testutil.ToFloat64(c.Resets.WithLabelValues("paid")) == 1 &&
			testutil.ToFloat64(c.Payments.WithLabelValues("card")) == 1 &&
			testutil.ToFloat64(c.Payments.WithLabelValues("unknown")) == 1 &&
			testutil.ToFloat64(c.PaymentStates.WithLabelValues("Completed")) == 1 &&
			testutil.ToFloat64(c.PaymentStates.WithLabelValues("PaymentMethodRequested")) == 1
	}, time.Second, 5*time.Millisecond)
}
