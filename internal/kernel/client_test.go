package kernel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRemote(t *testing.T) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(NewHandler(NewMemoryKernel(WithTaxRate(0.09))))
	t.Cleanup(srv.Close)
	return NewHTTPClient(srv.URL+"/", WithHTTPClient(srv.Client()))
}

func TestHTTPClient_RoundTrip(t *testing.T) {
	c := newRemote(t)
	ctx := context.Background()

	sid, tid := openTx(t, c)
	assert.NotEmpty(t, sid)
	assert.NotEmpty(t, tid)

	line, err := c.AddLineItem(ctx, sid, tid, AddLineItemRequest{SKU: "KOPI", Name: "Kopi", Quantity: 2, UnitPrice: 1.40})
	require.NoError(t, err)
	assert.Equal(t, 1, line.LineNumber)
	assert.NotEmpty(t, line.LineItemID)

	snap, err := c.GetTransaction(ctx, sid, tid)
	require.NoError(t, err)
	assert.Equal(t, StateInProgress, snap.State)
	assert.Equal(t, "SGD", snap.Currency)
	assert.InDelta(t, 3.05, snap.Total, 0.001)

	res, err := c.ProcessPayment(ctx, sid, tid, PaymentRequest{Amount: 5, Method: "card"})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.InDelta(t, 1.95, res.Change, 0.001)

	require.NoError(t, c.CloseSession(ctx, sid))
}

func TestHTTPClient_ErrorMapping(t *testing.T) {
	c := newRemote(t)
	ctx := context.Background()

	_, err := c.StartTransaction(ctx, "nope", "SGD")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	sid, tid := openTx(t, c)

	_, err = c.GetTransaction(ctx, sid, "nope")
	assert.ErrorIs(t, err, ErrTransactionNotFound)

	_, err = c.StartTransaction(ctx, sid, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = c.AddLineItem(ctx, sid, tid, AddLineItemRequest{SKU: "KOPI"})
	assert.ErrorIs(t, err, ErrInvalidLineItem)

	_, err = c.ProcessPayment(ctx, sid, tid, PaymentRequest{Amount: 1, Method: "cash"})
	assert.ErrorIs(t, err, ErrTransactionClosed)
}

func TestHTTPClient_InsufficientTenderKeepsResult(t *testing.T) {
	c := newRemote(t)
	ctx := context.Background()
	sid, tid := openTx(t, c)

	_, err := c.AddLineItem(ctx, sid, tid, AddLineItemRequest{SKU: "KOPI", Quantity: 2, UnitPrice: 1.40})
	require.NoError(t, err)

	res, err := c.ProcessPayment(ctx, sid, tid, PaymentRequest{Amount: 1, Method: "cash"})
	assert.ErrorIs(t, err, ErrInsufficientTender)
	require.NotNil(t, res)
	assert.False(t, res.Accepted)
	assert.InDelta(t, 3.05, res.Total, 0.001)
}

func TestHTTPClient_RejectsForeignSchema(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"schema_version": 99, "transaction_id": "x", "state": "Started"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	_, err := c.GetTransaction(context.Background(), "s", "x")
	assert.ErrorIs(t, err, ErrIncompatibleSchema)
}

func TestHandler_Mount(t *testing.T) {
	h := NewHandler(NewMemoryKernel(), WithMount("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sessions", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
