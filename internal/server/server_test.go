package server

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hongminglow/sampledeck-billing/internal/catalog"
	"github.com/hongminglow/sampledeck-billing/internal/config"
	"github.com/hongminglow/sampledeck-billing/internal/models"
	"github.com/hongminglow/sampledeck-billing/internal/payment/stripe"
	"github.com/hongminglow/sampledeck-billing/internal/payment/stripe/stripetest"
	"github.com/hongminglow/sampledeck-billing/internal/reconcile"
	"github.com/hongminglow/sampledeck-billing/internal/storage/memory"
)

func TestServerRoutesAndMetrics(t *testing.T) {
	store := memory.New()
	store.PutUser(models.User{ID: 42, Credits: 10})
	cfg := config.Config{
		Port:           "0",
		WebhookSecret:  stripetest.Secret,
		Catalog:        catalog.New(map[string]int64{"p100": 50}),
		RenewalCredits: 100,
		WebhookTimeout: time.Second,
		JWTSecret:      "secret",
		JWTIssuer:      "sampledeck",
		CORSOrigins:    []string{"*"},
	}
	srv, err := New(cfg, store, nil, zap.NewNop())
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	session := stripetest.CheckoutSession("cs_1", "payment", "paid", "cus_1", "42", map[string]string{"productId": "p100"})
	payload := stripetest.Event("evt_1", reconcile.TypeCheckoutCompleted, time.Now(), session)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/webhooks/stripe", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set(stripe.SignatureHeader, stripetest.Sign(payload, stripetest.Secret))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `sampledeck_billing_webhook_events_total{event_type="checkout.session.completed",outcome="applied"} 1`)
	assert.Contains(t, string(body), `sampledeck_billing_credits_granted_total{type="purchase"} 50`)

	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
