package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hongminglow/sampledeck-billing/internal/models"
)

func TestRecorderCounts(t *testing.T) {
	r, err := New(nil)
	require.NoError(t, err)

	r.ObserveWebhook("checkout.session.completed", "applied", 20*time.Millisecond)
	r.ObserveWebhook("checkout.session.completed", "applied", 10*time.Millisecond)
	r.ObserveWebhook("", "invalid_signature", time.Millisecond)
	r.CreditsGranted(models.TransactionPurchase, 50)
	r.CreditsGranted(models.TransactionSubscription, 100)
	r.CreditsGranted(models.TransactionPurchase, 130)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.events.WithLabelValues("checkout.session.completed", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.events.WithLabelValues("unverified", "invalid_signature")))
	assert.Equal(t, 180.0, testutil.ToFloat64(r.credits.WithLabelValues("purchase")))
	assert.Equal(t, 100.0, testutil.ToFloat64(r.credits.WithLabelValues("subscription")))
}

func TestRecorderRejectsDoubleRegistration(t *testing.T) {
	reg := promclient.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func TestHandlerExposesMetrics(t *testing.T) {
	r, err := New(nil)
	require.NoError(t, err)
	r.CreditsGranted(models.TransactionPurchase, 50)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `sampledeck_billing_credits_granted_total{type="purchase"} 50`)
}
