package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"

	"github.com/hongminglow/sampledeck-billing/internal/reconcile"
)

var _ reconcile.SubscriptionFetcher = (*SubscriptionClient)(nil)

// SubscriptionClient re-reads subscriptions from the Stripe API.
type SubscriptionClient struct {
	api *client.API
}

// NewSubscriptionClient uses a per-instance client rather than stripe-go's globals.
func NewSubscriptionClient(secretKey string) *SubscriptionClient {
	return NewSubscriptionClientWithBackends(secretKey, nil)
}

// NewSubscriptionClientWithBackends lets callers point the client at another API host.
func NewSubscriptionClientWithBackends(secretKey string, backends *stripe.Backends) *SubscriptionClient {
	sc := &client.API{}
	sc.Init(secretKey, backends)
	return &SubscriptionClient{api: sc}
}

// FetchSubscription returns the provider's current view of subscription id.
func (c *SubscriptionClient) FetchSubscription(ctx context.Context, id string) (reconcile.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := c.api.Subscriptions.Get(id, params)
	if err != nil {
		return reconcile.Subscription{}, mapStripeError(err)
	}
	return toSubscription(sub), nil
}

// mapStripeError turns a missing resource into a permanent defect; anything
// else stays retryable.
func mapStripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode == http.StatusNotFound || stripeErr.Code == stripe.ErrorCodeResourceMissing {
			return fmt.Errorf("%w: %s", reconcile.ErrMalformedEvent, stripeErr.Msg)
		}
		return fmt.Errorf("stripe api (status %d): %w", stripeErr.HTTPStatusCode, err)
	}
	return fmt.Errorf("stripe api: %w", err)
}
