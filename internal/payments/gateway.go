package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

// ErrCheckoutSessionNotFound is returned when no checkout session matches a payment intent.
var ErrCheckoutSessionNotFound = errors.New("payments: checkout session not found")

// CheckoutRequest describes the checkout session to open for a transaction.
type CheckoutRequest struct {
	TransactionID string
	Plan          Plan
	Currency      string
	SuccessURL    string
	CancelURL     string
	Metadata      map[string]string
}

// CheckoutSession is the provider-side session.
type CheckoutSession struct {
	ID       string
	URL      string
	Metadata map[string]string
}

// Gateway talks to the payment provider.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, request CheckoutRequest) (CheckoutSession, error)
	CheckoutSessionForPaymentIntent(ctx context.Context, paymentIntentID string) (CheckoutSession, error)
}

// StripeGateway implements Gateway with the Stripe API.
type StripeGateway struct {
	api *client.API
}

// NewStripeGateway constructs a gateway authenticated with secretKey.
func NewStripeGateway(secretKey string) *StripeGateway {
	return &StripeGateway{api: client.New(secretKey, nil)}
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, request CheckoutRequest) (CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(request.SuccessURL),
		CancelURL:         stripe.String(request.CancelURL),
		ClientReferenceID: stripe.String(request.TransactionID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(request.Currency),
					UnitAmount: stripe.Int64(request.Plan.AmountCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(fmt.Sprintf("%s plan: %d credits", request.Plan.Name, request.Plan.Credits)),
					},
				},
			},
		},
		Metadata: request.Metadata,
	}
	params.Context = ctx

	session, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("create checkout session: %w", err)
	}
	return CheckoutSession{ID: session.ID, URL: session.URL, Metadata: session.Metadata}, nil
}

func (g *StripeGateway) CheckoutSessionForPaymentIntent(ctx context.Context, paymentIntentID string) (CheckoutSession, error) {
	params := &stripe.CheckoutSessionListParams{PaymentIntent: stripe.String(paymentIntentID)}
	params.Context = ctx
	params.Limit = stripe.Int64(1)

	iter := g.api.CheckoutSessions.List(params)
	for iter.Next() {
		session := iter.CheckoutSession()
		return CheckoutSession{ID: session.ID, URL: session.URL, Metadata: session.Metadata}, nil
	}
	if err := iter.Err(); err != nil {
		return CheckoutSession{}, fmt.Errorf("list checkout sessions: %w", err)
	}
	return CheckoutSession{}, ErrCheckoutSessionNotFound
}
