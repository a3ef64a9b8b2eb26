// Package payments wraps stripe-go PaymentIntent flows for fare holds: a
// hold is placed when an immediate ride is ordered, captured on completion
// and released on cancellation. Failures here are logged by callers and
// never affect ride state.
package payments

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/shopspring/decimal"
)

// FareHolder is the subset of payment operations the lifecycle needs.
type FareHolder interface {
	Hold(ctx context.Context, amount decimal.Decimal, currency string) (string, error)
	Capture(ctx context.Context, holdID string) error
	Release(ctx context.Context, holdID string) error
}

// StripeClient holds fares via PaymentIntents with manual capture.
type StripeClient struct{}

// NewStripeClient initializes the package-global stripe key.
func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

func (s *StripeClient) Hold(ctx context.Context, amount decimal.Decimal, currency string) (string, error) {
	// Stripe amounts are in the currency's minor unit.
	minor := amount.Mul(decimal.NewFromInt(100)).IntPart()
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(minor),
		Currency:      stripe.String(currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

func (s *StripeClient) Capture(ctx context.Context, holdID string) error {
	_, err := paymentintent.Capture(holdID, nil)
	return err
}

func (s *StripeClient) Release(ctx context.Context, holdID string) error {
	_, err := paymentintent.Cancel(holdID, nil)
	return err
}
