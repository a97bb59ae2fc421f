// Package processor adapts the Stripe SDK to the narrow surface the
// orchestrator needs: exchange raw card fields for an opaque payment-method
// reference, and create-and-confirm idempotent charges against that
// reference. Stripe's exception hierarchy is flattened into *upstream.Error
// at this boundary.
package processor

import (
	"context"
	"errors"
	"fmt"

	stripe "github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"

	"github.com/shaniyakir/nekuda-agentic-wallet/internal/upstream"
)

const serviceName = "stripe"

// ChargeResult is the settled charge's identity and final status.
type ChargeResult struct {
	ChargeID string
	Status   string
}

// StripeClient wraps the Stripe API client.
type StripeClient struct {
	sc *client.API
}

func NewStripeClient(secretKey string) *StripeClient {
	return &StripeClient{sc: client.New(secretKey, nil)}
}

// TokenizeCard exchanges raw card fields for a durable payment-method
// reference. It implements wallet.CardSink: the raw fields arrive here
// directly from the reveal and leave only inside the Stripe request.
func (s *StripeClient) TokenizeCard(ctx context.Context, pan, expMonth, expYear, cvv, holder string) (string, error) {
	tokParams := &stripe.TokenParams{
		Card: &stripe.CardParams{
			Number:   stripe.String(pan),
			ExpMonth: stripe.String(expMonth),
			ExpYear:  stripe.String(expYear),
			CVC:      stripe.String(cvv),
		},
	}
	if holder != "" {
		tokParams.Card.Name = stripe.String(holder)
	}
	tokParams.Context = ctx

	tok, err := s.sc.Tokens.New(tokParams)
	if err != nil {
		return "", translate(err)
	}

	pmParams := &stripe.PaymentMethodParams{
		Type: stripe.String(string(stripe.PaymentMethodTypeCard)),
		Card: &stripe.PaymentMethodCardParams{
			Token: stripe.String(tok.ID),
		},
	}
	pmParams.Context = ctx

	pm, err := s.sc.PaymentMethods.New(pmParams)
	if err != nil {
		return "", translate(err)
	}
	return pm.ID, nil
}

// CreateCharge creates and confirms a charge against an opaque reference.
// Stripe deduplicates on idempotencyKey, so a retried call after a network
// timeout returns the original charge instead of creating a second one.
func (s *StripeClient) CreateCharge(ctx context.Context, paymentMethodRef string, amountMinor int64, currency, idempotencyKey string) (*ChargeResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amountMinor),
		Currency:      stripe.String(currency),
		PaymentMethod: stripe.String(paymentMethodRef),
		Confirm:       stripe.Bool(true),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	pi, err := s.sc.PaymentIntents.New(params)
	if err != nil {
		return nil, translate(err)
	}

	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return nil, &upstream.Error{
			Kind:    upstream.KindCardDeclined,
			Code:    string(pi.Status),
			Message: fmt.Sprintf("charge not completed: status %s", pi.Status),
			Service: serviceName,
		}
	}

	return &ChargeResult{ChargeID: pi.ID, Status: string(pi.Status)}, nil
}

// translate maps a Stripe SDK error to the tagged upstream variant.
func translate(err error) *upstream.Error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return &upstream.Error{Kind: upstream.KindConnection, Service: serviceName, Message: err.Error()}
	}

	kind := upstream.FromStatus(se.HTTPStatusCode)
	switch se.Type {
	case stripe.ErrorTypeCard:
		kind = upstream.KindCardDeclined
		if se.Code == stripe.ErrorCodeIncorrectCVC || se.Code == stripe.ErrorCodeInvalidCVC {
			kind = upstream.KindCVVRejected
		}
	case stripe.ErrorType("authentication_error"):
		kind = upstream.KindAuth
	case stripe.ErrorTypeInvalidRequest:
		if kind != upstream.KindNotFound {
			kind = upstream.KindValidation
		}
	}

	msg := se.Msg
	if se.DeclineCode != "" {
		msg = fmt.Sprintf("%s (%s)", msg, se.DeclineCode)
	}

	return &upstream.Error{
		Kind:       kind,
		StatusCode: se.HTTPStatusCode,
		Code:       string(se.Code),
		Message:    msg,
		Service:    serviceName,
	}
}
