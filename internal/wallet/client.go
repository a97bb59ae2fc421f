// Package wallet is the HTTP adapter for the external wallet authority that
// holds user cards, approves spend mandates and performs time-boxed card
// reveals. All failures come back as *upstream.Error so the checkout
// classifier can match on a closed set of kinds.
package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/shaniyakir/nekuda-agentic-wallet/internal/upstream"
)

const serviceName = "wallet"

// Client talks to the wallet authority's REST API.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// BillingDetails is the non-sensitive billing profile kept by the wallet.
type BillingDetails struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Phone   string `json:"phone"`
	Zip     string `json:"zip"`
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
}

type mandateRequest struct {
	UserID      string `json:"user_id"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	Merchant    string `json:"merchant"`
	Summary     string `json:"summary"`
}

type mandateResponse struct {
	MandateID string `json:"mandate_id"`
}

type revealTokenRequest struct {
	UserID    string `json:"user_id"`
	MandateID string `json:"mandate_id"`
}

type revealTokenResponse struct {
	RevealToken string `json:"reveal_token"`
}

type revealResponse struct {
	CardNumber     string `json:"card_number"`
	CardExpiryDate string `json:"card_expiry_date"`
	CardCVV        string `json:"card_cvv"`
	CardholderName string `json:"cardholder_name"`
	Last4          string `json:"last4"`
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// CreateMandate requests spend approval for exactly amountMinor. The amount
// is always server-computed by the caller from the catalog.
func (c *Client) CreateMandate(ctx context.Context, userID string, amountMinor int64, currency, merchant, summary string) (string, error) {
	var resp mandateResponse
	err := c.do(ctx, http.MethodPost, "/request/create_mandate", "", mandateRequest{
		UserID:      userID,
		AmountMinor: amountMinor,
		Currency:    currency,
		Merchant:    merchant,
		Summary:     summary,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.MandateID, nil
}

// RequestRevealToken obtains the short-lived capability for one card reveal
// tied to an approved mandate.
func (c *Client) RequestRevealToken(ctx context.Context, userID, mandateID string) (string, error) {
	var resp revealTokenResponse
	err := c.do(ctx, http.MethodPost, "/request/reveal_card_token", "", revealTokenRequest{
		UserID:    userID,
		MandateID: mandateID,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.RevealToken, nil
}

// RevealCard redeems a reveal token for card credentials. The response body
// is decoded into a RawCard and never held anywhere else; a reveal with
// missing fields returns ErrIncompleteCard without echoing partial data.
func (c *Client) RevealCard(ctx context.Context, revealToken string) (RawCard, error) {
	var resp revealResponse
	if err := c.do(ctx, http.MethodGet, "/wallet/reveal_card_details", revealToken, nil, &resp); err != nil {
		return RawCard{}, err
	}
	return ParseRevealedCard(resp.CardNumber, resp.CardExpiryDate, resp.CardCVV, resp.CardholderName, resp.Last4)
}

// GetBillingDetails fetches the user's billing profile.
func (c *Client) GetBillingDetails(ctx context.Context, userID string) (*BillingDetails, error) {
	var resp BillingDetails
	if err := c.do(ctx, http.MethodGet, "/user/"+userID+"/billing_details", "", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do performs one request. bearer overrides the API key header when set (the
// reveal endpoint authenticates with the reveal token, not the merchant key).
func (c *Client) do(ctx context.Context, method, path, bearer string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &upstream.Error{Kind: upstream.KindUnknown, Service: serviceName, Message: err.Error()}
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return &upstream.Error{Kind: upstream.KindUnknown, Service: serviceName, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	} else {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return connectionError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return connectionError(err)
	}

	if resp.StatusCode >= 400 {
		return c.apiErrorFrom(resp.StatusCode, respBody)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return &upstream.Error{
				Kind:    upstream.KindUnknown,
				Service: serviceName,
				Message: fmt.Sprintf("decode response: %v", err),
			}
		}
	}
	return nil
}

func (c *Client) apiErrorFrom(status int, body []byte) *upstream.Error {
	var parsed apiError
	_ = json.Unmarshal(body, &parsed)

	kind := upstream.FromStatus(status)
	switch parsed.Error.Code {
	case "cvv_expired", "cvv_invalid", "cvv_required":
		kind = upstream.KindCVVRejected
	case "card_not_found", "user_not_found", "mandate_not_found":
		kind = upstream.KindNotFound
	}

	msg := parsed.Error.Message
	if msg == "" {
		msg = http.StatusText(status)
	}

	return &upstream.Error{
		Kind:       kind,
		StatusCode: status,
		Code:       parsed.Error.Code,
		Message:    msg,
		Service:    serviceName,
	}
}

func connectionError(err error) *upstream.Error {
	// http.Client wraps transport failures in *url.Error, which implements
	// net.Error; anything else here is genuinely unexpected.
	kind := upstream.KindUnknown
	var netErr net.Error
	if errors.As(err, &netErr) {
		kind = upstream.KindConnection
	}
	return &upstream.Error{Kind: kind, Service: serviceName, Message: err.Error()}
}
