package wallet

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrIncompleteCard means the reveal response was missing a required
	// field. Retryable: a fresh reveal usually returns a complete record.
	ErrIncompleteCard = errors.New("wallet: revealed card data incomplete")
	// ErrBadExpiry means the expiry field could not be parsed.
	ErrBadExpiry = errors.New("wallet: unparseable card expiry")
)

var expiryPattern = regexp.MustCompile(`^(\d{1,2})\s*/\s*(\d{2}|\d{4})$`)

// RawCard holds revealed card credentials. All fields are unexported and the
// only way values leave this type is SubmitTo, which hands them directly to a
// CardSink (the processor's tokenization call). It must never be logged,
// serialized, persisted, or returned across the API boundary; String and
// MarshalJSON are redacted so an accidental attempt leaks nothing.
type RawCard struct {
	pan      string
	expMonth string
	expYear  string
	cvv      string
	holder   string
	last4    string
}

// CardSink consumes raw card fields exactly once, exchanging them for an
// opaque payment-method reference.
type CardSink interface {
	TokenizeCard(ctx context.Context, pan, expMonth, expYear, cvv, holder string) (string, error)
}

// ParseRevealedCard validates completeness and normalizes the expiry. It is
// the only constructor; RawCard fields cannot be set from outside this
// package.
func ParseRevealedCard(pan, expiry, cvv, holder, last4 string) (RawCard, error) {
	if pan == "" || expiry == "" || cvv == "" {
		return RawCard{}, ErrIncompleteCard
	}

	m := expiryPattern.FindStringSubmatch(strings.TrimSpace(expiry))
	if m == nil {
		return RawCard{}, fmt.Errorf("%w: %q", ErrBadExpiry, redactExpiry(expiry))
	}

	month, _ := strconv.Atoi(m[1])
	if month < 1 || month > 12 {
		return RawCard{}, fmt.Errorf("%w: month out of range", ErrBadExpiry)
	}

	year := m[2]
	if len(year) == 2 {
		year = strconv.Itoa(time.Now().Year()/100*100 + mustAtoi(year))
	}

	if last4 == "" && len(pan) >= 4 {
		last4 = pan[len(pan)-4:]
	}

	return RawCard{
		pan:      pan,
		expMonth: strconv.Itoa(month),
		expYear:  year,
		cvv:      cvv,
		holder:   holder,
		last4:    last4,
	}, nil
}

// SubmitTo passes the raw fields to sink and returns the opaque reference.
// The card value itself stays on this stack frame.
func (c RawCard) SubmitTo(ctx context.Context, sink CardSink) (string, error) {
	return sink.TokenizeCard(ctx, c.pan, c.expMonth, c.expYear, c.cvv, c.holder)
}

// Last4 is the only card detail safe to surface.
func (c RawCard) Last4() string { return c.last4 }

func (c RawCard) String() string {
	return fmt.Sprintf("rawcard(****%s)", c.last4)
}

func (c RawCard) MarshalJSON() ([]byte, error) {
	return []byte(`"[redacted]"`), nil
}

// redactExpiry keeps error messages free of anything resembling card data.
func redactExpiry(s string) string {
	if len(s) > 8 {
		s = s[:8]
	}
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return '*'
		}
		return r
	}, s)
}

func mustAtoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
