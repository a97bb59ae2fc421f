// Package handoff issues and verifies the signed capability tokens that bind
// an out-of-band actor (the hosted refresh page, or any future automation
// driver) to exactly one checkout. Tokens are stateless: any process holding
// the shared signing secret can verify a token minted elsewhere, with no
// registry lookup.
package handoff

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMalformed     = errors.New("handoff: malformed token")
	ErrBadSignature  = errors.New("handoff: signature mismatch")
	ErrExpired       = errors.New("handoff: token expired")
	ErrWrongCheckout = errors.New("handoff: token bound to a different checkout")
	ErrMissingSecret = errors.New("handoff: signing secret not configured")
)

// Service mints and verifies checkout handoff tokens.
//
// Wire format: base64url(checkoutID) + "." + hex(expiryEpochMs) + "." +
// hex(HMAC-SHA256(secret, base64url(checkoutID)+"."+hex(expiryEpochMs))).
type Service struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewService(secret string, ttl time.Duration) (*Service, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Service{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// Mint issues a token bound to checkoutID, expiring after the service TTL.
func (s *Service) Mint(checkoutID string) string {
	expiry := s.now().Add(s.ttl).UnixMilli()
	payload := base64.RawURLEncoding.EncodeToString([]byte(checkoutID)) +
		"." + strconv.FormatInt(expiry, 16)
	return payload + "." + s.sign(payload)
}

// Verify checks the token's shape, signature (constant time), expiry, and
// that it is bound to expectedCheckoutID. Binding is checked even when the
// signature is valid, so a token captured from one checkout cannot be
// replayed against another.
func (s *Service) Verify(token, expectedCheckoutID string) error {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return ErrMalformed
	}

	payload := parts[0] + "." + parts[1]
	want, err := hex.DecodeString(s.sign(payload))
	if err != nil {
		return ErrMalformed
	}
	got, err := hex.DecodeString(parts[2])
	if err != nil {
		return ErrMalformed
	}
	if !hmac.Equal(got, want) {
		return ErrBadSignature
	}

	expiry, err := strconv.ParseInt(parts[1], 16, 64)
	if err != nil {
		return ErrMalformed
	}
	if s.now().UnixMilli() > expiry {
		return ErrExpired
	}

	id, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return ErrMalformed
	}
	if string(id) != expectedCheckoutID {
		return ErrWrongCheckout
	}
	return nil
}

func (s *Service) sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
