// Package vault is the short-lived store mapping a session to its opaque
// payment-method reference. It never holds raw card material; callers only
// ever pass in processor-issued references. Entries expire with the reveal
// validity window and are deleted on first successful use.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

var (
	// ErrNoEntry means no reference is vaulted for the session.
	ErrNoEntry = errors.New("vault: no payment method reference")
	// ErrExpired means the reveal validity window elapsed. The entry has
	// already been cleared; credential realization must run again.
	ErrExpired = errors.New("vault: credentials expired")
)

const keyPrefix = "vault:"

// Entry pairs the opaque reference with the reveal timestamp that anchors
// the validity window.
type Entry struct {
	PaymentMethodRef string    `json:"payment_method_ref"`
	CardLast4        string    `json:"card_last4,omitempty"`
	RevealedAt       time.Time `json:"revealed_at"`
}

// Vault is the Redis-backed reference store.
type Vault struct {
	rdb    *redis.Client
	window time.Duration
	now    func() time.Time
}

// New creates a vault whose entries are valid for window after the reveal.
// The window must stay under the wallet authority's own reveal limit.
func New(rdb *redis.Client, window time.Duration) *Vault {
	return &Vault{rdb: rdb, window: window, now: time.Now}
}

// Store writes the reference for the session, stamping the reveal time.
// Overwriting is allowed: a credential refresh after CVV re-entry replaces
// the previous cycle's reference silently.
func (v *Vault) Store(ctx context.Context, sessionID, paymentMethodRef, cardLast4 string) error {
	entry := Entry{
		PaymentMethodRef: paymentMethodRef,
		CardLast4:        cardLast4,
		RevealedAt:       v.now().UTC(),
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("vault: marshal entry: %w", err)
	}
	return v.rdb.Set(ctx, keyPrefix+sessionID, payload, v.window).Err()
}

// Get returns the vaulted entry. A missing key yields ErrNoEntry; an entry
// past its validity window is cleared and yields ErrExpired. The key TTL and
// the timestamp check are redundant on purpose: the timestamp fails closed
// even if the backing store's eviction lags.
func (v *Vault) Get(ctx context.Context, sessionID string) (*Entry, error) {
	data, err := v.rdb.Get(ctx, keyPrefix+sessionID).Bytes()
	if err == redis.Nil {
		return nil, ErrNoEntry
	}
	if err != nil {
		return nil, err
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		// Unreadable entries are as good as absent; drop them.
		_ = v.Clear(ctx, sessionID)
		return nil, ErrNoEntry
	}

	if v.now().Sub(entry.RevealedAt) > v.window {
		_ = v.Clear(ctx, sessionID)
		return nil, ErrExpired
	}
	return &entry, nil
}

// Clear deletes the entry. Called on successful settlement, on expiry, and
// on session deletion; a reference must never outlive its session.
func (v *Vault) Clear(ctx context.Context, sessionID string) error {
	return v.rdb.Del(ctx, keyPrefix+sessionID).Err()
}
