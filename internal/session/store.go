// Package session holds per-conversation orchestration progress. Records
// live in Redis under their own TTL, so eviction is a property of the key and
// cannot race an in-flight write; every mutation is a WATCH-guarded
// read-modify-write against a single key.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/shaniyakir/nekuda-agentic-wallet/internal/models"
)

var ErrNotFound = errors.New("session: not found")

const keyPrefix = "session:"

// maxRetries bounds optimistic-transaction retries when two updates for the
// same session race.
const maxRetries = 5

// State is the stored progress record for one conversation.
type State struct {
	SessionID     string    `json:"session_id"`
	UserHash      string    `json:"user_hash"`
	CartID        string    `json:"cart_id,omitempty"`
	CheckoutID    string    `json:"checkout_id,omitempty"`
	MandateID     string    `json:"mandate_id,omitempty"`
	MandateStatus string    `json:"mandate_status,omitempty"`
	Stage         string    `json:"stage"`
	OrderID       string    `json:"order_id,omitempty"`
	ChargeID      string    `json:"charge_id,omitempty"`
	PaymentStatus string    `json:"payment_status"`
	LastError     string    `json:"last_error,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Terminal reports whether the payment reached a final outcome. A terminal
// session is not resumable: the next GetOrCreate resets it.
func (s *State) Terminal() bool {
	return s.PaymentStatus == models.PaymentStatusSucceeded ||
		s.PaymentStatus == models.PaymentStatusFailed
}

// Update carries the partial fields a stage wants to merge. Nil pointers
// leave the existing value untouched; last-write-wins per field.
type Update struct {
	CartID        *string
	CheckoutID    *string
	MandateID     *string
	MandateStatus *string
	Stage         *string
	OrderID       *string
	ChargeID      *string
	PaymentStatus *string
	LastError     *string
}

// Store is the Redis-backed session state store.
type Store struct {
	rdb         *redis.Client
	ttl         time.Duration
	terminalTTL time.Duration
}

func NewStore(rdb *redis.Client, ttl, terminalTTL time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl, terminalTTL: terminalTTL}
}

// GetOrCreate returns the session record, creating it when absent. When the
// existing record is terminal it is deleted and recreated with the same id,
// so a retried conversation starts from a clean slate.
func (s *Store) GetOrCreate(ctx context.Context, sessionID, userID string) (*State, error) {
	key := keyPrefix + sessionID
	var result *State

	fn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == nil {
			var existing State
			if jsonErr := json.Unmarshal(data, &existing); jsonErr == nil && !existing.Terminal() {
				result = &existing
				return nil
			}
			// Terminal or corrupt: fall through and recreate.
		} else if err != redis.Nil {
			return err
		}

		fresh := &State{
			SessionID:     sessionID,
			UserHash:      HashUserID(userID),
			Stage:         models.StageCreated,
			PaymentStatus: models.PaymentStatusPending,
			UpdatedAt:     time.Now().UTC(),
		}
		payload, err := json.Marshal(fresh)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		result = fresh
		return nil
	}

	if err := s.watch(ctx, key, fn); err != nil {
		return nil, err
	}
	return result, nil
}

// Get returns the session record or ErrNotFound.
func (s *Store) Get(ctx context.Context, sessionID string) (*State, error) {
	data, err := s.rdb.Get(ctx, keyPrefix+sessionID).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("session: corrupt record: %w", err)
	}
	return &state, nil
}

// Update merges the given fields into the stored record atomically. The
// first transition into a terminal payment status shortens the record's TTL.
func (s *Store) Update(ctx context.Context, sessionID string, u Update) (*State, error) {
	key := keyPrefix + sessionID
	var result *State

	fn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var state State
		if err := json.Unmarshal(data, &state); err != nil {
			return fmt.Errorf("session: corrupt record: %w", err)
		}

		wasTerminal := state.Terminal()
		u.apply(&state)
		state.UpdatedAt = time.Now().UTC()

		payload, err := json.Marshal(&state)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if !wasTerminal && state.Terminal() {
				pipe.Set(ctx, key, payload, s.terminalTTL)
			} else {
				pipe.Set(ctx, key, payload, redis.KeepTTL)
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = &state
		return nil
	}

	if err := s.watch(ctx, key, fn); err != nil {
		return nil, err
	}
	return result, nil
}

// Delete removes the session record.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	return s.rdb.Del(ctx, keyPrefix+sessionID).Err()
}

func (s *Store) watch(ctx context.Context, key string, fn func(*redis.Tx) error) error {
	for i := 0; i < maxRetries; i++ {
		err := s.rdb.Watch(ctx, fn, key)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	return fmt.Errorf("session: update contention on %s", key)
}

func (u Update) apply(s *State) {
	if u.CartID != nil {
		s.CartID = *u.CartID
	}
	if u.CheckoutID != nil {
		s.CheckoutID = *u.CheckoutID
	}
	if u.MandateID != nil {
		s.MandateID = *u.MandateID
	}
	if u.MandateStatus != nil {
		s.MandateStatus = *u.MandateStatus
	}
	if u.Stage != nil {
		s.Stage = *u.Stage
	}
	if u.OrderID != nil {
		s.OrderID = *u.OrderID
	}
	if u.ChargeID != nil {
		s.ChargeID = *u.ChargeID
	}
	if u.PaymentStatus != nil {
		s.PaymentStatus = *u.PaymentStatus
	}
	if u.LastError != nil {
		s.LastError = *u.LastError
	}
}

// HashUserID stores a one-way hash instead of the raw user id.
func HashUserID(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return hex.EncodeToString(sum[:])
}

// Str is a convenience for building partial updates.
func Str(v string) *string { return &v }
