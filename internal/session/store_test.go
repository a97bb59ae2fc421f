package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaniyakir/nekuda-agentic-wallet/internal/models"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewStore(rdb, 24*time.Hour, 30*time.Minute), mr
}

func TestGetOrCreateFresh(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	state, err := store.GetOrCreate(ctx, "sess-1", "user-1")
	require.NoError(t, err)

	assert.Equal(t, "sess-1", state.SessionID)
	assert.Equal(t, HashUserID("user-1"), state.UserHash)
	assert.Equal(t, models.StageCreated, state.Stage)
	assert.Equal(t, models.PaymentStatusPending, state.PaymentStatus)
}

func TestGetOrCreateReturnsExisting(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetOrCreate(ctx, "sess-1", "user-1")
	require.NoError(t, err)

	_, err = store.Update(ctx, "sess-1", Update{CartID: Str("cart-9")})
	require.NoError(t, err)

	state, err := store.GetOrCreate(ctx, "sess-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "cart-9", state.CartID, "non-terminal session must survive GetOrCreate")
}

func TestGetOrCreateResetsTerminalSession(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, terminal := range []string{models.PaymentStatusSucceeded, models.PaymentStatusFailed} {
		t.Run(terminal, func(t *testing.T) {
			_, err := store.GetOrCreate(ctx, "sess-t", "user-1")
			require.NoError(t, err)

			_, err = store.Update(ctx, "sess-t", Update{
				CartID:        Str("cart-1"),
				CheckoutID:    Str("chk-1"),
				MandateID:     Str("man-1"),
				OrderID:       Str("ord-1"),
				ChargeID:      Str("pi-1"),
				LastError:     Str("declined"),
				Stage:         Str(models.StageFailed),
				PaymentStatus: Str(terminal),
			})
			require.NoError(t, err)

			state, err := store.GetOrCreate(ctx, "sess-t", "user-1")
			require.NoError(t, err)

			assert.Equal(t, "sess-t", state.SessionID, "session id survives the reset")
			assert.Empty(t, state.CartID)
			assert.Empty(t, state.CheckoutID)
			assert.Empty(t, state.MandateID)
			assert.Empty(t, state.OrderID)
			assert.Empty(t, state.ChargeID)
			assert.Empty(t, state.LastError)
			assert.Equal(t, models.StageCreated, state.Stage)
			assert.Equal(t, models.PaymentStatusPending, state.PaymentStatus)
		})
	}
}

func TestUpdateMergesFields(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetOrCreate(ctx, "sess-1", "user-1")
	require.NoError(t, err)

	_, err = store.Update(ctx, "sess-1", Update{CartID: Str("cart-1"), Stage: Str(models.StageCartActive)})
	require.NoError(t, err)

	state, err := store.Update(ctx, "sess-1", Update{MandateID: Str("man-1")})
	require.NoError(t, err)

	assert.Equal(t, "cart-1", state.CartID, "untouched fields survive later merges")
	assert.Equal(t, models.StageCartActive, state.Stage)
	assert.Equal(t, "man-1", state.MandateID)
}

func TestUpdateMissingSession(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Update(context.Background(), "nope", Update{CartID: Str("cart-1")})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTerminalTransitionShortensTTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetOrCreate(ctx, "sess-1", "user-1")
	require.NoError(t, err)

	_, err = store.Update(ctx, "sess-1", Update{PaymentStatus: Str(models.PaymentStatusSucceeded)})
	require.NoError(t, err)

	ttl := mr.TTL("session:sess-1")
	assert.True(t, ttl > 0 && ttl <= 30*time.Minute, "terminal record TTL=%v", ttl)
}

func TestRecordEvictedByTTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetOrCreate(ctx, "sess-1", "user-1")
	require.NoError(t, err)

	mr.FastForward(25 * time.Hour)

	_, err = store.Get(ctx, "sess-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentUpdatesDoNotCorrupt(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetOrCreate(ctx, "sess-1", "user-1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = store.Update(ctx, "sess-1", Update{CartID: Str("cart-1")})
	}()
	go func() {
		defer wg.Done()
		_, _ = store.Update(ctx, "sess-1", Update{MandateID: Str("man-1")})
	}()
	wg.Wait()

	state, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	// Last-write-wins per field is acceptable; partial corruption is not.
	assert.Equal(t, "cart-1", state.CartID)
	assert.Equal(t, "man-1", state.MandateID)
}
