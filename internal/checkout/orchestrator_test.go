package checkout

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shaniyakir/nekuda-agentic-wallet/internal/handoff"
	"github.com/shaniyakir/nekuda-agentic-wallet/internal/models"
	"github.com/shaniyakir/nekuda-agentic-wallet/internal/processor"
	"github.com/shaniyakir/nekuda-agentic-wallet/internal/session"
	"github.com/shaniyakir/nekuda-agentic-wallet/internal/upstream"
	"github.com/shaniyakir/nekuda-agentic-wallet/internal/vault"
	"github.com/shaniyakir/nekuda-agentic-wallet/internal/wallet"
)

type fakeLedger struct {
	priced        *PricedCheckout
	pricedErr     error
	markPaidErr   error
	markPaidCalls int
}

func (f *fakeLedger) PricedCheckout(ctx context.Context, checkoutID string) (*PricedCheckout, error) {
	if f.pricedErr != nil {
		return nil, f.pricedErr
	}
	return f.priced, nil
}

func (f *fakeLedger) MarkPaid(ctx context.Context, checkoutID string) error {
	f.markPaidCalls++
	return f.markPaidErr
}

type fakeWallet struct {
	mandateID      string
	mandateErr     error
	revealTokenErr error
	card           wallet.RawCard
	cardErr        error
	billing        *wallet.BillingDetails
	billingErr     error

	gotAmount   int64
	gotCurrency string
	gotSummary  string
}

func (f *fakeWallet) CreateMandate(ctx context.Context, userID string, amountMinor int64, currency, merchant, summary string) (string, error) {
	f.gotAmount = amountMinor
	f.gotCurrency = currency
	f.gotSummary = summary
	if f.mandateErr != nil {
		return "", f.mandateErr
	}
	return f.mandateID, nil
}

func (f *fakeWallet) RequestRevealToken(ctx context.Context, userID, mandateID string) (string, error) {
	if f.revealTokenErr != nil {
		return "", f.revealTokenErr
	}
	return "reveal-token", nil
}

func (f *fakeWallet) RevealCard(ctx context.Context, revealToken string) (wallet.RawCard, error) {
	if f.cardErr != nil {
		return wallet.RawCard{}, f.cardErr
	}
	return f.card, nil
}

func (f *fakeWallet) GetBillingDetails(ctx context.Context, userID string) (*wallet.BillingDetails, error) {
	if f.billingErr != nil {
		return nil, f.billingErr
	}
	return f.billing, nil
}

type fakeProcessor struct {
	ref         string
	tokenizeErr error
	charge      *processor.ChargeResult
	chargeErr   error

	chargeCalls int
	gotAmount   int64
	gotIdemKey  string
	gotRef      string
}

func (f *fakeProcessor) TokenizeCard(ctx context.Context, pan, expMonth, expYear, cvv, holder string) (string, error) {
	if f.tokenizeErr != nil {
		return "", f.tokenizeErr
	}
	return f.ref, nil
}

func (f *fakeProcessor) CreateCharge(ctx context.Context, paymentMethodRef string, amountMinor int64, currency, idempotencyKey string) (*processor.ChargeResult, error) {
	f.chargeCalls++
	f.gotRef = paymentMethodRef
	f.gotAmount = amountMinor
	f.gotIdemKey = idempotencyKey
	if f.chargeErr != nil {
		return nil, f.chargeErr
	}
	return f.charge, nil
}

type fakePublisher struct {
	mu    sync.Mutex
	types []string
}

func (f *fakePublisher) record(t string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.types = append(f.types, t)
	return nil
}

func (f *fakePublisher) PublishCheckoutFrozen(ctx context.Context, e *models.CheckoutFrozenEvent) error {
	return f.record(e.EventType)
}

func (f *fakePublisher) PublishMandateApproved(ctx context.Context, e *models.MandateApprovedEvent) error {
	return f.record(e.EventType)
}

func (f *fakePublisher) PublishCredentialsRealized(ctx context.Context, e *models.CredentialsRealizedEvent) error {
	return f.record(e.EventType)
}

func (f *fakePublisher) PublishPaymentSucceeded(ctx context.Context, e *models.PaymentSucceededEvent) error {
	return f.record(e.EventType)
}

func (f *fakePublisher) PublishPaymentFailed(ctx context.Context, e *models.PaymentFailedEvent) error {
	return f.record(e.EventType)
}

type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocker() *memLocker {
	return &memLocker{held: make(map[string]bool)}
}

func (l *memLocker) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *memLocker) ReleaseLock(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}

type fixture struct {
	orch     *Orchestrator
	ledger   *fakeLedger
	wallet   *fakeWallet
	proc     *fakeProcessor
	pub      *fakePublisher
	locks    *memLocker
	sessions *session.Store
	vault    *vault.Vault
	redis    *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	card, err := wallet.ParseRevealedCard("4242424242424242", "12/27", "123", "Jane Doe", "4242")
	require.NoError(t, err)

	tokens, err := handoff.NewService("test-handoff-secret", 5*time.Minute)
	require.NoError(t, err)

	f := &fixture{
		ledger: &fakeLedger{priced: &PricedCheckout{
			CheckoutID: "chk-1",
			UserID:     "user-1",
			Currency:   "usd",
			TotalMinor: 8999,
			Summary:    "2x Widget",
		}},
		wallet: &fakeWallet{
			mandateID: "mandate-1",
			card:      card,
			billing:   &wallet.BillingDetails{Name: "Jane Doe", Zip: "94105"},
		},
		proc:     &fakeProcessor{ref: "pm_test_1", charge: &processor.ChargeResult{ChargeID: "pi_test_1", Status: "succeeded"}},
		pub:      &fakePublisher{},
		locks:    newMemLocker(),
		sessions: session.NewStore(rdb, 24*time.Hour, 30*time.Minute),
		vault:    vault.New(rdb, 55*time.Minute),
		redis:    mr,
	}
	f.orch = &Orchestrator{
		ledger:         f.ledger,
		sessions:       f.sessions,
		vault:          f.vault,
		wallet:         f.wallet,
		processor:      f.proc,
		handoff:        tokens,
		locks:          f.locks,
		events:         f.pub,
		merchantName:   "Test Merchant",
		refreshBaseURL: "https://pay.example.com/refresh",
		logger:         zap.NewNop(),
	}
	return f
}

// advance runs the protocol up to and including the named stage so each test
// starts from a realistic session.
func (f *fixture) advance(t *testing.T, stage string) {
	t.Helper()
	ctx := context.Background()

	_, err := f.sessions.GetOrCreate(ctx, "sess-1", "user-1")
	require.NoError(t, err)
	_, err = f.sessions.Update(ctx, "sess-1", session.Update{
		CheckoutID: session.Str("chk-1"),
		Stage:      session.Str(models.StageCheckedOut),
	})
	require.NoError(t, err)
	if stage == models.StageCheckedOut {
		return
	}

	_, err = f.orch.CreateMandate(ctx, "sess-1", "chk-1")
	require.NoError(t, err)
	if stage == models.StageMandateApproved {
		return
	}

	_, err = f.orch.RealizeCredentials(ctx, "sess-1", "chk-1")
	require.NoError(t, err)
}

func asStageError(t *testing.T, err error) *StageError {
	t.Helper()
	require.Error(t, err)
	se, ok := err.(*StageError)
	require.True(t, ok, "expected *StageError, got %T", err)
	return se
}

func TestCreateMandateUsesServerComputedTotal(t *testing.T) {
	f := newFixture(t)
	f.advance(t, models.StageCheckedOut)

	res, err := f.orch.CreateMandate(context.Background(), "sess-1", "chk-1")
	require.NoError(t, err)

	assert.Equal(t, "mandate-1", res.MandateID)
	assert.Equal(t, int64(8999), res.AmountMinor)
	assert.Equal(t, int64(8999), f.wallet.gotAmount)
	assert.Equal(t, "usd", f.wallet.gotCurrency)
	assert.Equal(t, "2x Widget", f.wallet.gotSummary)

	state, err := f.sessions.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "mandate-1", state.MandateID)
	assert.Equal(t, "approved", state.MandateStatus)
	assert.Equal(t, models.StageMandateApproved, state.Stage)
}

func TestRealizeCredentialsVaultsOpaqueRefOnly(t *testing.T) {
	f := newFixture(t)
	f.advance(t, models.StageMandateApproved)

	res, err := f.orch.RealizeCredentials(context.Background(), "sess-1", "chk-1")
	require.NoError(t, err)
	assert.Equal(t, "4242", res.CardLast4)

	entry, err := f.vault.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "pm_test_1", entry.PaymentMethodRef)
	assert.Equal(t, "4242", entry.CardLast4)

	// Nothing resembling raw card material may reach redis.
	raw, err := f.redis.Get("vault:sess-1")
	require.NoError(t, err)
	assert.NotContains(t, raw, "4242424242424242")
	assert.NotContains(t, raw, "cvv")
	assert.NotContains(t, raw, "12/27")
}

func TestRealizeCredentialsRequiresMandate(t *testing.T) {
	f := newFixture(t)
	f.advance(t, models.StageCheckedOut)

	_, err := f.orch.RealizeCredentials(context.Background(), "sess-1", "chk-1")
	se := asStageError(t, err)
	assert.Equal(t, CodeInvalidState, se.Code)
	assert.False(t, se.Retryable)
}

func TestRealizeCredentialsIncompleteCardIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.advance(t, models.StageMandateApproved)
	f.wallet.cardErr = wallet.ErrIncompleteCard

	_, err := f.orch.RealizeCredentials(context.Background(), "sess-1", "chk-1")
	se := asStageError(t, err)
	assert.Equal(t, CodeIncompleteCredentialData, se.Code)
	assert.True(t, se.Retryable)

	// Nothing was vaulted and the session audit trail stays clean.
	_, err = f.vault.Get(context.Background(), "sess-1")
	assert.ErrorIs(t, err, vault.ErrNoEntry)
	state, err := f.sessions.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Empty(t, state.LastError)
}

func TestRealizeCredentialsCVVRejectedMintsRefreshLink(t *testing.T) {
	f := newFixture(t)
	f.advance(t, models.StageMandateApproved)
	f.proc.tokenizeErr = &upstream.Error{
		Kind: upstream.KindCVVRejected, Service: "stripe", Message: "cvv check failed",
	}

	_, err := f.orch.RealizeCredentials(context.Background(), "sess-1", "chk-1")
	se := asStageError(t, err)
	assert.Equal(t, CodeCvvExpired, se.Code)
	assert.False(t, se.Retryable)
	assert.Contains(t, se.Remediation, "https://pay.example.com/refresh?checkout=chk-1&token=")

	// The link carries a verifiable handoff token bound to this checkout.
	rest := se.Remediation[strings.Index(se.Remediation, "token=")+len("token="):]
	token := rest[:strings.IndexAny(rest, ", ")]
	require.NoError(t, f.orch.handoff.Verify(token, "chk-1"))

	// Partial credential state is gone; the failure is on the record.
	_, err = f.vault.Get(context.Background(), "sess-1")
	assert.ErrorIs(t, err, vault.ErrNoEntry)
	state, err := f.sessions.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.NotEmpty(t, state.LastError)
	assert.NotEqual(t, models.StageFailed, state.Stage)
}

func TestStagesRejectUnboundCheckout(t *testing.T) {
	f := newFixture(t)
	f.advance(t, models.StageCredentialsRealized)

	// A checkout id from some other conversation must not be chargeable
	// through this session, whatever stage it is at.
	for name, call := range map[string]func() error{
		"mandate": func() error {
			_, err := f.orch.CreateMandate(context.Background(), "sess-1", "chk-other")
			return err
		},
		"credentials": func() error {
			_, err := f.orch.RealizeCredentials(context.Background(), "sess-1", "chk-other")
			return err
		},
		"settle": func() error {
			_, err := f.orch.Settle(context.Background(), "sess-1", "chk-other")
			return err
		},
	} {
		se := asStageError(t, call())
		assert.Equal(t, CodeInvalidState, se.Code, name)
		assert.False(t, se.Retryable, name)
	}
	assert.Zero(t, f.proc.chargeCalls)
}

func TestSettleRequiresFrozenCheckout(t *testing.T) {
	f := newFixture(t)
	_, err := f.sessions.GetOrCreate(context.Background(), "sess-1", "user-1")
	require.NoError(t, err)

	_, err = f.orch.Settle(context.Background(), "sess-1", "chk-1")
	se := asStageError(t, err)
	assert.Equal(t, CodeInvalidState, se.Code)
	assert.Zero(t, f.proc.chargeCalls)
}

func TestSettleHappyPath(t *testing.T) {
	f := newFixture(t)
	f.advance(t, models.StageCredentialsRealized)

	res, err := f.orch.Settle(context.Background(), "sess-1", "chk-1")
	require.NoError(t, err)

	assert.NotEmpty(t, res.OrderID)
	assert.Equal(t, "pi_test_1", res.ChargeID)
	assert.Equal(t, int64(8999), res.AmountMinor)

	assert.Equal(t, "pm_test_1", f.proc.gotRef)
	assert.Equal(t, int64(8999), f.proc.gotAmount)
	assert.Equal(t, "pay_chk-1", f.proc.gotIdemKey)
	assert.Equal(t, 1, f.ledger.markPaidCalls)

	state, err := f.sessions.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, state.Stage)
	assert.Equal(t, models.PaymentStatusSucceeded, state.PaymentStatus)
	assert.Equal(t, res.OrderID, state.OrderID)

	// The payment reference is single-use.
	_, err = f.vault.Get(context.Background(), "sess-1")
	assert.ErrorIs(t, err, vault.ErrNoEntry)
}

func TestSettleWithoutCredentials(t *testing.T) {
	f := newFixture(t)
	f.advance(t, models.StageMandateApproved)

	_, err := f.orch.Settle(context.Background(), "sess-1", "chk-1")
	se := asStageError(t, err)
	assert.Equal(t, CodeNoPaymentMethod, se.Code)
	assert.NotEmpty(t, se.Remediation)
	assert.Zero(t, f.proc.chargeCalls)
}

func TestSettleExpiredCredentials(t *testing.T) {
	f := newFixture(t)
	f.advance(t, models.StageCredentialsRealized)

	// Age the vault entry past the validity window while its key still
	// exists; the timestamp check must catch it.
	stale, err := json.Marshal(vault.Entry{
		PaymentMethodRef: "pm_test_1",
		CardLast4:        "4242",
		RevealedAt:       time.Now().UTC().Add(-2 * time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, f.redis.Set("vault:sess-1", string(stale)))

	_, err = f.orch.Settle(context.Background(), "sess-1", "chk-1")
	se := asStageError(t, err)
	assert.Equal(t, CodeCredentialsExpired, se.Code)
	assert.NotEmpty(t, se.Remediation)
	assert.Zero(t, f.proc.chargeCalls)

	// The stale entry was cleared on detection.
	_, err = f.vault.Get(context.Background(), "sess-1")
	assert.ErrorIs(t, err, vault.ErrNoEntry)
}

func TestSettleDeclineIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.advance(t, models.StageCredentialsRealized)
	f.proc.chargeErr = &upstream.Error{
		Kind: upstream.KindCardDeclined, Service: "stripe", Message: "card declined: insufficient_funds",
	}

	_, err := f.orch.Settle(context.Background(), "sess-1", "chk-1")
	se := asStageError(t, err)
	assert.Equal(t, CodeProcessorDeclined, se.Code)
	assert.False(t, se.Retryable)
	assert.Zero(t, f.ledger.markPaidCalls)

	state, err := f.sessions.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.StageFailed, state.Stage)
	assert.Equal(t, models.PaymentStatusFailed, state.PaymentStatus)
	assert.NotEmpty(t, state.LastError)
	assert.Contains(t, f.pub.types, models.EventTypePaymentFailed)
}

func TestSettleTransientFailureLeavesSessionClean(t *testing.T) {
	f := newFixture(t)
	f.advance(t, models.StageCredentialsRealized)
	f.proc.chargeErr = &upstream.Error{
		Kind: upstream.KindTransient, Service: "stripe", Message: "gateway timeout",
	}

	_, err := f.orch.Settle(context.Background(), "sess-1", "chk-1")
	se := asStageError(t, err)
	assert.Equal(t, CodeTransientUpstream, se.Code)
	assert.True(t, se.Retryable)

	state, err := f.sessions.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Empty(t, state.LastError)
	assert.Equal(t, models.PaymentStatusPending, state.PaymentStatus)

	// A retry with the upstream recovered settles normally, on the same
	// idempotency key.
	f.proc.chargeErr = nil
	_, err = f.orch.Settle(context.Background(), "sess-1", "chk-1")
	require.NoError(t, err)
	assert.Equal(t, "pay_chk-1", f.proc.gotIdemKey)
}

func TestSettleHeldLockRejectsOverlap(t *testing.T) {
	f := newFixture(t)
	f.advance(t, models.StageCredentialsRealized)

	acquired, err := f.locks.AcquireLock(context.Background(), "settle:chk-1", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	_, err = f.orch.Settle(context.Background(), "sess-1", "chk-1")
	se := asStageError(t, err)
	assert.Equal(t, CodeTransientUpstream, se.Code)
	assert.True(t, se.Retryable)
	assert.Zero(t, f.proc.chargeCalls)

	require.NoError(t, f.locks.ReleaseLock(context.Background(), "settle:chk-1"))
	_, err = f.orch.Settle(context.Background(), "sess-1", "chk-1")
	require.NoError(t, err)
	assert.Equal(t, 1, f.proc.chargeCalls)
}

func TestSettleChargedButMarkPaidFailed(t *testing.T) {
	f := newFixture(t)
	f.advance(t, models.StageCredentialsRealized)
	f.ledger.markPaidErr = fmt.Errorf("stock commit failed")

	_, err := f.orch.Settle(context.Background(), "sess-1", "chk-1")
	se := asStageError(t, err)
	assert.Equal(t, CodeUnknown, se.Code)
	assert.False(t, se.Retryable)
	assert.Equal(t, 1, f.proc.chargeCalls)

	// Not terminal: the discrepancy needs reconciliation, not a replay.
	state, err := f.sessions.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.NotEqual(t, models.PaymentStatusSucceeded, state.PaymentStatus)
	assert.NotEmpty(t, state.LastError)
}

func TestHandoffSummaryVerifiesToken(t *testing.T) {
	f := newFixture(t)
	f.advance(t, models.StageCheckedOut)

	token := f.orch.handoff.Mint("chk-1")
	view, err := f.orch.HandoffSummary(context.Background(), "chk-1", token)
	require.NoError(t, err)
	assert.Equal(t, int64(8999), view.Checkout.TotalMinor)
	require.NotNil(t, view.Billing)
	assert.Equal(t, "Jane Doe", view.Billing.Name)

	_, err = f.orch.HandoffSummary(context.Background(), "chk-1", "garbage")
	se := asStageError(t, err)
	assert.Equal(t, CodeInvalidState, se.Code)

	// A token for one checkout opens no other.
	_, err = f.orch.HandoffSummary(context.Background(), "chk-2", token)
	asStageError(t, err)
}

func TestHandoffSummaryBillingIsBestEffort(t *testing.T) {
	f := newFixture(t)
	f.advance(t, models.StageCheckedOut)
	f.wallet.billingErr = &upstream.Error{
		Kind: upstream.KindTransient, Service: "wallet", Message: "timeout",
	}

	token := f.orch.handoff.Mint("chk-1")
	view, err := f.orch.HandoffSummary(context.Background(), "chk-1", token)
	require.NoError(t, err)
	assert.Equal(t, "2x Widget", view.Checkout.Summary)
	assert.Nil(t, view.Billing)
}

func TestEndSessionClearsVault(t *testing.T) {
	f := newFixture(t)
	f.advance(t, models.StageCredentialsRealized)

	require.NoError(t, f.orch.EndSession(context.Background(), "sess-1"))

	_, err := f.sessions.Get(context.Background(), "sess-1")
	assert.ErrorIs(t, err, session.ErrNotFound)
	assert.False(t, f.redis.Exists("vault:sess-1"))
}
