// Package checkout drives the agentic purchase protocol: freeze a cart,
// obtain a spend mandate, realize credentials into an opaque payment
// reference, then settle. Every operation returns either a success payload or
// a *StageError; nothing else crosses this boundary, and the calling agent
// loop branches on Retryable rather than on error types.
package checkout

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shaniyakir/nekuda-agentic-wallet/internal/handoff"
	"github.com/shaniyakir/nekuda-agentic-wallet/internal/models"
	"github.com/shaniyakir/nekuda-agentic-wallet/internal/processor"
	"github.com/shaniyakir/nekuda-agentic-wallet/internal/session"
	"github.com/shaniyakir/nekuda-agentic-wallet/internal/util"
	"github.com/shaniyakir/nekuda-agentic-wallet/internal/vault"
	"github.com/shaniyakir/nekuda-agentic-wallet/internal/wallet"
)

// Ledger is the slice of the cart service the payment stages need.
type Ledger interface {
	PricedCheckout(ctx context.Context, checkoutID string) (*PricedCheckout, error)
	MarkPaid(ctx context.Context, checkoutID string) error
}

// Wallet is the external wallet authority.
type Wallet interface {
	CreateMandate(ctx context.Context, userID string, amountMinor int64, currency, merchant, summary string) (string, error)
	RequestRevealToken(ctx context.Context, userID, mandateID string) (string, error)
	RevealCard(ctx context.Context, revealToken string) (wallet.RawCard, error)
	GetBillingDetails(ctx context.Context, userID string) (*wallet.BillingDetails, error)
}

// Processor is the payment processor. TokenizeCard doubles as the
// wallet.CardSink raw credentials are submitted to.
type Processor interface {
	TokenizeCard(ctx context.Context, pan, expMonth, expYear, cvv, holder string) (string, error)
	CreateCharge(ctx context.Context, paymentMethodRef string, amountMinor int64, currency, idempotencyKey string) (*processor.ChargeResult, error)
}

// Locker serializes overlapping settlement attempts for one checkout.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

// Publisher emits checkout lifecycle events. Publishing is fire-and-forget;
// a broker outage never fails a stage.
type Publisher interface {
	PublishCheckoutFrozen(ctx context.Context, event *models.CheckoutFrozenEvent) error
	PublishMandateApproved(ctx context.Context, event *models.MandateApprovedEvent) error
	PublishCredentialsRealized(ctx context.Context, event *models.CredentialsRealizedEvent) error
	PublishPaymentSucceeded(ctx context.Context, event *models.PaymentSucceededEvent) error
	PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error
}

const settleLockTTL = 30 * time.Second

// Orchestrator owns the protocol. One instance serves all sessions.
type Orchestrator struct {
	carts     *CartService
	ledger    Ledger
	sessions  *session.Store
	vault     *vault.Vault
	wallet    Wallet
	processor Processor
	handoff   *handoff.Service
	locks     Locker
	events    Publisher

	merchantName   string
	refreshBaseURL string
	logger         *zap.Logger
}

func NewOrchestrator(
	carts *CartService,
	sessions *session.Store,
	vlt *vault.Vault,
	walletClient Wallet,
	proc Processor,
	tokens *handoff.Service,
	locks Locker,
	events Publisher,
	merchantName, refreshBaseURL string,
) *Orchestrator {
	return &Orchestrator{
		carts:          carts,
		ledger:         carts,
		sessions:       sessions,
		vault:          vlt,
		wallet:         walletClient,
		processor:      proc,
		handoff:        tokens,
		locks:          locks,
		events:         events,
		merchantName:   merchantName,
		refreshBaseURL: refreshBaseURL,
		logger:         util.GetLogger(),
	}
}

// MandateResult reports the approved mandate and the exact amount it covers.
type MandateResult struct {
	MandateID   string `json:"mandate_id"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

// CredentialsResult reports a vaulted payment method. Only the last4 hint
// ever leaves the realization stage.
type CredentialsResult struct {
	CardLast4  string    `json:"card_last4,omitempty"`
	RevealedAt time.Time `json:"revealed_at"`
}

// SettleResult reports a completed settlement.
type SettleResult struct {
	OrderID     string `json:"order_id"`
	ChargeID    string `json:"charge_id"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

// Products lists the catalog.
func (o *Orchestrator) Products(ctx context.Context) ([]models.Product, error) {
	products, err := o.carts.Products(ctx)
	if err != nil {
		return nil, classify(err, CodeUnknown)
	}
	return products, nil
}

// CreateCart opens a cart and binds it to the session.
func (o *Orchestrator) CreateCart(ctx context.Context, sessionID, userID, currency string) (*models.Cart, error) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.CreateCart")
	defer span.End()

	if _, err := o.sessions.GetOrCreate(ctx, sessionID, userID); err != nil {
		return nil, classify(err, CodeUnknown)
	}

	cart, err := o.carts.Create(ctx, userID, currency)
	if err != nil {
		return nil, classify(err, CodeUnknown)
	}

	if _, err := o.sessions.Update(ctx, sessionID, session.Update{
		CartID: session.Str(cart.ID),
		Stage:  session.Str(models.StageCartActive),
	}); err != nil {
		return nil, classify(err, CodeUnknown)
	}
	return cart, nil
}

// AddItem adds a product to the session's cart.
func (o *Orchestrator) AddItem(ctx context.Context, cartID string, productID int64, quantity int) (*CartView, error) {
	view, err := o.carts.AddItem(ctx, cartID, productID, quantity)
	if err != nil {
		return nil, classify(err, CodeUnknown)
	}
	return view, nil
}

// RemoveItem drops a product line from the session's cart.
func (o *Orchestrator) RemoveItem(ctx context.Context, cartID string, productID int64) (*CartView, error) {
	view, err := o.carts.RemoveItem(ctx, cartID, productID)
	if err != nil {
		return nil, classify(err, CodeUnknown)
	}
	return view, nil
}

// ReduceItem lowers a line's quantity.
func (o *Orchestrator) ReduceItem(ctx context.Context, cartID string, productID int64, quantity int) (*CartView, error) {
	view, err := o.carts.ReduceItem(ctx, cartID, productID, quantity)
	if err != nil {
		return nil, classify(err, CodeUnknown)
	}
	return view, nil
}

// Checkout freezes the cart into a checkout and advances the session.
func (o *Orchestrator) Checkout(ctx context.Context, sessionID, cartID string) (*CartView, error) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.Checkout")
	defer span.End()

	view, err := o.carts.Checkout(ctx, cartID)
	if err != nil {
		return nil, classify(err, CodeUnknown)
	}

	if _, err := o.sessions.Update(ctx, sessionID, session.Update{
		CheckoutID: session.Str(view.Cart.ID),
		Stage:      session.Str(models.StageCheckedOut),
	}); err != nil {
		return nil, classify(err, CodeUnknown)
	}

	o.publish(ctx, func() error {
		return o.events.PublishCheckoutFrozen(ctx, &models.CheckoutFrozenEvent{
			BaseEvent:  newBaseEvent(models.EventTypeCheckoutFrozen),
			CheckoutID: view.Cart.ID,
			UserID:     view.Cart.UserID,
			TotalMinor: MinorUnits(view.Total, view.Cart.Currency),
			Currency:   view.Cart.Currency,
			ItemCount:  len(view.Items),
		})
	})
	return view, nil
}

// CreateMandate requests spend approval from the wallet authority for the
// checkout's server-computed total. The total is always recomputed from the
// catalog, never taken from the caller.
func (o *Orchestrator) CreateMandate(ctx context.Context, sessionID, checkoutID string) (*MandateResult, error) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.CreateMandate")
	defer span.End()
	defer o.observe("mandate")()

	state, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, classify(err, CodeUnknown)
	}
	if se := boundCheckout(state, checkoutID); se != nil {
		return nil, se
	}

	priced, err := o.ledger.PricedCheckout(ctx, checkoutID)
	if err != nil {
		return nil, o.fail(ctx, sessionID, "mandate", classify(err, CodeUnknown))
	}

	mandateID, err := o.wallet.CreateMandate(ctx,
		priced.UserID, priced.TotalMinor, priced.Currency, o.merchantName, priced.Summary)
	if err != nil {
		return nil, o.fail(ctx, sessionID, "mandate", classify(err, CodeUnknown))
	}

	if _, err := o.sessions.Update(ctx, sessionID, session.Update{
		MandateID:     session.Str(mandateID),
		MandateStatus: session.Str("approved"),
		Stage:         session.Str(models.StageMandateApproved),
	}); err != nil {
		return nil, classify(err, CodeUnknown)
	}

	util.MandatesCreatedTotal.Inc()
	o.logger.Info("Mandate approved",
		zap.String("checkout_id", checkoutID),
		zap.String("mandate_id", mandateID),
		zap.Int64("amount_minor", priced.TotalMinor))

	o.publish(ctx, func() error {
		return o.events.PublishMandateApproved(ctx, &models.MandateApprovedEvent{
			BaseEvent:   newBaseEvent(models.EventTypeMandateApproved),
			CheckoutID:  checkoutID,
			MandateID:   mandateID,
			AmountMinor: priced.TotalMinor,
			Currency:    priced.Currency,
		})
	})

	return &MandateResult{
		MandateID:   mandateID,
		AmountMinor: priced.TotalMinor,
		Currency:    priced.Currency,
	}, nil
}

// RealizeCredentials reveals card data from the wallet authority and
// immediately exchanges it for an opaque processor reference. The raw fields
// exist only on the path between RevealCard and TokenizeCard; they are never
// stored, logged or returned.
func (o *Orchestrator) RealizeCredentials(ctx context.Context, sessionID, checkoutID string) (*CredentialsResult, error) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.RealizeCredentials")
	defer span.End()
	defer o.observe("credentials")()

	state, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, classify(err, CodeUnknown)
	}
	if se := boundCheckout(state, checkoutID); se != nil {
		return nil, se
	}
	if state.MandateID == "" {
		return nil, stageErr(CodeInvalidState, false, "no approved mandate for this session")
	}

	priced, err := o.ledger.PricedCheckout(ctx, checkoutID)
	if err != nil {
		return nil, o.fail(ctx, sessionID, "credentials", classify(err, CodeUnknown))
	}

	revealToken, err := o.wallet.RequestRevealToken(ctx, priced.UserID, state.MandateID)
	if err != nil {
		return nil, o.fail(ctx, sessionID, "credentials", o.withRefreshLink(checkoutID, classify(err, CodeTokenizationFailed)))
	}

	if _, err := o.sessions.Update(ctx, sessionID, session.Update{
		Stage: session.Str(models.StageRevealTokenObtained),
	}); err != nil {
		return nil, classify(err, CodeUnknown)
	}

	util.CredentialRevealsTotal.Inc()

	card, err := o.wallet.RevealCard(ctx, revealToken)
	if err != nil {
		return nil, o.fail(ctx, sessionID, "credentials", o.withRefreshLink(checkoutID, classify(err, CodeTokenizationFailed)))
	}

	ref, err := card.SubmitTo(ctx, o.processor)
	if err != nil {
		return nil, o.fail(ctx, sessionID, "credentials", o.withRefreshLink(checkoutID, classify(err, CodeTokenizationFailed)))
	}

	if err := o.vault.Store(ctx, sessionID, ref, card.Last4()); err != nil {
		return nil, classify(err, CodeUnknown)
	}

	if _, err := o.sessions.Update(ctx, sessionID, session.Update{
		Stage: session.Str(models.StageCredentialsRealized),
	}); err != nil {
		return nil, classify(err, CodeUnknown)
	}

	util.TokenizationsTotal.Inc()
	o.logger.Info("Credentials realized",
		zap.String("checkout_id", checkoutID),
		zap.String("card_last4", card.Last4()))

	o.publish(ctx, func() error {
		return o.events.PublishCredentialsRealized(ctx, &models.CredentialsRealizedEvent{
			BaseEvent:  newBaseEvent(models.EventTypeCredentialsRealized),
			CheckoutID: checkoutID,
			CardLast4:  card.Last4(),
		})
	})

	return &CredentialsResult{CardLast4: card.Last4(), RevealedAt: time.Now().UTC()}, nil
}

// Settle charges the vaulted payment reference for the checkout's
// recomputed total and marks the cart paid. The idempotency key is derived
// from the checkout id, so replays after a timeout cannot double-charge.
func (o *Orchestrator) Settle(ctx context.Context, sessionID, checkoutID string) (*SettleResult, error) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.Settle")
	defer span.End()
	defer o.observe("settle")()

	state, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, classify(err, CodeUnknown)
	}
	if se := boundCheckout(state, checkoutID); se != nil {
		return nil, se
	}

	acquired, err := o.locks.AcquireLock(ctx, "settle:"+checkoutID, settleLockTTL)
	if err != nil {
		return nil, classify(err, CodeUnknown)
	}
	if !acquired {
		return nil, stageErr(CodeTransientUpstream, true, "settlement already in progress for this checkout")
	}
	defer func() {
		if err := o.locks.ReleaseLock(context.WithoutCancel(ctx), "settle:"+checkoutID); err != nil {
			o.logger.Warn("Failed to release settle lock", zap.Error(err))
		}
	}()

	// Credential freshness is checked before anything else; a stale
	// reference must never reach the processor.
	entry, err := o.vault.Get(ctx, sessionID)
	if err != nil {
		se := classify(err, CodeUnknown)
		if se.Code == CodeCredentialsExpired {
			util.VaultExpiriesTotal.Inc()
		}
		return nil, o.fail(ctx, sessionID, "settle", se)
	}

	priced, err := o.ledger.PricedCheckout(ctx, checkoutID)
	if err != nil {
		return nil, o.fail(ctx, sessionID, "settle", classify(err, CodeUnknown))
	}

	if _, err := o.sessions.Update(ctx, sessionID, session.Update{
		Stage: session.Str(models.StageSettling),
	}); err != nil {
		return nil, classify(err, CodeUnknown)
	}

	result, err := o.processor.CreateCharge(ctx,
		entry.PaymentMethodRef, priced.TotalMinor, priced.Currency, "pay_"+checkoutID)
	if err != nil {
		se := classify(err, CodeProcessorDeclined)
		if se.Retryable {
			// The caller may retry with the same idempotency key; the
			// session keeps a clean audit trail.
			return nil, se
		}
		// Terminal decline: the cart stays checked_out so a new attempt
		// with fresh credentials can retry this same checkout.
		util.SettlementsTotal.WithLabelValues("declined").Inc()
		o.recordTerminalFailure(ctx, sessionID, checkoutID, se)
		return nil, se
	}

	if err := o.ledger.MarkPaid(ctx, checkoutID); err != nil {
		// The charge went through but stock could not be committed. Leave
		// the cart checked_out for manual reconciliation; never silently
		// go negative on stock.
		se := classify(err, CodeUnknown)
		o.logger.Error("Charge succeeded but cart could not be marked paid",
			zap.String("checkout_id", checkoutID),
			zap.String("charge_id", result.ChargeID),
			zap.Error(err))
		return nil, o.fail(ctx, sessionID, "settle", se)
	}

	orderID := uuid.New().String()
	if _, err := o.sessions.Update(ctx, sessionID, session.Update{
		OrderID:       session.Str(orderID),
		ChargeID:      session.Str(result.ChargeID),
		PaymentStatus: session.Str(models.PaymentStatusSucceeded),
		Stage:         session.Str(models.StageCompleted),
	}); err != nil {
		return nil, classify(err, CodeUnknown)
	}

	// The reference is single-use: clear it the moment it has served.
	if err := o.vault.Clear(ctx, sessionID); err != nil {
		o.logger.Warn("Failed to clear vault after settlement", zap.Error(err))
	}

	util.SettlementsTotal.WithLabelValues("succeeded").Inc()
	o.logger.Info("Settlement completed",
		zap.String("checkout_id", checkoutID),
		zap.String("order_id", orderID),
		zap.String("charge_id", result.ChargeID))

	o.publish(ctx, func() error {
		return o.events.PublishPaymentSucceeded(ctx, &models.PaymentSucceededEvent{
			BaseEvent:   newBaseEvent(models.EventTypePaymentSucceeded),
			CheckoutID:  checkoutID,
			OrderID:     orderID,
			ChargeID:    result.ChargeID,
			AmountMinor: priced.TotalMinor,
			Currency:    priced.Currency,
		})
	})

	return &SettleResult{
		OrderID:     orderID,
		ChargeID:    result.ChargeID,
		AmountMinor: priced.TotalMinor,
		Currency:    priced.Currency,
	}, nil
}

// Session exposes the session record for the polling dashboard.
func (o *Orchestrator) Session(ctx context.Context, sessionID string) (*session.State, error) {
	state, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, classify(err, CodeUnknown)
	}
	return state, nil
}

// EndSession deletes the session and any vaulted reference. A reference must
// never outlive its session.
func (o *Orchestrator) EndSession(ctx context.Context, sessionID string) error {
	if err := o.vault.Clear(ctx, sessionID); err != nil {
		return classify(err, CodeUnknown)
	}
	if err := o.sessions.Delete(ctx, sessionID); err != nil {
		return classify(err, CodeUnknown)
	}
	return nil
}

// HandoffView is what the hosted refresh page renders: the checkout summary
// plus the wallet's non-sensitive billing profile.
type HandoffView struct {
	Checkout *PricedCheckout
	Billing  *wallet.BillingDetails
}

// HandoffSummary verifies a handoff token and returns the checkout summary
// the hosted refresh page renders. The token, not the session, is the
// capability here: the out-of-band actor never holds a session id.
func (o *Orchestrator) HandoffSummary(ctx context.Context, checkoutID, token string) (*HandoffView, error) {
	if err := o.handoff.Verify(token, checkoutID); err != nil {
		return nil, stageErr(CodeInvalidState, false, "%v", err)
	}
	priced, err := o.ledger.PricedCheckout(ctx, checkoutID)
	if err != nil {
		return nil, classify(err, CodeUnknown)
	}

	// The billing profile is optional on the hosted page; a wallet failure
	// here must not block the CVV refresh.
	billing, err := o.wallet.GetBillingDetails(ctx, priced.UserID)
	if err != nil {
		o.logger.Warn("Failed to fetch billing profile for hosted checkout",
			zap.String("checkout_id", checkoutID),
			zap.Error(err))
		billing = nil
	}
	return &HandoffView{Checkout: priced, Billing: billing}, nil
}

// boundCheckout rejects a checkout id that does not match the session's
// frozen checkout. A mandate approved in one session covers only that
// session's own checkout.
func boundCheckout(state *session.State, checkoutID string) *StageError {
	switch state.CheckoutID {
	case checkoutID:
		return nil
	case "":
		return stageErr(CodeInvalidState, false, "no frozen checkout for this session")
	default:
		return stageErr(CodeInvalidState, false, "checkout %s is not bound to this session", checkoutID)
	}
}

// withRefreshLink upgrades a CvvExpired classification with a hosted refresh
// link carrying a fresh handoff token, and clears any partially vaulted
// state so the stale cycle cannot be settled.
func (o *Orchestrator) withRefreshLink(checkoutID string, se *StageError) *StageError {
	if se.Code != CodeCvvExpired {
		return se
	}
	token := o.handoff.Mint(checkoutID)
	link := fmt.Sprintf("%s?checkout=%s&token=%s",
		o.refreshBaseURL, url.QueryEscape(checkoutID), url.QueryEscape(token))
	se.Remediation = fmt.Sprintf(
		"ask the user to re-enter their CVV at %s, then retry the credential step", link)
	return se
}

// fail records non-retryable failures into the session's error field.
// Retryable ones pass through untouched so an eventually-successful retry
// leaves a clean audit trail.
func (o *Orchestrator) fail(ctx context.Context, sessionID, stage string, se *StageError) *StageError {
	util.StageFailuresTotal.WithLabelValues(stage, string(se.Code)).Inc()
	if se.Retryable {
		return se
	}

	update := session.Update{LastError: session.Str(se.Message)}
	if se.Code == CodeCvvExpired {
		// Resume point stays at this stage; only clear partial credential
		// state so the stale cycle cannot settle.
		if err := o.vault.Clear(ctx, sessionID); err != nil {
			o.logger.Warn("Failed to clear vault on CVV rejection", zap.Error(err))
		}
	}
	if _, err := o.sessions.Update(ctx, sessionID, update); err != nil && err != session.ErrNotFound {
		o.logger.Warn("Failed to record stage error",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
	return se
}

// recordTerminalFailure writes the terminal failed status after a processor
// decline.
func (o *Orchestrator) recordTerminalFailure(ctx context.Context, sessionID, checkoutID string, se *StageError) {
	if _, err := o.sessions.Update(ctx, sessionID, session.Update{
		PaymentStatus: session.Str(models.PaymentStatusFailed),
		Stage:         session.Str(models.StageFailed),
		LastError:     session.Str(se.Message),
	}); err != nil {
		o.logger.Error("Failed to record terminal failure",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}

	o.publish(ctx, func() error {
		return o.events.PublishPaymentFailed(ctx, &models.PaymentFailedEvent{
			BaseEvent:  newBaseEvent(models.EventTypePaymentFailed),
			CheckoutID: checkoutID,
			Reason:     se.Message,
		})
	})
}

func (o *Orchestrator) publish(ctx context.Context, fn func() error) {
	if o.events == nil {
		return
	}
	if err := fn(); err != nil {
		o.logger.Warn("Failed to publish checkout event", zap.Error(err))
	}
}

func (o *Orchestrator) observe(stage string) func() {
	start := time.Now()
	return func() {
		util.StageLatency.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}
