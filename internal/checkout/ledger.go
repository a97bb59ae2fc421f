package checkout

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/shaniyakir/nekuda-agentic-wallet/internal/models"
	"github.com/shaniyakir/nekuda-agentic-wallet/internal/store"
	"github.com/shaniyakir/nekuda-agentic-wallet/internal/util"
)

// CartView is the caller-facing projection of a cart. Total is always
// recomputed server-side; callers never supply prices.
type CartView struct {
	Cart  *models.Cart      `json:"cart"`
	Items []models.CartItem `json:"items"`
	Total decimal.Decimal   `json:"total"`
}

// PricedCheckout is a frozen cart re-priced from the catalog at the moment
// of use. The mandate and settlement stages both request one, so the amount
// sent upstream is recomputed every time rather than read from a snapshot.
type PricedCheckout struct {
	CheckoutID string
	UserID     string
	Currency   string
	TotalMinor int64
	Summary    string
	Items      []models.CartItem
}

// CartService is the cart ledger: all mutations of cart contents and status
// flow through here, and every price it reports comes from the catalog.
type CartService struct {
	store  *store.Store
	logger *zap.Logger
}

func NewCartService(st *store.Store) *CartService {
	return &CartService{store: st, logger: util.GetLogger()}
}

// Products lists the catalog the agent picks from.
func (cs *CartService) Products(ctx context.Context) ([]models.Product, error) {
	return cs.store.GetProducts(ctx)
}

// Create opens a new active cart for the user.
func (cs *CartService) Create(ctx context.Context, userID, currency string) (*models.Cart, error) {
	cart := &models.Cart{
		ID:       uuid.New().String(),
		UserID:   userID,
		Status:   models.CartStatusActive,
		Currency: currency,
		Total:    decimal.Zero,
	}
	if err := cs.store.CreateCart(ctx, cart); err != nil {
		return nil, fmt.Errorf("create cart: %w", err)
	}

	util.CartsCreatedTotal.Inc()
	cs.logger.Info("Cart created",
		zap.String("cart_id", cart.ID),
		zap.String("user_id", userID))
	return cart, nil
}

// AddItem adds quantity of a product to an active cart.
func (cs *CartService) AddItem(ctx context.Context, cartID string, productID int64, quantity int) (*CartView, error) {
	if quantity <= 0 {
		return nil, stageErr(CodeInvalidState, false, "quantity must be positive")
	}
	if err := cs.store.AddCartItemTx(ctx, cartID, productID, quantity); err != nil {
		return nil, err
	}
	return cs.View(ctx, cartID)
}

// RemoveItem drops a product line entirely.
func (cs *CartService) RemoveItem(ctx context.Context, cartID string, productID int64) (*CartView, error) {
	if err := cs.store.RemoveCartItemTx(ctx, cartID, productID); err != nil {
		return nil, err
	}
	return cs.View(ctx, cartID)
}

// ReduceItem lowers a line's quantity, removing it at zero.
func (cs *CartService) ReduceItem(ctx context.Context, cartID string, productID int64, quantity int) (*CartView, error) {
	if quantity <= 0 {
		return nil, stageErr(CodeInvalidState, false, "quantity must be positive")
	}
	if err := cs.store.ReduceCartItemTx(ctx, cartID, productID, quantity); err != nil {
		return nil, err
	}
	return cs.View(ctx, cartID)
}

// View returns the cart with a total recomputed from the catalog. For a
// frozen cart the stored total is authoritative (it was recomputed at the
// freeze), so it is returned as-is.
func (cs *CartService) View(ctx context.Context, cartID string) (*CartView, error) {
	cart, err := cs.store.GetCartByID(ctx, cartID)
	if err != nil {
		return nil, err
	}
	items, err := cs.store.GetCartItems(ctx, cartID)
	if err != nil {
		return nil, err
	}

	if cart.Status != models.CartStatusActive {
		return &CartView{Cart: cart, Items: items, Total: cart.Total}, nil
	}

	products, err := cs.productsFor(ctx, items)
	if err != nil {
		return nil, err
	}
	total, err := totalFrom(items, products)
	if err != nil {
		return nil, err
	}
	return &CartView{Cart: cart, Items: items, Total: total}, nil
}

// Checkout freezes the cart. Price snapshots and the stored total are
// recomputed inside the freezing transaction; calling it twice fails.
func (cs *CartService) Checkout(ctx context.Context, cartID string) (*CartView, error) {
	cart, items, err := cs.store.CheckoutCartTx(ctx, cartID)
	if err != nil {
		return nil, err
	}

	util.CheckoutsFrozenTotal.Inc()
	cs.logger.Info("Cart frozen into checkout",
		zap.String("checkout_id", cart.ID),
		zap.String("total", cart.Total.String()))
	return &CartView{Cart: cart, Items: items, Total: cart.Total}, nil
}

// PricedCheckout loads a frozen cart and re-prices it from the catalog. Used
// by the mandate and settlement stages; a cart that is not checked_out is
// rejected here before anything is sent upstream.
func (cs *CartService) PricedCheckout(ctx context.Context, checkoutID string) (*PricedCheckout, error) {
	cart, err := cs.store.GetCartByID(ctx, checkoutID)
	if err != nil {
		return nil, err
	}
	if cart.Status != models.CartStatusCheckedOut {
		return nil, fmt.Errorf("%w: status=%s", store.ErrCartNotCheckedOut, cart.Status)
	}

	items, err := cs.store.GetCartItems(ctx, checkoutID)
	if err != nil {
		return nil, err
	}
	products, err := cs.productsFor(ctx, items)
	if err != nil {
		return nil, err
	}

	total, err := totalFrom(items, products)
	if err != nil {
		return nil, err
	}

	return &PricedCheckout{
		CheckoutID: cart.ID,
		UserID:     cart.UserID,
		Currency:   cart.Currency,
		TotalMinor: MinorUnits(total, cart.Currency),
		Summary:    summaryFrom(items, products),
		Items:      items,
	}, nil
}

// MarkPaid transitions the checkout to paid and decrements stock, the only
// stock mutation in the system.
func (cs *CartService) MarkPaid(ctx context.Context, checkoutID string) error {
	return cs.store.MarkCartPaidTx(ctx, checkoutID)
}

func (cs *CartService) productsFor(ctx context.Context, items []models.CartItem) (map[int64]*models.Product, error) {
	ids := make([]int64, len(items))
	for i, item := range items {
		ids[i] = item.ProductID
	}
	return cs.store.GetProductsByIDs(ctx, ids)
}

// totalFrom computes the catalog-priced total for the given lines. A missing
// product fails closed rather than pricing the line at zero.
func totalFrom(items []models.CartItem, products map[int64]*models.Product) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, item := range items {
		product, ok := products[item.ProductID]
		if !ok {
			return decimal.Zero, fmt.Errorf("%w: product=%d", store.ErrStaleProduct, item.ProductID)
		}
		total = total.Add(product.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total, nil
}

// summaryFrom builds the human-readable line summary sent to the wallet
// authority ("2x Widget, 1x Gadget").
func summaryFrom(items []models.CartItem, products map[int64]*models.Product) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		name := fmt.Sprintf("product %d", item.ProductID)
		if p, ok := products[item.ProductID]; ok {
			name = p.Name
		}
		parts = append(parts, fmt.Sprintf("%dx %s", item.Quantity, name))
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}

// minorUnitExponents lists currencies that do not use two decimal places.
var minorUnitExponents = map[string]int32{
	"JPY": 0,
	"KRW": 0,
	"BHD": 3,
	"KWD": 3,
}

// MinorUnits converts a decimal amount to the currency's minor unit,
// rounding half away from zero (89.99 USD -> 8999).
func MinorUnits(amount decimal.Decimal, currency string) int64 {
	exp, ok := minorUnitExponents[strings.ToUpper(currency)]
	if !ok {
		exp = 2
	}
	return amount.Shift(exp).Round(0).IntPart()
}
