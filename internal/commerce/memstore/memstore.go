// Package memstore is an in-memory host platform: users, settings, carts,
// coupons, orders and credit accounts behind one RWMutex.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/storecredits/internal/commerce"
	"github.com/MarkoPoloResearchLab/storecredits/pkg/ledger"
)

// Store implements the commerce collaborators, ledger.Store and the settings
// key-value store in memory.
type Store struct {
	mu       sync.RWMutex
	users    map[string]commerce.User
	accounts map[string]ledger.Account
	settings map[string]string
	coupons  map[string]commerce.Coupon
	carts    map[string]*cart
	orders   map[string]*commerce.Order
	stock    map[string]int
	sequence int
}

type cart struct {
	id       string
	userID   ledger.UserID
	subtotal ledger.Amount
	coupons  []string
	items    []commerce.OrderItem
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		users:    make(map[string]commerce.User),
		accounts: make(map[string]ledger.Account),
		settings: make(map[string]string),
		coupons:  make(map[string]commerce.Coupon),
		carts:    make(map[string]*cart),
		orders:   make(map[string]*commerce.Order),
		stock:    make(map[string]int),
	}
}

// AddUser registers a user.
func (store *Store) AddUser(user commerce.User) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.users[user.ID.String()] = user
}

// SetStock sets the inventory level of a product.
func (store *Store) SetStock(productID string, quantity int) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.stock[productID] = quantity
}

// Stock returns the inventory level of a product.
func (store *Store) Stock(productID string) int {
	store.mu.RLock()
	defer store.mu.RUnlock()
	return store.stock[productID]
}

// CreateCart opens a cart for userID with the given subtotal and items.
func (store *Store) CreateCart(cartID string, userID ledger.UserID, subtotal ledger.Amount, items ...commerce.OrderItem) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.carts[cartID] = &cart{id: cartID, userID: userID, subtotal: subtotal, items: items}
}

// PlaceOrder turns a cart into a pending order, counts coupon usage and
// empties the cart.
func (store *Store) PlaceOrder(_ context.Context, cartID string, now time.Time) (commerce.Order, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	current, ok := store.carts[cartID]
	if !ok {
		return commerce.Order{}, fmt.Errorf("%w: %s", commerce.ErrCartNotFound, cartID)
	}
	view := store.cartView(current)
	for _, code := range view.Coupons {
		coupon := store.coupons[normalizeCode(code)]
		coupon.UsageCount++
		store.coupons[normalizeCode(code)] = coupon
	}
	store.sequence++
	order := &commerce.Order{
		ID:                fmt.Sprintf("order-%d", store.sequence),
		UserID:            current.userID,
		Total:             view.Total,
		UsedCoupons:       append([]string(nil), view.Coupons...),
		Status:            commerce.OrderStatusPending,
		PartialCreditUsed: ledger.ZeroAmount(),
		Items:             append([]commerce.OrderItem(nil), current.items...),
		CreatedAt:         now,
	}
	store.orders[order.ID] = order
	current.coupons = nil
	current.items = nil
	current.subtotal = ledger.ZeroAmount()
	return *order, nil
}

// ListUserIDs implements commerce.UserDirectory.
func (store *Store) ListUserIDs(context.Context) ([]ledger.UserID, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	ids := make([]ledger.UserID, 0, len(store.users))
	for _, user := range store.users {
		ids = append(ids, user.ID)
	}
	sort.Slice(ids, func(left, right int) bool { return ids[left].String() < ids[right].String() })
	return ids, nil
}

// FindUserByID implements commerce.UserDirectory.
func (store *Store) FindUserByID(_ context.Context, id string) (commerce.User, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	user, ok := store.users[strings.TrimSpace(id)]
	if !ok {
		return commerce.User{}, fmt.Errorf("%w: id %s", commerce.ErrUserNotFound, id)
	}
	return user, nil
}

// FindUserByEmail implements commerce.UserDirectory.
func (store *Store) FindUserByEmail(_ context.Context, email string) (commerce.User, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	for _, user := range store.users {
		if strings.EqualFold(user.Email, strings.TrimSpace(email)) {
			return user, nil
		}
	}
	return commerce.User{}, fmt.Errorf("%w: email %s", commerce.ErrUserNotFound, email)
}

// GetAccount implements ledger.Store.
func (store *Store) GetAccount(_ context.Context, userID ledger.UserID) (ledger.Account, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	account, ok := store.accounts[userID.String()]
	if !ok {
		return ledger.Account{UserID: userID, Balance: ledger.ZeroAmount()}, nil
	}
	return account, nil
}

// SwapAccount implements ledger.Store.
func (store *Store) SwapAccount(_ context.Context, previous ledger.Account, next ledger.Account) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	stored, ok := store.accounts[next.UserID.String()]
	storedVersion := int64(0)
	if ok {
		storedVersion = stored.Version
	}
	if storedVersion != previous.Version {
		return fmt.Errorf("%w: user %s", ledger.ErrConcurrentUpdate, next.UserID.String())
	}
	store.accounts[next.UserID.String()] = next
	return nil
}

// GetSetting implements the settings key-value store.
func (store *Store) GetSetting(_ context.Context, key string) (string, bool, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	value, ok := store.settings[key]
	return value, ok, nil
}

// SetSetting implements the settings key-value store.
func (store *Store) SetSetting(_ context.Context, key string, value string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.settings[key] = value
	return nil
}

// GetCart implements commerce.CartStore.
func (store *Store) GetCart(_ context.Context, cartID string) (commerce.Cart, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	current, ok := store.carts[cartID]
	if !ok {
		return commerce.Cart{}, fmt.Errorf("%w: %s", commerce.ErrCartNotFound, cartID)
	}
	return store.cartView(current), nil
}

// ApplyCoupon implements commerce.CartStore.
func (store *Store) ApplyCoupon(_ context.Context, cartID string, code string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	current, ok := store.carts[cartID]
	if !ok {
		return fmt.Errorf("%w: %s", commerce.ErrCartNotFound, cartID)
	}
	if _, ok := store.coupons[normalizeCode(code)]; !ok {
		return fmt.Errorf("%w: %s", commerce.ErrCouponNotFound, code)
	}
	for _, applied := range current.coupons {
		if normalizeCode(applied) == normalizeCode(code) {
			return nil
		}
	}
	current.coupons = append(current.coupons, normalizeCode(code))
	return nil
}

// RemoveCoupon implements commerce.CartStore.
func (store *Store) RemoveCoupon(_ context.Context, cartID string, code string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	current, ok := store.carts[cartID]
	if !ok {
		return fmt.Errorf("%w: %s", commerce.ErrCartNotFound, cartID)
	}
	remaining := current.coupons[:0]
	for _, applied := range current.coupons {
		if normalizeCode(applied) != normalizeCode(code) {
			remaining = append(remaining, applied)
		}
	}
	current.coupons = remaining
	return nil
}

// CreateCoupon implements commerce.CouponStore.
func (store *Store) CreateCoupon(_ context.Context, coupon commerce.Coupon) (commerce.Coupon, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	key := normalizeCode(coupon.Code)
	if _, exists := store.coupons[key]; exists {
		return commerce.Coupon{}, fmt.Errorf("%w: %s", commerce.ErrDuplicateCoupon, coupon.Code)
	}
	store.sequence++
	coupon.ID = fmt.Sprintf("coupon-%d", store.sequence)
	coupon.Code = key
	store.coupons[key] = coupon
	return coupon, nil
}

// FindCouponByCode implements commerce.CouponStore.
func (store *Store) FindCouponByCode(_ context.Context, code string) (commerce.Coupon, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	coupon, ok := store.coupons[normalizeCode(code)]
	if !ok {
		return commerce.Coupon{}, fmt.Errorf("%w: %s", commerce.ErrCouponNotFound, code)
	}
	return coupon, nil
}

// DeleteCoupon implements commerce.CouponStore.
func (store *Store) DeleteCoupon(_ context.Context, couponID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	for key, coupon := range store.coupons {
		if coupon.ID == couponID {
			delete(store.coupons, key)
			return nil
		}
	}
	return fmt.Errorf("%w: id %s", commerce.ErrCouponNotFound, couponID)
}

// ListUnusedCoupons implements commerce.CouponStore.
func (store *Store) ListUnusedCoupons(_ context.Context, prefix string, createdBefore time.Time) ([]commerce.Coupon, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	stale := make([]commerce.Coupon, 0)
	for _, coupon := range store.coupons {
		if strings.HasPrefix(coupon.Code, prefix) && coupon.UsageCount == 0 && coupon.CreatedAt.Before(createdBefore) {
			stale = append(stale, coupon)
		}
	}
	sort.Slice(stale, func(left, right int) bool { return stale[left].Code < stale[right].Code })
	return stale, nil
}

// ListHeldCreditCoupons implements commerce.CouponStore.
func (store *Store) ListHeldCreditCoupons(_ context.Context, ownerID ledger.UserID) ([]commerce.Coupon, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	codes := make(map[string]bool)
	for _, current := range store.carts {
		for _, code := range current.coupons {
			codes[normalizeCode(code)] = true
		}
	}
	for _, order := range store.orders {
		if order.CreditDeducted {
			continue
		}
		for _, code := range order.CreditCoupons() {
			codes[normalizeCode(code)] = true
		}
	}
	held := make([]commerce.Coupon, 0)
	for code := range codes {
		coupon, ok := store.coupons[code]
		if !ok || coupon.OwnerUserID != ownerID || !commerce.IsCreditCouponCode(coupon.Code) {
			continue
		}
		held = append(held, coupon)
	}
	sort.Slice(held, func(left, right int) bool { return held[left].Code < held[right].Code })
	return held, nil
}

// GetOrder implements commerce.OrderStore.
func (store *Store) GetOrder(_ context.Context, orderID string) (commerce.Order, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	order, ok := store.orders[orderID]
	if !ok {
		return commerce.Order{}, fmt.Errorf("%w: %s", commerce.ErrOrderNotFound, orderID)
	}
	snapshot := *order
	snapshot.UsedCoupons = append([]string(nil), order.UsedCoupons...)
	snapshot.Items = append([]commerce.OrderItem(nil), order.Items...)
	snapshot.Notes = append([]string(nil), order.Notes...)
	return snapshot, nil
}

// SetPartialCreditUsed implements commerce.OrderStore.
func (store *Store) SetPartialCreditUsed(_ context.Context, orderID string, amount ledger.Amount) error {
	return store.updateOrder(orderID, func(order *commerce.Order) {
		order.PartialCreditUsed = amount
	})
}

// ClaimCreditDeduction implements commerce.OrderStore.
func (store *Store) ClaimCreditDeduction(_ context.Context, orderID string) (bool, error) {
	claimed := false
	err := store.updateOrder(orderID, func(order *commerce.Order) {
		if !order.CreditDeducted {
			order.CreditDeducted = true
			claimed = true
		}
	})
	return claimed, err
}

// ReleaseCreditDeduction implements commerce.OrderStore.
func (store *Store) ReleaseCreditDeduction(_ context.Context, orderID string) error {
	return store.updateOrder(orderID, func(order *commerce.Order) {
		order.CreditDeducted = false
	})
}

// MarkPaid implements commerce.OrderStore.
func (store *Store) MarkPaid(_ context.Context, orderID string, paymentMethod string, paidAt time.Time) (bool, error) {
	marked := false
	err := store.updateOrder(orderID, func(order *commerce.Order) {
		if order.Status.IsPaid() {
			return
		}
		order.Status = commerce.OrderStatusProcessing
		order.PaymentMethod = paymentMethod
		order.PaidAt = paidAt
		marked = true
	})
	return marked, err
}

// ReduceStock implements commerce.OrderStore.
func (store *Store) ReduceStock(_ context.Context, orderID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	order, ok := store.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", commerce.ErrOrderNotFound, orderID)
	}
	for _, item := range order.Items {
		if store.stock[item.ProductID] < item.Quantity {
			return fmt.Errorf("%w: product %s", commerce.ErrInsufficientStock, item.ProductID)
		}
	}
	for _, item := range order.Items {
		store.stock[item.ProductID] -= item.Quantity
	}
	return nil
}

// AddNote implements commerce.OrderStore.
func (store *Store) AddNote(_ context.Context, orderID string, note string) error {
	return store.updateOrder(orderID, func(order *commerce.Order) {
		order.Notes = append(order.Notes, note)
	})
}

func (store *Store) updateOrder(orderID string, apply func(order *commerce.Order)) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	order, ok := store.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", commerce.ErrOrderNotFound, orderID)
	}
	apply(order)
	return nil
}

func (store *Store) cartView(current *cart) commerce.Cart {
	total := current.subtotal
	for _, code := range current.coupons {
		if coupon, ok := store.coupons[normalizeCode(code)]; ok {
			total = total.SubClamped(coupon.Amount)
		}
	}
	return commerce.Cart{
		ID:       current.id,
		UserID:   current.userID,
		Subtotal: current.subtotal,
		Total:    total,
		Coupons:  append([]string(nil), current.coupons...),
	}
}

func normalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}
