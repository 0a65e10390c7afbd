// Package commerce declares the host platform primitives the credit engine
// consumes: users, carts, discount coupons and orders.
package commerce

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/storecredits/pkg/ledger"
)

// CreditCouponPrefix tags coupons generated from store credit.
const CreditCouponPrefix = "credits-"

// Host lookup failures.
var (
	ErrUserNotFound      = errors.New("user not found")
	ErrCartNotFound      = errors.New("cart not found")
	ErrCouponNotFound    = errors.New("coupon not found")
	ErrOrderNotFound     = errors.New("order not found")
	ErrDuplicateCoupon   = errors.New("coupon code already exists")
	ErrInsufficientStock = errors.New("insufficient stock")
)

// IsCreditCouponCode reports whether code was generated from store credit.
func IsCreditCouponCode(code string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(code)), CreditCouponPrefix)
}

// User is a registered customer.
type User struct {
	ID           ledger.UserID
	Email        string
	RegisteredAt time.Time
}

// Coupon is a fixed-amount discount code.
type Coupon struct {
	ID                string
	Code              string
	Amount            ledger.Amount
	UsageLimit        int
	UsageLimitPerUser int
	UsageCount        int
	OwnerUserID       ledger.UserID
	Note              string
	CreatedAt         time.Time
}

// Redeemed reports whether the coupon was used by any order.
func (coupon Coupon) Redeemed() bool {
	return coupon.UsageCount > 0
}

// Cart is the host's computed view of a shopping cart.
type Cart struct {
	ID       string
	UserID   ledger.UserID
	Subtotal ledger.Amount
	// Total is the subtotal after applied coupons.
	Total   ledger.Amount
	Coupons []string
}

// CreditCoupons returns the applied codes that were generated from store credit.
func (cart Cart) CreditCoupons() []string {
	return filterCreditCodes(cart.Coupons)
}

// HasCoupon reports whether code is applied to the cart.
func (cart Cart) HasCoupon(code string) bool {
	for _, applied := range cart.Coupons {
		if strings.EqualFold(applied, code) {
			return true
		}
	}
	return false
}

// OrderStatus is the host order lifecycle state.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusCompleted  OrderStatus = "completed"
)

// IsPaid reports whether payment was captured for the order.
func (status OrderStatus) IsPaid() bool {
	return status == OrderStatusProcessing || status == OrderStatusCompleted
}

// OrderItem is one product line of an order.
type OrderItem struct {
	ProductID string
	Quantity  int
}

// Order is a placed order with its store-credit usage record.
type Order struct {
	ID                string
	UserID            ledger.UserID
	Total             ledger.Amount
	UsedCoupons       []string
	Status            OrderStatus
	PaymentMethod     string
	PartialCreditUsed ledger.Amount
	CreditDeducted    bool
	Items             []OrderItem
	Notes             []string
	CreatedAt         time.Time
	PaidAt            time.Time
}

// CreditCoupons returns the used codes that were generated from store credit.
func (order Order) CreditCoupons() []string {
	return filterCreditCodes(order.UsedCoupons)
}

// UserDirectory enumerates and looks up users.
type UserDirectory interface {
	ListUserIDs(ctx context.Context) ([]ledger.UserID, error)
	FindUserByID(ctx context.Context, id string) (User, error)
	FindUserByEmail(ctx context.Context, email string) (User, error)
}

// CartStore reads carts and attaches or detaches coupons.
type CartStore interface {
	GetCart(ctx context.Context, cartID string) (Cart, error)
	ApplyCoupon(ctx context.Context, cartID string, code string) error
	RemoveCoupon(ctx context.Context, cartID string, code string) error
}

// CouponStore persists discount coupons.
type CouponStore interface {
	CreateCoupon(ctx context.Context, coupon Coupon) (Coupon, error)
	FindCouponByCode(ctx context.Context, code string) (Coupon, error)
	DeleteCoupon(ctx context.Context, couponID string) error
	// ListUnusedCoupons returns coupons whose code starts with prefix, whose
	// usage count is zero and which were created before createdBefore.
	ListUnusedCoupons(ctx context.Context, prefix string, createdBefore time.Time) ([]Coupon, error)
	// ListHeldCreditCoupons returns the owner's credit coupons that still claim
	// part of the balance: unredeemed coupons applied to a cart, and redeemed
	// coupons whose order has not had its credit deducted yet.
	ListHeldCreditCoupons(ctx context.Context, ownerID ledger.UserID) ([]Coupon, error)
}

// CreditHolds reports the balance promised to issued credit coupons.
type CreditHolds struct {
	coupons CouponStore
}

// NewCreditHolds returns a ledger.Holds backed by coupons.
func NewCreditHolds(coupons CouponStore) CreditHolds {
	return CreditHolds{coupons: coupons}
}

// HeldAmount implements ledger.Holds.
func (holds CreditHolds) HeldAmount(ctx context.Context, userID ledger.UserID) (ledger.Amount, error) {
	coupons, err := holds.coupons.ListHeldCreditCoupons(ctx, userID)
	if err != nil {
		return ledger.Amount{}, err
	}
	held := ledger.ZeroAmount()
	for _, coupon := range coupons {
		held = held.Add(coupon.Amount)
	}
	return held, nil
}

// OrderStore reads orders and records payment and credit usage.
type OrderStore interface {
	GetOrder(ctx context.Context, orderID string) (Order, error)
	SetPartialCreditUsed(ctx context.Context, orderID string, amount ledger.Amount) error
	// ClaimCreditDeduction atomically flips the already-deducted flag and
	// reports whether this caller flipped it.
	ClaimCreditDeduction(ctx context.Context, orderID string) (bool, error)
	ReleaseCreditDeduction(ctx context.Context, orderID string) error
	// MarkPaid moves a pending order to processing and reports false when the
	// order was already paid.
	MarkPaid(ctx context.Context, orderID string, paymentMethod string, paidAt time.Time) (bool, error)
	ReduceStock(ctx context.Context, orderID string) error
	AddNote(ctx context.Context, orderID string, note string) error
}

func filterCreditCodes(codes []string) []string {
	credit := make([]string, 0, len(codes))
	for _, code := range codes {
		if IsCreditCouponCode(code) {
			credit = append(credit, code)
		}
	}
	return credit
}
