// Package gateway offers store credit as a checkout payment method when the
// balance covers the whole cart.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/storecredits/internal/commerce"
	"github.com/MarkoPoloResearchLab/storecredits/internal/metrics"
	"github.com/MarkoPoloResearchLab/storecredits/internal/settings"
	"github.com/MarkoPoloResearchLab/storecredits/pkg/ledger"
	"go.uber.org/zap"
)

// PaymentMethodID identifies the payment method on orders.
const PaymentMethodID = "store_credits"

const (
	paymentNoteFormat = "Customer used %s in store credits (full payment)."
	refundNoteFormat  = "Store-credit payment of %s was refunded because the order could not be marked paid."

	messageNotAuthenticated   = "You must be logged in to use Store Credits."
	messageInsufficientFunds  = "Not enough store credits for full payment."
	messageGatewayDisabled    = "Store Credits payment is not available."
	messageCreditCouponActive = "Remove the store-credit discount to pay with Store Credits."
	messageOrderNotOwned      = "This order cannot be paid with your Store Credits."
)

// Reason explains why the payment method is not offered.
type Reason string

const (
	ReasonAvailable           Reason = ""
	ReasonDisabled            Reason = "disabled"
	ReasonAnonymous           Reason = "anonymous"
	ReasonCartUnavailable     Reason = "cart_unavailable"
	ReasonCreditCouponApplied Reason = "credit_coupon_applied"
	ReasonInsufficientFunds   Reason = "insufficient_funds"
)

var (
	// ErrNotAuthenticated reports a payment attempt without a customer.
	ErrNotAuthenticated = errors.New("customer is not authenticated")
	// ErrGatewayDisabled reports that full payment is switched off.
	ErrGatewayDisabled = errors.New("store credit payment disabled")
	// ErrOrderNotOwned reports an order placed by another customer.
	ErrOrderNotOwned = errors.New("order belongs to another customer")
	// ErrCreditCouponApplied reports an order that already redeemed a credit coupon.
	ErrCreditCouponApplied = errors.New("order carries a store-credit coupon")
	// ErrInvalidGatewayConfig reports a missing dependency.
	ErrInvalidGatewayConfig = errors.New("invalid gateway config")
)

// SnapshotSource loads the configuration in effect.
type SnapshotSource interface {
	Load(ctx context.Context) (settings.Snapshot, error)
}

// Availability is the outcome of the payment-method predicate.
type Availability struct {
	Available bool
	Reason    Reason
	Balance   ledger.Amount
	Held      ledger.Amount
	CartTotal ledger.Amount
}

// PayRequest asks to pay orderID from the balance of UserID.
type PayRequest struct {
	UserID  ledger.UserID
	OrderID string
}

// PayResult reports the captured payment.
type PayResult struct {
	OrderID     string
	Amount      ledger.Amount
	Balance     ledger.Amount
	AlreadyPaid bool
}

// Gate implements the store-credit payment method.
type Gate struct {
	credits  *ledger.Service
	carts    commerce.CartStore
	orders   commerce.OrderStore
	settings SnapshotSource
	logger   *zap.Logger
	now      func() time.Time
}

// New wires a Gate.
func New(credits *ledger.Service, carts commerce.CartStore, orders commerce.OrderStore, source SnapshotSource, logger *zap.Logger, now func() time.Time) (*Gate, error) {
	if credits == nil || carts == nil || orders == nil || source == nil || now == nil {
		return nil, fmt.Errorf("%w: credits, carts, orders, settings and clock are required", ErrInvalidGatewayConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{credits: credits, carts: carts, orders: orders, settings: source, logger: logger, now: now}, nil
}

// Availability reports whether the payment method should be offered for
// cartID. Collaborator failures hide the method.
func (gate *Gate) Availability(ctx context.Context, userID ledger.UserID, cartID string) Availability {
	snapshot, err := gate.settings.Load(ctx)
	if err != nil {
		gate.logger.Warn("gateway availability: settings unavailable", zap.Error(err))
		return Availability{Reason: ReasonDisabled}
	}
	if !snapshot.FullPaymentEnabled {
		return Availability{Reason: ReasonDisabled}
	}
	if userID.IsZero() {
		return Availability{Reason: ReasonAnonymous}
	}
	cart, err := gate.carts.GetCart(ctx, cartID)
	if err != nil || cart.UserID != userID {
		return Availability{Reason: ReasonCartUnavailable}
	}
	if len(cart.CreditCoupons()) > 0 {
		return Availability{Reason: ReasonCreditCouponApplied, CartTotal: cart.Total}
	}
	spendable, err := gate.credits.Spendable(ctx, userID)
	if err != nil {
		gate.logger.Warn("gateway availability: balance unavailable", zap.String("user_id", userID.String()), zap.Error(err))
		return Availability{Reason: ReasonCartUnavailable, CartTotal: cart.Total}
	}
	availability := Availability{Balance: spendable.Balance, Held: spendable.Held, CartTotal: cart.Total}
	if spendable.Available.LessThan(cart.Total) {
		availability.Reason = ReasonInsufficientFunds
		return availability
	}
	availability.Available = true
	return availability
}

// Pay debits exactly the order total and marks the order paid. Paying an
// order that is already paid succeeds without a debit.
func (gate *Gate) Pay(ctx context.Context, request PayRequest) (PayResult, error) {
	if request.UserID.IsZero() {
		return PayResult{}, ErrNotAuthenticated
	}
	snapshot, err := gate.settings.Load(ctx)
	if err != nil {
		return PayResult{}, fmt.Errorf("load settings: %w", err)
	}
	if !snapshot.FullPaymentEnabled {
		return PayResult{}, ErrGatewayDisabled
	}
	order, err := gate.orders.GetOrder(ctx, request.OrderID)
	if err != nil {
		return PayResult{}, err
	}
	if order.UserID != request.UserID {
		return PayResult{}, fmt.Errorf("%w: %s", ErrOrderNotOwned, request.OrderID)
	}
	if order.Status.IsPaid() {
		return PayResult{OrderID: order.ID, AlreadyPaid: true}, nil
	}
	if len(order.CreditCoupons()) > 0 {
		metrics.RecordFullPayment(metrics.OutcomeRejected)
		return PayResult{}, fmt.Errorf("%w: %s", ErrCreditCouponApplied, request.OrderID)
	}

	account, err := gate.credits.Spend(ctx, request.UserID, order.Total)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			metrics.RecordFullPayment(metrics.OutcomeRejected)
		} else {
			metrics.RecordFullPayment(metrics.OutcomeFailed)
		}
		return PayResult{}, err
	}

	marked, markErr := gate.orders.MarkPaid(ctx, order.ID, PaymentMethodID, gate.now())
	if markErr != nil || !marked {
		if refundErr := gate.refund(ctx, order); refundErr != nil {
			metrics.RecordFullPayment(metrics.OutcomeFailed)
			return PayResult{}, errors.Join(markErr, refundErr)
		}
		if markErr != nil {
			metrics.RecordFullPayment(metrics.OutcomeFailed)
			return PayResult{}, fmt.Errorf("mark order paid: %w", markErr)
		}
		return PayResult{OrderID: order.ID, AlreadyPaid: true}, nil
	}

	if err := gate.orders.ReduceStock(ctx, order.ID); err != nil {
		gate.logger.Warn("stock reduction failed", zap.String("order_id", order.ID), zap.Error(err))
	}
	if err := gate.orders.AddNote(ctx, order.ID, fmt.Sprintf(paymentNoteFormat, order.Total.String())); err != nil {
		gate.logger.Warn("order note failed", zap.String("order_id", order.ID), zap.Error(err))
	}
	metrics.RecordFullPayment(metrics.OutcomePaid)
	metrics.RecordDebit(PaymentMethodID, metrics.OutcomeApplied)
	gate.logger.Info("order paid with store credits",
		zap.String("order_id", order.ID),
		zap.String("user_id", request.UserID.String()),
		zap.String("amount", order.Total.String()),
		zap.String("balance", account.Balance.String()))
	return PayResult{OrderID: order.ID, Amount: order.Total, Balance: account.Balance}, nil
}

func (gate *Gate) refund(ctx context.Context, order commerce.Order) error {
	if _, err := gate.credits.Credit(ctx, order.UserID, order.Total); err != nil {
		gate.logger.Error("store-credit refund failed",
			zap.String("order_id", order.ID),
			zap.String("user_id", order.UserID.String()),
			zap.String("amount", order.Total.String()),
			zap.Error(err))
		return fmt.Errorf("refund store credit: %w", err)
	}
	if err := gate.orders.AddNote(ctx, order.ID, fmt.Sprintf(refundNoteFormat, order.Total.String())); err != nil {
		gate.logger.Warn("order note failed", zap.String("order_id", order.ID), zap.Error(err))
	}
	return nil
}

// UserMessage returns the customer-facing text for a Pay error.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrNotAuthenticated), errors.Is(err, ledger.ErrInvalidUserID):
		return messageNotAuthenticated
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return messageInsufficientFunds
	case errors.Is(err, ErrGatewayDisabled):
		return messageGatewayDisabled
	case errors.Is(err, ErrCreditCouponApplied):
		return messageCreditCouponActive
	case errors.Is(err, ErrOrderNotOwned), errors.Is(err, commerce.ErrOrderNotFound):
		return messageOrderNotOwned
	default:
		return messageGatewayDisabled
	}
}
