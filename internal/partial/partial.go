// Package partial lets a customer whose balance is below the cart total turn
// the balance into a one-time discount coupon, and debits the balance once
// the order that redeemed it is processed.
package partial

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/storecredits/internal/antiforgery"
	"github.com/MarkoPoloResearchLab/storecredits/internal/commerce"
	"github.com/MarkoPoloResearchLab/storecredits/internal/metrics"
	"github.com/MarkoPoloResearchLab/storecredits/internal/settings"
	"github.com/MarkoPoloResearchLab/storecredits/pkg/ledger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventCouponRemoved tells the storefront to refresh its cart view.
const EventCouponRemoved = "coupon_removed"

const (
	codeSuffixLength      = 10
	maxCodeAttempts       = 3
	couponUsageLimit      = 1
	couponUsageLimitUser  = 1
	debitSource           = "partial"
	couponNoteFormat      = "Store-credit partial usage for user ID #%s"
	orderDebitNoteFormat  = "Customer used %s of store credits (partial). Balance went from %s to %s."
	orderClampedNoteExtra = " Only %s could be deducted."
)

// RenderMode selects the checkout widget to show.
type RenderMode string

const (
	RenderNone   RenderMode = "none"
	RenderCreate RenderMode = "create"
	RenderRemove RenderMode = "remove"
)

var (
	// ErrNotEligible reports that the partial-usage window does not apply.
	ErrNotEligible = errors.New("partial credit usage not available")
	// ErrCartNotOwned reports a cart that belongs to another user.
	ErrCartNotOwned = errors.New("cart belongs to another user")
	// ErrNotCreditCoupon reports an attempt to remove a coupon that was not generated from credit.
	ErrNotCreditCoupon = errors.New("coupon was not generated from store credit")
	// ErrInvalidWorkflowConfig reports a missing dependency.
	ErrInvalidWorkflowConfig = errors.New("invalid partial workflow config")
)

// SnapshotSource loads the configuration in effect.
type SnapshotSource interface {
	Load(ctx context.Context) (settings.Snapshot, error)
}

// Dependencies groups the collaborators of a Workflow.
type Dependencies struct {
	Credits  *ledger.Service
	Carts    commerce.CartStore
	Coupons  commerce.CouponStore
	Orders   commerce.OrderStore
	Settings SnapshotSource
	Tokens   *antiforgery.Manager
	// Locker serializes coupon creation per user. Optional.
	Locker ledger.Locker
	Logger *zap.Logger
	Now    func() time.Time
	// NewCode overrides the coupon code generator. Optional.
	NewCode func() string
}

// Workflow implements the partial-usage state machine.
type Workflow struct {
	credits  *ledger.Service
	carts    commerce.CartStore
	coupons  commerce.CouponStore
	orders   commerce.OrderStore
	settings SnapshotSource
	tokens   *antiforgery.Manager
	locker   ledger.Locker
	logger   *zap.Logger
	now      func() time.Time
	newCode  func() string
}

// RenderState describes what the checkout should display.
type RenderState struct {
	Mode    RenderMode
	Balance ledger.Amount
	// Held is the part of Balance promised to credit coupons in other carts.
	Held        ledger.Amount
	CartTotal   ledger.Amount
	Amount      ledger.Amount
	ActiveCode  string
	Disclaimer  string
	CreateToken string
	RemoveToken string
}

// CreateRequest asks for a partial-usage coupon.
type CreateRequest struct {
	UserID ledger.UserID
	CartID string
	Token  string
}

// CreateResult carries the active coupon. Created is false when the cart
// already carried one.
type CreateResult struct {
	Coupon  commerce.Coupon
	Created bool
}

// RemoveRequest asks to detach a partial-usage coupon from the cart.
type RemoveRequest struct {
	UserID ledger.UserID
	CartID string
	// Code defaults to the active credit coupon when empty.
	Code  string
	Token string
}

// RemoveResult reports the detach outcome and the cart event to emit.
type RemoveResult struct {
	Code    string
	Removed bool
	Event   string
}

// DebitOutcome reports the post-checkout debit.
type DebitOutcome struct {
	Debited bool
	Amount  ledger.Amount
	Balance ledger.Amount
}

// New wires a Workflow.
func New(dependencies Dependencies) (*Workflow, error) {
	if dependencies.Credits == nil || dependencies.Carts == nil || dependencies.Coupons == nil ||
		dependencies.Orders == nil || dependencies.Settings == nil || dependencies.Tokens == nil || dependencies.Now == nil {
		return nil, fmt.Errorf("%w: credits, carts, coupons, orders, settings, tokens and clock are required", ErrInvalidWorkflowConfig)
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	newCode := dependencies.NewCode
	if newCode == nil {
		newCode = GenerateCode
	}
	return &Workflow{
		credits:  dependencies.Credits,
		carts:    dependencies.Carts,
		coupons:  dependencies.Coupons,
		orders:   dependencies.Orders,
		settings: dependencies.Settings,
		tokens:   dependencies.Tokens,
		locker:   dependencies.Locker,
		logger:   logger,
		now:      dependencies.Now,
		newCode:  newCode,
	}, nil
}

// GenerateCode returns a credit-prefixed code with a random hex suffix.
func GenerateCode() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	return commerce.CreditCouponPrefix + suffix[:codeSuffixLength]
}

// Render decides which widget to show. Collaborator failures degrade to
// RenderNone instead of failing the checkout page.
func (workflow *Workflow) Render(ctx context.Context, userID ledger.UserID, cartID string) RenderState {
	none := RenderState{Mode: RenderNone}
	if userID.IsZero() {
		return none
	}
	snapshot, err := workflow.settings.Load(ctx)
	if err != nil {
		workflow.logger.Warn("partial render: settings unavailable", zap.Error(err))
		return none
	}
	if !snapshot.PartialUsageEnabled {
		return none
	}
	cart, err := workflow.carts.GetCart(ctx, cartID)
	if err != nil {
		workflow.logger.Warn("partial render: cart unavailable", zap.String("cart_id", cartID), zap.Error(err))
		return none
	}
	if cart.UserID != userID {
		return none
	}
	spendable, err := workflow.credits.Spendable(ctx, userID)
	if err != nil {
		workflow.logger.Warn("partial render: balance unavailable", zap.String("user_id", userID.String()), zap.Error(err))
		return none
	}
	state := RenderState{
		Balance:    spendable.Balance,
		Held:       spendable.Held,
		CartTotal:  cart.Total,
		Disclaimer: snapshot.PartialDisclaimer,
	}
	if active := cart.CreditCoupons(); len(active) > 0 {
		token, err := workflow.tokens.Issue(userID.String(), antiforgery.ActionRemovePartial, cartID)
		if err != nil {
			workflow.logger.Warn("partial render: token issue failed", zap.Error(err))
			return none
		}
		state.Mode = RenderRemove
		state.ActiveCode = active[0]
		state.RemoveToken = token
		return state
	}
	if !eligible(spendable.Available, cart.Total) {
		return none
	}
	token, err := workflow.tokens.Issue(userID.String(), antiforgery.ActionCreatePartial, cartID)
	if err != nil {
		workflow.logger.Warn("partial render: token issue failed", zap.Error(err))
		return none
	}
	state.Mode = RenderCreate
	state.Amount = spendable.Available.Min(cart.Total)
	state.CreateToken = token
	return state
}

// Create issues a single-use coupon worth min(available balance, cart total)
// and attaches it to the cart. The balance is not debited here, so coupons
// still held by other carts or undeducted orders are subtracted first.
func (workflow *Workflow) Create(ctx context.Context, request CreateRequest) (CreateResult, error) {
	if request.UserID.IsZero() {
		return CreateResult{}, fmt.Errorf("%w: empty value", ledger.ErrInvalidUserID)
	}
	if err := workflow.tokens.Verify(request.Token, request.UserID.String(), antiforgery.ActionCreatePartial, request.CartID); err != nil {
		metrics.RecordPartialCoupon(metrics.OutcomeRejected)
		return CreateResult{}, err
	}
	snapshot, err := workflow.settings.Load(ctx)
	if err != nil {
		return CreateResult{}, fmt.Errorf("load settings: %w", err)
	}
	if !snapshot.PartialUsageEnabled {
		metrics.RecordPartialCoupon(metrics.OutcomeRejected)
		return CreateResult{}, fmt.Errorf("%w: disabled by configuration", ErrNotEligible)
	}
	if workflow.locker != nil {
		unlock, err := workflow.locker.Lock(ctx, request.UserID)
		if err != nil {
			return CreateResult{}, err
		}
		defer unlock()
	}

	cart, err := workflow.ownedCart(ctx, request.UserID, request.CartID)
	if err != nil {
		return CreateResult{}, err
	}
	if active := cart.CreditCoupons(); len(active) > 0 {
		metrics.RecordPartialCoupon(metrics.OutcomeReused)
		coupon, err := workflow.coupons.FindCouponByCode(ctx, active[0])
		if err != nil {
			coupon = commerce.Coupon{Code: active[0]}
		}
		return CreateResult{Coupon: coupon, Created: false}, nil
	}
	spendable, err := workflow.credits.Spendable(ctx, request.UserID)
	if err != nil {
		return CreateResult{}, err
	}
	if !eligible(spendable.Available, cart.Total) {
		metrics.RecordPartialCoupon(metrics.OutcomeRejected)
		return CreateResult{}, fmt.Errorf("%w: balance %s, held %s, cart total %s",
			ErrNotEligible, spendable.Balance.String(), spendable.Held.String(), cart.Total.String())
	}

	coupon, err := workflow.createCoupon(ctx, request.UserID, spendable.Available.Min(cart.Total))
	if err != nil {
		return CreateResult{}, err
	}
	if err := workflow.carts.ApplyCoupon(ctx, request.CartID, coupon.Code); err != nil {
		if deleteErr := workflow.coupons.DeleteCoupon(ctx, coupon.ID); deleteErr != nil {
			workflow.logger.Warn("orphan coupon left for reaper", zap.String("code", coupon.Code), zap.Error(deleteErr))
		}
		return CreateResult{}, fmt.Errorf("apply coupon: %w", err)
	}
	metrics.RecordPartialCoupon(metrics.OutcomeCreated)
	workflow.logger.Info("partial coupon created",
		zap.String("user_id", request.UserID.String()),
		zap.String("cart_id", request.CartID),
		zap.String("code", coupon.Code),
		zap.String("amount", coupon.Amount.String()))
	return CreateResult{Coupon: coupon, Created: true}, nil
}

// Remove detaches a credit coupon from the cart. The coupon itself is left
// for the reaper.
func (workflow *Workflow) Remove(ctx context.Context, request RemoveRequest) (RemoveResult, error) {
	if request.UserID.IsZero() {
		return RemoveResult{}, fmt.Errorf("%w: empty value", ledger.ErrInvalidUserID)
	}
	if err := workflow.tokens.Verify(request.Token, request.UserID.String(), antiforgery.ActionRemovePartial, request.CartID); err != nil {
		return RemoveResult{}, err
	}
	cart, err := workflow.ownedCart(ctx, request.UserID, request.CartID)
	if err != nil {
		return RemoveResult{}, err
	}
	code := strings.ToLower(strings.TrimSpace(request.Code))
	if code == "" {
		active := cart.CreditCoupons()
		if len(active) == 0 {
			return RemoveResult{Event: EventCouponRemoved}, nil
		}
		code = active[0]
	}
	if !commerce.IsCreditCouponCode(code) {
		return RemoveResult{}, fmt.Errorf("%w: %s", ErrNotCreditCoupon, code)
	}
	if !cart.HasCoupon(code) {
		return RemoveResult{Code: code, Event: EventCouponRemoved}, nil
	}
	if err := workflow.carts.RemoveCoupon(ctx, request.CartID, code); err != nil {
		return RemoveResult{}, fmt.Errorf("remove coupon: %w", err)
	}
	metrics.RecordPartialCoupon(metrics.OutcomeRemoved)
	return RemoveResult{Code: code, Removed: true, Event: EventCouponRemoved}, nil
}

// RecordOrderUsage copies the amount of every credit coupon used by the order
// into the order's credit usage record.
func (workflow *Workflow) RecordOrderUsage(ctx context.Context, orderID string) (ledger.Amount, error) {
	order, err := workflow.orders.GetOrder(ctx, orderID)
	if err != nil {
		return ledger.Amount{}, err
	}
	codes := order.CreditCoupons()
	total := ledger.ZeroAmount()
	for _, code := range codes {
		coupon, err := workflow.coupons.FindCouponByCode(ctx, code)
		if err != nil {
			return ledger.Amount{}, fmt.Errorf("credit coupon %s: %w", code, err)
		}
		total = total.Add(coupon.Amount)
	}
	if len(codes) > 1 {
		workflow.logger.Warn("order used several credit coupons", zap.String("order_id", orderID), zap.Strings("codes", codes))
	}
	if total.IsZero() {
		return total, nil
	}
	if err := workflow.orders.SetPartialCreditUsed(ctx, orderID, total); err != nil {
		return ledger.Amount{}, err
	}
	return total, nil
}

// DebitProcessedOrder debits the recorded partial credit exactly once per
// order. The already-deducted flag is claimed before the debit and released
// again if the debit fails.
func (workflow *Workflow) DebitProcessedOrder(ctx context.Context, orderID string) (DebitOutcome, error) {
	order, err := workflow.orders.GetOrder(ctx, orderID)
	if err != nil {
		return DebitOutcome{}, err
	}
	if order.CreditDeducted || !order.PartialCreditUsed.IsPositive() {
		return DebitOutcome{}, nil
	}
	if order.UserID.IsZero() {
		workflow.logger.Warn("partial debit skipped: order has no customer", zap.String("order_id", orderID))
		return DebitOutcome{}, nil
	}
	claimed, err := workflow.orders.ClaimCreditDeduction(ctx, orderID)
	if err != nil {
		return DebitOutcome{}, err
	}
	if !claimed {
		metrics.RecordDebit(debitSource, metrics.OutcomeSkipped)
		return DebitOutcome{}, nil
	}
	result, err := workflow.credits.Debit(ctx, order.UserID, order.PartialCreditUsed)
	if err != nil {
		metrics.RecordDebit(debitSource, metrics.OutcomeFailed)
		if releaseErr := workflow.orders.ReleaseCreditDeduction(ctx, orderID); releaseErr != nil {
			return DebitOutcome{}, errors.Join(err, fmt.Errorf("release deduction claim: %w", releaseErr))
		}
		return DebitOutcome{}, err
	}
	metrics.RecordDebit(debitSource, metrics.OutcomeApplied)
	note := fmt.Sprintf(orderDebitNoteFormat, order.PartialCreditUsed.String(), result.Previous.String(), result.Balance.String())
	if !result.Debited.Equal(order.PartialCreditUsed) {
		note += fmt.Sprintf(orderClampedNoteExtra, result.Debited.String())
	}
	if err := workflow.orders.AddNote(ctx, orderID, note); err != nil {
		workflow.logger.Warn("order note failed", zap.String("order_id", orderID), zap.Error(err))
	}
	return DebitOutcome{Debited: true, Amount: result.Debited, Balance: result.Balance}, nil
}

func (workflow *Workflow) ownedCart(ctx context.Context, userID ledger.UserID, cartID string) (commerce.Cart, error) {
	cart, err := workflow.carts.GetCart(ctx, cartID)
	if err != nil {
		return commerce.Cart{}, err
	}
	if cart.UserID != userID {
		return commerce.Cart{}, fmt.Errorf("%w: %s", ErrCartNotOwned, cartID)
	}
	return cart, nil
}

func (workflow *Workflow) createCoupon(ctx context.Context, userID ledger.UserID, amount ledger.Amount) (commerce.Coupon, error) {
	var lastErr error
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		coupon, err := workflow.coupons.CreateCoupon(ctx, commerce.Coupon{
			Code:              workflow.newCode(),
			Amount:            amount,
			UsageLimit:        couponUsageLimit,
			UsageLimitPerUser: couponUsageLimitUser,
			OwnerUserID:       userID,
			Note:              fmt.Sprintf(couponNoteFormat, userID.String()),
			CreatedAt:         workflow.now(),
		})
		if err == nil {
			return coupon, nil
		}
		if !errors.Is(err, commerce.ErrDuplicateCoupon) {
			return commerce.Coupon{}, fmt.Errorf("create coupon: %w", err)
		}
		lastErr = err
	}
	return commerce.Coupon{}, fmt.Errorf("create coupon: %w", lastErr)
}

func eligible(balance ledger.Amount, cartTotal ledger.Amount) bool {
	return balance.IsPositive() && cartTotal.IsPositive() && balance.LessThan(cartTotal)
}
