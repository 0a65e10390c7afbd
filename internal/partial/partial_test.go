package partial

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/storecredits/internal/antiforgery"
	"github.com/MarkoPoloResearchLab/storecredits/internal/commerce"
	"github.com/MarkoPoloResearchLab/storecredits/internal/commerce/memstore"
	"github.com/MarkoPoloResearchLab/storecredits/internal/locking"
	"github.com/MarkoPoloResearchLab/storecredits/internal/settings"
	"github.com/MarkoPoloResearchLab/storecredits/pkg/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var partialNow = time.Date(2025, time.April, 2, 15, 0, 0, 0, time.UTC)

type fixture struct {
	store    *memstore.Store
	credits  *ledger.Service
	tokens   *antiforgery.Manager
	workflow *Workflow
	userID   ledger.UserID
}

func newFixture(test *testing.T, balance string, cartTotal string, partialEnabled bool) *fixture {
	test.Helper()
	ctx := context.Background()
	store := memstore.New()
	locker := locking.NewMemoryLocker()
	credits, err := ledger.NewService(store, ledger.WithLocker(locker), ledger.WithHolds(commerce.NewCreditHolds(store)))
	require.NoError(test, err)
	repository := settings.NewRepository(store)
	flag := "no"
	if partialEnabled {
		flag = "yes"
	}
	_, err = repository.Apply(ctx, map[string]string{settings.KeyAllowPartialUsage: flag})
	require.NoError(test, err)
	tokens, err := antiforgery.NewManager([]byte("partial-test-key"), time.Hour, func() time.Time { return partialNow })
	require.NoError(test, err)

	userID := mustUserID(test, "1")
	store.AddUser(commerce.User{ID: userID, Email: "one@example.com"})
	_, err = credits.ForceReset(ctx, userID, mustAmount(test, balance))
	require.NoError(test, err)
	store.CreateCart("cart-1", userID, mustAmount(test, cartTotal))

	sequence := 0
	workflow, err := New(Dependencies{
		Credits:  credits,
		Carts:    store,
		Coupons:  store,
		Orders:   store,
		Settings: repository,
		Tokens:   tokens,
		Locker:   locker,
		Now:      func() time.Time { return partialNow },
		NewCode: func() string {
			sequence++
			return fmt.Sprintf("credits-%010d", sequence)
		},
	})
	require.NoError(test, err)
	return &fixture{store: store, credits: credits, tokens: tokens, workflow: workflow, userID: userID}
}

func (f *fixture) token(test *testing.T, action string) string {
	test.Helper()
	token, err := f.tokens.Issue(f.userID.String(), action, "cart-1")
	require.NoError(test, err)
	return token
}

func (f *fixture) create(test *testing.T) (CreateResult, error) {
	test.Helper()
	return f.createIn(test, "cart-1")
}

func (f *fixture) createIn(test *testing.T, cartID string) (CreateResult, error) {
	test.Helper()
	token, err := f.tokens.Issue(f.userID.String(), antiforgery.ActionCreatePartial, cartID)
	require.NoError(test, err)
	return f.workflow.Create(context.Background(), CreateRequest{UserID: f.userID, CartID: cartID, Token: token})
}

func TestPartialScenarioCreateCheckoutDebit(test *testing.T) {
	ctx := context.Background()
	f := newFixture(test, "30", "100", true)

	state := f.workflow.Render(ctx, f.userID, "cart-1")
	require.Equal(test, RenderCreate, state.Mode)
	assert.Equal(test, "30.00", state.Amount.String())
	assert.NotEmpty(test, state.CreateToken)
	assert.Equal(test, "Credits are only deducted if you complete the order.", state.Disclaimer)

	result, err := f.workflow.Create(ctx, CreateRequest{UserID: f.userID, CartID: "cart-1", Token: state.CreateToken})
	require.NoError(test, err)
	require.True(test, result.Created)
	assert.Equal(test, "30.00", result.Coupon.Amount.String())
	assert.Equal(test, 1, result.Coupon.UsageLimit)
	assert.Equal(test, 1, result.Coupon.UsageLimitPerUser)
	assert.Equal(test, "Store-credit partial usage for user ID #1", result.Coupon.Note)

	balance, err := f.credits.Balance(ctx, f.userID)
	require.NoError(test, err)
	assert.Equal(test, "30.00", balance.String(), "creating the coupon must not debit")

	state = f.workflow.Render(ctx, f.userID, "cart-1")
	assert.Equal(test, RenderRemove, state.Mode)
	assert.Equal(test, result.Coupon.Code, state.ActiveCode)

	order, err := f.store.PlaceOrder(ctx, "cart-1", partialNow)
	require.NoError(test, err)
	assert.Equal(test, "70.00", order.Total.String())

	used, err := f.workflow.RecordOrderUsage(ctx, order.ID)
	require.NoError(test, err)
	assert.Equal(test, "30.00", used.String())

	outcome, err := f.workflow.DebitProcessedOrder(ctx, order.ID)
	require.NoError(test, err)
	assert.True(test, outcome.Debited)
	assert.True(test, outcome.Balance.IsZero())

	stored, err := f.store.GetOrder(ctx, order.ID)
	require.NoError(test, err)
	assert.Equal(test, "30.00", stored.PartialCreditUsed.String())
	assert.True(test, stored.CreditDeducted)
	require.Len(test, stored.Notes, 1)
	assert.Contains(test, stored.Notes[0], "30.00")
}

func TestDebitProcessedOrderIsIdempotent(test *testing.T) {
	ctx := context.Background()
	f := newFixture(test, "30", "100", true)
	_, err := f.create(test)
	require.NoError(test, err)
	order, err := f.store.PlaceOrder(ctx, "cart-1", partialNow)
	require.NoError(test, err)
	_, err = f.workflow.RecordOrderUsage(ctx, order.ID)
	require.NoError(test, err)
	_, err = f.credits.Credit(ctx, f.userID, mustAmount(test, "50"))
	require.NoError(test, err)

	first, err := f.workflow.DebitProcessedOrder(ctx, order.ID)
	require.NoError(test, err)
	second, err := f.workflow.DebitProcessedOrder(ctx, order.ID)
	require.NoError(test, err)

	assert.True(test, first.Debited)
	assert.False(test, second.Debited)
	balance, err := f.credits.Balance(ctx, f.userID)
	require.NoError(test, err)
	assert.Equal(test, "50.00", balance.String())
}

func TestDebitClampsWhenBalanceShrank(test *testing.T) {
	ctx := context.Background()
	f := newFixture(test, "30", "100", true)
	_, err := f.create(test)
	require.NoError(test, err)
	order, err := f.store.PlaceOrder(ctx, "cart-1", partialNow)
	require.NoError(test, err)
	_, err = f.workflow.RecordOrderUsage(ctx, order.ID)
	require.NoError(test, err)
	_, err = f.credits.ForceReset(ctx, f.userID, mustAmount(test, "10"))
	require.NoError(test, err)

	outcome, err := f.workflow.DebitProcessedOrder(ctx, order.ID)
	require.NoError(test, err)
	assert.Equal(test, "10.00", outcome.Amount.String())
	assert.True(test, outcome.Balance.IsZero())
}

func TestDebitFailureReleasesClaim(test *testing.T) {
	ctx := context.Background()
	f := newFixture(test, "30", "100", true)
	_, err := f.create(test)
	require.NoError(test, err)
	order, err := f.store.PlaceOrder(ctx, "cart-1", partialNow)
	require.NoError(test, err)
	_, err = f.workflow.RecordOrderUsage(ctx, order.ID)
	require.NoError(test, err)

	swapErr := errors.New("database unavailable")
	failing, err := ledger.NewService(&failingSwapStore{Store: f.store, err: swapErr})
	require.NoError(test, err)
	f.workflow.credits = failing

	_, err = f.workflow.DebitProcessedOrder(ctx, order.ID)
	require.ErrorIs(test, err, swapErr)
	stored, err := f.store.GetOrder(ctx, order.ID)
	require.NoError(test, err)
	assert.False(test, stored.CreditDeducted)

	f.workflow.credits = f.credits
	outcome, err := f.workflow.DebitProcessedOrder(ctx, order.ID)
	require.NoError(test, err)
	assert.True(test, outcome.Debited)
}

func TestCreateIsNoOpWhenCouponAlreadyActive(test *testing.T) {
	f := newFixture(test, "30", "100", true)
	first, err := f.create(test)
	require.NoError(test, err)
	second, err := f.create(test)
	require.NoError(test, err)

	assert.False(test, second.Created)
	assert.Equal(test, first.Coupon.Code, second.Coupon.Code)
	cart, err := f.store.GetCart(context.Background(), "cart-1")
	require.NoError(test, err)
	assert.Len(test, cart.Coupons, 1)
}

func TestCreateEligibility(test *testing.T) {
	testCases := []struct {
		name     string
		balance  string
		total    string
		enabled  bool
		wantErr  error
		wantCode bool
	}{
		{name: "balance below total", balance: "30", total: "100", enabled: true, wantCode: true},
		{name: "balance covers total", balance: "120", total: "80", enabled: true, wantErr: ErrNotEligible},
		{name: "balance equals total", balance: "80", total: "80", enabled: true, wantErr: ErrNotEligible},
		{name: "zero balance", balance: "0", total: "80", enabled: true, wantErr: ErrNotEligible},
		{name: "empty cart", balance: "10", total: "0", enabled: true, wantErr: ErrNotEligible},
		{name: "disabled", balance: "30", total: "100", enabled: false, wantErr: ErrNotEligible},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			f := newFixture(test, testCase.balance, testCase.total, testCase.enabled)
			result, err := f.create(test)
			if testCase.wantErr != nil {
				require.ErrorIs(test, err, testCase.wantErr)
				cart, cartErr := f.store.GetCart(context.Background(), "cart-1")
				require.NoError(test, cartErr)
				assert.Empty(test, cart.Coupons)
				return
			}
			require.NoError(test, err)
			assert.Equal(test, testCase.balance+".00", result.Coupon.Amount.String())
		})
	}
}

func TestCreateDoesNotPromiseHeldCreditTwice(test *testing.T) {
	ctx := context.Background()
	f := newFixture(test, "30", "100", true)
	f.store.CreateCart("cart-2", f.userID, mustAmount(test, "100"))

	first, err := f.createIn(test, "cart-1")
	require.NoError(test, err)
	require.True(test, first.Created)
	assert.Equal(test, "30.00", first.Coupon.Amount.String())

	state := f.workflow.Render(ctx, f.userID, "cart-2")
	assert.Equal(test, RenderNone, state.Mode)

	_, err = f.createIn(test, "cart-2")
	require.ErrorIs(test, err, ErrNotEligible)
	assert.Contains(test, err.Error(), "held 30.00")
	cart, err := f.store.GetCart(ctx, "cart-2")
	require.NoError(test, err)
	assert.Empty(test, cart.Coupons)

	removeToken := f.token(test, antiforgery.ActionRemovePartial)
	_, err = f.workflow.Remove(ctx, RemoveRequest{UserID: f.userID, CartID: "cart-1", Code: first.Coupon.Code, Token: removeToken})
	require.NoError(test, err)

	second, err := f.createIn(test, "cart-2")
	require.NoError(test, err)
	assert.Equal(test, "30.00", second.Coupon.Amount.String())
}

func TestCreateSizesCouponFromUnheldBalance(test *testing.T) {
	ctx := context.Background()
	f := newFixture(test, "50", "100", true)
	f.store.CreateCart("cart-2", f.userID, mustAmount(test, "100"))
	_, err := f.createIn(test, "cart-2")
	require.NoError(test, err)
	_, err = f.credits.ForceReset(ctx, f.userID, mustAmount(test, "80"))
	require.NoError(test, err)

	state := f.workflow.Render(ctx, f.userID, "cart-1")
	require.Equal(test, RenderCreate, state.Mode)
	assert.Equal(test, "80.00", state.Balance.String())
	assert.Equal(test, "50.00", state.Held.String())
	assert.Equal(test, "30.00", state.Amount.String())

	result, err := f.create(test)
	require.NoError(test, err)
	assert.Equal(test, "30.00", result.Coupon.Amount.String())

	order, err := f.store.PlaceOrder(ctx, "cart-2", partialNow)
	require.NoError(test, err)
	_, err = f.workflow.RecordOrderUsage(ctx, order.ID)
	require.NoError(test, err)
	outcome, err := f.workflow.DebitProcessedOrder(ctx, order.ID)
	require.NoError(test, err)
	assert.Equal(test, "50.00", outcome.Amount.String(), "debit of a redeemed coupon ignores holds")
	assert.Equal(test, "30.00", outcome.Balance.String())
}

func TestCreateRejectsBadTokenAndForeignCart(test *testing.T) {
	ctx := context.Background()
	f := newFixture(test, "30", "100", true)

	_, err := f.workflow.Create(ctx, CreateRequest{UserID: f.userID, CartID: "cart-1", Token: "forged"})
	require.ErrorIs(test, err, antiforgery.ErrInvalidToken)

	removeToken := f.token(test, antiforgery.ActionRemovePartial)
	_, err = f.workflow.Create(ctx, CreateRequest{UserID: f.userID, CartID: "cart-1", Token: removeToken})
	require.ErrorIs(test, err, antiforgery.ErrInvalidToken)

	stranger := mustUserID(test, "2")
	f.store.CreateCart("cart-2", stranger, mustAmount(test, "100"))
	token, err := f.tokens.Issue(f.userID.String(), antiforgery.ActionCreatePartial, "cart-2")
	require.NoError(test, err)
	_, err = f.workflow.Create(ctx, CreateRequest{UserID: f.userID, CartID: "cart-2", Token: token})
	require.ErrorIs(test, err, ErrCartNotOwned)
}

func TestCreateRetriesCodeCollision(test *testing.T) {
	ctx := context.Background()
	f := newFixture(test, "30", "100", true)
	_, err := f.store.CreateCoupon(ctx, commerce.Coupon{Code: "credits-0000000001", Amount: mustAmount(test, "5"), CreatedAt: partialNow})
	require.NoError(test, err)

	result, err := f.create(test)
	require.NoError(test, err)
	assert.Equal(test, "credits-0000000002", result.Coupon.Code)
}

func TestRemoveDetachesWithoutDeleting(test *testing.T) {
	ctx := context.Background()
	f := newFixture(test, "30", "100", true)
	created, err := f.create(test)
	require.NoError(test, err)

	result, err := f.workflow.Remove(ctx, RemoveRequest{
		UserID: f.userID,
		CartID: "cart-1",
		Token:  f.token(test, antiforgery.ActionRemovePartial),
	})
	require.NoError(test, err)
	assert.True(test, result.Removed)
	assert.Equal(test, EventCouponRemoved, result.Event)
	assert.Equal(test, created.Coupon.Code, result.Code)

	cart, err := f.store.GetCart(ctx, "cart-1")
	require.NoError(test, err)
	assert.Empty(test, cart.Coupons)
	assert.Equal(test, "100.00", cart.Total.String())
	_, err = f.store.FindCouponByCode(ctx, created.Coupon.Code)
	assert.NoError(test, err)

	again, err := f.workflow.Remove(ctx, RemoveRequest{
		UserID: f.userID,
		CartID: "cart-1",
		Code:   created.Coupon.Code,
		Token:  f.token(test, antiforgery.ActionRemovePartial),
	})
	require.NoError(test, err)
	assert.False(test, again.Removed)
}

func TestRemoveRejectsForeignCouponAndBadToken(test *testing.T) {
	ctx := context.Background()
	f := newFixture(test, "30", "100", true)

	_, err := f.workflow.Remove(ctx, RemoveRequest{UserID: f.userID, CartID: "cart-1", Token: ""})
	require.ErrorIs(test, err, antiforgery.ErrInvalidToken)

	_, err = f.workflow.Remove(ctx, RemoveRequest{
		UserID: f.userID,
		CartID: "cart-1",
		Code:   "summer-sale",
		Token:  f.token(test, antiforgery.ActionRemovePartial),
	})
	require.ErrorIs(test, err, ErrNotCreditCoupon)
}

func TestRenderDegradesToNone(test *testing.T) {
	ctx := context.Background()
	disabled := newFixture(test, "30", "100", false)
	assert.Equal(test, RenderNone, disabled.workflow.Render(ctx, disabled.userID, "cart-1").Mode)

	covered := newFixture(test, "120", "80", true)
	assert.Equal(test, RenderNone, covered.workflow.Render(ctx, covered.userID, "cart-1").Mode)

	anonymous := newFixture(test, "30", "100", true)
	assert.Equal(test, RenderNone, anonymous.workflow.Render(ctx, ledger.UserID{}, "cart-1").Mode)
	assert.Equal(test, RenderNone, anonymous.workflow.Render(ctx, anonymous.userID, "missing-cart").Mode)
}

func TestRecordOrderUsageSumsSeveralCreditCoupons(test *testing.T) {
	ctx := context.Background()
	f := newFixture(test, "30", "100", true)
	for _, coupon := range []commerce.Coupon{
		{Code: "credits-a", Amount: mustAmount(test, "10"), CreatedAt: partialNow},
		{Code: "credits-b", Amount: mustAmount(test, "15"), CreatedAt: partialNow},
		{Code: "spring", Amount: mustAmount(test, "5"), CreatedAt: partialNow},
	} {
		_, err := f.store.CreateCoupon(ctx, coupon)
		require.NoError(test, err)
		require.NoError(test, f.store.ApplyCoupon(ctx, "cart-1", coupon.Code))
	}
	order, err := f.store.PlaceOrder(ctx, "cart-1", partialNow)
	require.NoError(test, err)

	used, err := f.workflow.RecordOrderUsage(ctx, order.ID)
	require.NoError(test, err)
	assert.Equal(test, "25.00", used.String())
}

func TestGenerateCodeFormat(test *testing.T) {
	pattern := regexp.MustCompile(`^credits-[0-9a-f]{10}$`)
	first := GenerateCode()
	assert.Regexp(test, pattern, first)
	assert.NotEqual(test, first, GenerateCode())
}

type failingSwapStore struct {
	*memstore.Store
	err error
}

func (store *failingSwapStore) SwapAccount(context.Context, ledger.Account, ledger.Account) error {
	return store.err
}

func mustUserID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	require.NoError(test, err)
	return userID
}

func mustAmount(test *testing.T, raw string) ledger.Amount {
	test.Helper()
	amount, err := ledger.ParseAmount(raw)
	require.NoError(test, err)
	return amount
}
