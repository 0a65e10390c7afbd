package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/storecredits/internal/commerce"
	"github.com/MarkoPoloResearchLab/storecredits/pkg/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCartTotalsAndOrderPlacement(test *testing.T) {
	ctx := context.Background()
	store := New()
	userID, err := ledger.NewUserID("1")
	require.NoError(test, err)
	subtotal, err := ledger.ParseAmount("100")
	require.NoError(test, err)
	discount, err := ledger.ParseAmount("30")
	require.NoError(test, err)
	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

	store.SetStock("sku-1", 5)
	store.CreateCart("cart-1", userID, subtotal, commerce.OrderItem{ProductID: "sku-1", Quantity: 2})
	_, err = store.CreateCoupon(ctx, commerce.Coupon{Code: "CREDITS-ABC", Amount: discount, UsageLimit: 1, CreatedAt: now})
	require.NoError(test, err)
	require.NoError(test, store.ApplyCoupon(ctx, "cart-1", "credits-abc"))
	require.NoError(test, store.ApplyCoupon(ctx, "cart-1", "credits-abc"))

	cart, err := store.GetCart(ctx, "cart-1")
	require.NoError(test, err)
	assert.Equal(test, "70.00", cart.Total.String())
	assert.Equal(test, []string{"credits-abc"}, cart.CreditCoupons())

	order, err := store.PlaceOrder(ctx, "cart-1", now)
	require.NoError(test, err)
	assert.Equal(test, "70.00", order.Total.String())
	assert.Equal(test, commerce.OrderStatusPending, order.Status)

	coupon, err := store.FindCouponByCode(ctx, "credits-abc")
	require.NoError(test, err)
	assert.True(test, coupon.Redeemed())

	claimed, err := store.ClaimCreditDeduction(ctx, order.ID)
	require.NoError(test, err)
	assert.True(test, claimed)
	claimed, err = store.ClaimCreditDeduction(ctx, order.ID)
	require.NoError(test, err)
	assert.False(test, claimed)

	marked, err := store.MarkPaid(ctx, order.ID, "store_credits", now)
	require.NoError(test, err)
	assert.True(test, marked)
	marked, err = store.MarkPaid(ctx, order.ID, "store_credits", now)
	require.NoError(test, err)
	assert.False(test, marked)

	require.NoError(test, store.ReduceStock(ctx, order.ID))
	assert.Equal(test, 3, store.Stock("sku-1"))
}

func TestListUnusedCouponsFiltersByPrefixUsageAndAge(test *testing.T) {
	ctx := context.Background()
	store := New()
	now := time.Date(2025, time.March, 2, 12, 0, 0, 0, time.UTC)
	amount, err := ledger.ParseAmount("10")
	require.NoError(test, err)

	for _, coupon := range []commerce.Coupon{
		{Code: "credits-old", Amount: amount, CreatedAt: now.Add(-25 * time.Hour)},
		{Code: "credits-new", Amount: amount, CreatedAt: now.Add(-5 * time.Hour)},
		{Code: "credits-used", Amount: amount, UsageCount: 1, CreatedAt: now.Add(-48 * time.Hour)},
		{Code: "summer-sale", Amount: amount, CreatedAt: now.Add(-48 * time.Hour)},
	} {
		_, err := store.CreateCoupon(ctx, coupon)
		require.NoError(test, err)
	}

	stale, err := store.ListUnusedCoupons(ctx, commerce.CreditCouponPrefix, now.Add(-24*time.Hour))
	require.NoError(test, err)
	require.Len(test, stale, 1)
	assert.Equal(test, "credits-old", stale[0].Code)
}

func TestSwapAccountDetectsStaleVersion(test *testing.T) {
	ctx := context.Background()
	store := New()
	userID, err := ledger.NewUserID("1")
	require.NoError(test, err)

	first := ledger.Account{UserID: userID, Balance: ledger.ZeroAmount(), Version: 1}
	require.NoError(test, store.SwapAccount(ctx, ledger.Account{UserID: userID}, first))
	err = store.SwapAccount(ctx, ledger.Account{UserID: userID}, first)
	assert.ErrorIs(test, err, ledger.ErrConcurrentUpdate)
}

func TestListHeldCreditCouponsTracksCartsAndUndeductedOrders(test *testing.T) {
	ctx := context.Background()
	store := New()
	now := time.Date(2025, time.March, 3, 12, 0, 0, 0, time.UTC)
	owner, err := ledger.NewUserID("1")
	require.NoError(test, err)
	other, err := ledger.NewUserID("2")
	require.NoError(test, err)
	subtotal, err := ledger.ParseAmount("100")
	require.NoError(test, err)
	amount, err := ledger.ParseAmount("20")
	require.NoError(test, err)

	store.CreateCart("cart-a", owner, subtotal)
	store.CreateCart("cart-b", owner, subtotal)
	store.CreateCart("cart-c", other, subtotal)
	for _, coupon := range []commerce.Coupon{
		{Code: "credits-aaa", Amount: amount, OwnerUserID: owner, CreatedAt: now},
		{Code: "credits-bbb", Amount: amount, OwnerUserID: owner, CreatedAt: now},
		{Code: "credits-ccc", Amount: amount, OwnerUserID: other, CreatedAt: now},
		{Code: "credits-detached", Amount: amount, OwnerUserID: owner, CreatedAt: now},
	} {
		_, err := store.CreateCoupon(ctx, coupon)
		require.NoError(test, err)
	}
	require.NoError(test, store.ApplyCoupon(ctx, "cart-a", "credits-aaa"))
	require.NoError(test, store.ApplyCoupon(ctx, "cart-b", "credits-bbb"))
	require.NoError(test, store.ApplyCoupon(ctx, "cart-c", "credits-ccc"))

	holds := commerce.NewCreditHolds(store)
	held, err := holds.HeldAmount(ctx, owner)
	require.NoError(test, err)
	assert.Equal(test, "40.00", held.String())

	order, err := store.PlaceOrder(ctx, "cart-b", now)
	require.NoError(test, err)
	coupons, err := store.ListHeldCreditCoupons(ctx, owner)
	require.NoError(test, err)
	require.Len(test, coupons, 2)
	assert.Equal(test, "credits-aaa", coupons[0].Code)
	assert.Equal(test, "credits-bbb", coupons[1].Code)

	claimed, err := store.ClaimCreditDeduction(ctx, order.ID)
	require.NoError(test, err)
	require.True(test, claimed)
	require.NoError(test, store.RemoveCoupon(ctx, "cart-a", "credits-aaa"))
	held, err = holds.HeldAmount(ctx, owner)
	require.NoError(test, err)
	assert.True(test, held.IsZero())
}
