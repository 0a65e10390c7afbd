package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/storecredits/internal/commerce"
	"github.com/MarkoPoloResearchLab/storecredits/pkg/ledger"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateUser registers a host user.
func (store *Store) CreateUser(ctx context.Context, user commerce.User) error {
	model := User{
		ID:           user.ID.String(),
		Email:        normalizeEmail(user.Email),
		RegisteredAt: user.RegisteredAt.UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectUser, errorCodeCreate, err)
	}
	return nil
}

// ListUserIDs implements commerce.UserDirectory.
func (store *Store) ListUserIDs(ctx context.Context) ([]ledger.UserID, error) {
	var rawIDs []string
	err := store.db.WithContext(ctx).Model(&User{}).Order("id").Pluck("id", &rawIDs).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectUser, errorCodeList, err)
	}
	ids := make([]ledger.UserID, 0, len(rawIDs))
	for _, rawID := range rawIDs {
		userID, err := ledger.NewUserID(rawID)
		if err != nil {
			return nil, wrapStoreError(errorSubjectUser, errorCodeInvalid, err)
		}
		ids = append(ids, userID)
	}
	return ids, nil
}

// FindUserByID implements commerce.UserDirectory.
func (store *Store) FindUserByID(ctx context.Context, id string) (commerce.User, error) {
	return store.findUser(ctx, "id = ?", strings.TrimSpace(id))
}

// FindUserByEmail implements commerce.UserDirectory.
func (store *Store) FindUserByEmail(ctx context.Context, email string) (commerce.User, error) {
	return store.findUser(ctx, "email = ?", normalizeEmail(email))
}

func (store *Store) findUser(ctx context.Context, condition string, value string) (commerce.User, error) {
	var model User
	err := store.db.WithContext(ctx).Where(condition, value).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return commerce.User{}, wrapStoreError(errorSubjectUser, errorCodeLookup, fmt.Errorf("%w: %s", commerce.ErrUserNotFound, value))
	}
	if err != nil {
		return commerce.User{}, wrapStoreError(errorSubjectUser, errorCodeLookup, err)
	}
	userID, err := ledger.NewUserID(model.ID)
	if err != nil {
		return commerce.User{}, wrapStoreError(errorSubjectUser, errorCodeInvalid, err)
	}
	return commerce.User{ID: userID, Email: model.Email, RegisteredAt: model.RegisteredAt}, nil
}

// SetStock sets the inventory level of a product.
func (store *Store) SetStock(ctx context.Context, productID string, quantity int) error {
	model := Product{ID: productID, Stock: quantity}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"stock"}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectProduct, errorCodeUpdate, err)
	}
	return nil
}

// Stock returns the inventory level of a product.
func (store *Store) Stock(ctx context.Context, productID string) (int, error) {
	var model Product
	if err := store.db.WithContext(ctx).Where("id = ?", productID).Take(&model).Error; err != nil {
		return 0, wrapStoreError(errorSubjectProduct, errorCodeGet, err)
	}
	return model.Stock, nil
}

// CreateCart opens a cart for userID with the given subtotal and items.
func (store *Store) CreateCart(ctx context.Context, cartID string, userID ledger.UserID, subtotal ledger.Amount, items ...commerce.OrderItem) error {
	return store.WithTx(ctx, func(ctx context.Context, txStore *Store) error {
		model := Cart{ID: cartID, UserID: userID.String(), Subtotal: subtotal.Decimal(), CreatedAt: time.Now().UTC()}
		if err := txStore.db.WithContext(ctx).Create(&model).Error; err != nil {
			return wrapStoreError(errorSubjectCart, errorCodeCreate, err)
		}
		for _, item := range items {
			line := CartItem{CartID: cartID, ProductID: item.ProductID, Quantity: item.Quantity}
			if err := txStore.db.WithContext(ctx).Create(&line).Error; err != nil {
				return wrapStoreError(errorSubjectCart, errorCodeCreate, err)
			}
		}
		return nil
	})
}

// GetCart implements commerce.CartStore.
func (store *Store) GetCart(ctx context.Context, cartID string) (commerce.Cart, error) {
	var model Cart
	err := store.db.WithContext(ctx).Where("id = ?", cartID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return commerce.Cart{}, wrapStoreError(errorSubjectCart, errorCodeGet, fmt.Errorf("%w: %s", commerce.ErrCartNotFound, cartID))
	}
	if err != nil {
		return commerce.Cart{}, wrapStoreError(errorSubjectCart, errorCodeGet, err)
	}
	var applied []CartCoupon
	if err := store.db.WithContext(ctx).Where("cart_id = ?", cartID).Order("applied_at, code").Find(&applied).Error; err != nil {
		return commerce.Cart{}, wrapStoreError(errorSubjectCart, errorCodeList, err)
	}
	codes := make([]string, 0, len(applied))
	for _, link := range applied {
		codes = append(codes, link.Code)
	}
	amounts, err := store.couponAmounts(ctx, codes)
	if err != nil {
		return commerce.Cart{}, err
	}
	userID, err := ledger.NewUserID(model.UserID)
	if err != nil {
		return commerce.Cart{}, wrapStoreError(errorSubjectCart, errorCodeInvalid, err)
	}
	subtotal, err := amountFromDecimal(model.Subtotal)
	if err != nil {
		return commerce.Cart{}, wrapStoreError(errorSubjectCart, errorCodeInvalid, err)
	}
	total := subtotal
	for _, code := range codes {
		if amount, ok := amounts[code]; ok {
			total = total.SubClamped(amount)
		}
	}
	return commerce.Cart{ID: model.ID, UserID: userID, Subtotal: subtotal, Total: total, Coupons: codes}, nil
}

// ApplyCoupon implements commerce.CartStore.
func (store *Store) ApplyCoupon(ctx context.Context, cartID string, code string) error {
	normalized := normalizeCode(code)
	if _, err := store.FindCouponByCode(ctx, normalized); err != nil {
		return err
	}
	if _, err := store.GetCart(ctx, cartID); err != nil {
		return err
	}
	link := CartCoupon{CartID: cartID, Code: normalized, AppliedAt: time.Now().UTC()}
	err := store.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error
	if err != nil {
		return wrapStoreError(errorSubjectCart, errorCodeUpdate, err)
	}
	return nil
}

// RemoveCoupon implements commerce.CartStore.
func (store *Store) RemoveCoupon(ctx context.Context, cartID string, code string) error {
	err := store.db.WithContext(ctx).
		Where("cart_id = ? AND code = ?", cartID, normalizeCode(code)).
		Delete(&CartCoupon{}).Error
	if err != nil {
		return wrapStoreError(errorSubjectCart, errorCodeDelete, err)
	}
	return nil
}

// CreateCoupon implements commerce.CouponStore.
func (store *Store) CreateCoupon(ctx context.Context, coupon commerce.Coupon) (commerce.Coupon, error) {
	model := Coupon{
		Code:              normalizeCode(coupon.Code),
		Amount:            coupon.Amount.Decimal(),
		UsageLimit:        coupon.UsageLimit,
		UsageLimitPerUser: coupon.UsageLimitPerUser,
		UsageCount:        coupon.UsageCount,
		OwnerUserID:       coupon.OwnerUserID.String(),
		Note:              coupon.Note,
		CreatedAt:         coupon.CreatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return commerce.Coupon{}, wrapStoreError(errorSubjectCoupon, errorCodeDuplicate, fmt.Errorf("%w: %s", commerce.ErrDuplicateCoupon, model.Code))
	}
	if err != nil {
		return commerce.Coupon{}, wrapStoreError(errorSubjectCoupon, errorCodeCreate, err)
	}
	return mapCoupon(model)
}

// FindCouponByCode implements commerce.CouponStore.
func (store *Store) FindCouponByCode(ctx context.Context, code string) (commerce.Coupon, error) {
	var model Coupon
	err := store.db.WithContext(ctx).Where("code = ?", normalizeCode(code)).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return commerce.Coupon{}, wrapStoreError(errorSubjectCoupon, errorCodeGet, fmt.Errorf("%w: %s", commerce.ErrCouponNotFound, code))
	}
	if err != nil {
		return commerce.Coupon{}, wrapStoreError(errorSubjectCoupon, errorCodeGet, err)
	}
	return mapCoupon(model)
}

// DeleteCoupon implements commerce.CouponStore. The row is removed permanently.
func (store *Store) DeleteCoupon(ctx context.Context, couponID string) error {
	result := store.db.WithContext(ctx).Where("id = ?", couponID).Delete(&Coupon{})
	if result.Error != nil {
		return wrapStoreError(errorSubjectCoupon, errorCodeDelete, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectCoupon, errorCodeDelete, fmt.Errorf("%w: id %s", commerce.ErrCouponNotFound, couponID))
	}
	return nil
}

// ListUnusedCoupons implements commerce.CouponStore.
func (store *Store) ListUnusedCoupons(ctx context.Context, prefix string, createdBefore time.Time) ([]commerce.Coupon, error) {
	var models []Coupon
	err := store.db.WithContext(ctx).
		Where("code LIKE ? AND usage_count = 0 AND created_at < ?", prefix+"%", createdBefore.UTC()).
		Order("code").
		Find(&models).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectCoupon, errorCodeList, err)
	}
	coupons := make([]commerce.Coupon, 0, len(models))
	for _, model := range models {
		coupon, err := mapCoupon(model)
		if err != nil {
			return nil, err
		}
		coupons = append(coupons, coupon)
	}
	return coupons, nil
}

// ListHeldCreditCoupons implements commerce.CouponStore.
func (store *Store) ListHeldCreditCoupons(ctx context.Context, ownerID ledger.UserID) ([]commerce.Coupon, error) {
	appliedCodes := store.db.Model(&CartCoupon{}).Select("code")
	undeductedOrders := store.db.Model(&Order{}).Select("id").Where("credit_deducted = ?", false)
	var models []Coupon
	err := store.db.WithContext(ctx).
		Where("owner_user_id = ? AND code LIKE ?", ownerID.String(), commerce.CreditCouponPrefix+"%").
		Where(store.db.
			Where("usage_count = 0 AND code IN (?)", appliedCodes).
			Or("usage_count > 0 AND redeemed_order_id IN (?)", undeductedOrders)).
		Order("code").
		Find(&models).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectCoupon, errorCodeList, err)
	}
	coupons := make([]commerce.Coupon, 0, len(models))
	for _, model := range models {
		coupon, err := mapCoupon(model)
		if err != nil {
			return nil, err
		}
		coupons = append(coupons, coupon)
	}
	return coupons, nil
}

// PlaceOrder turns a cart into a pending order, counts coupon usage and
// empties the cart, all in one transaction.
func (store *Store) PlaceOrder(ctx context.Context, cartID string, now time.Time) (commerce.Order, error) {
	var orderID string
	err := store.WithTx(ctx, func(ctx context.Context, txStore *Store) error {
		view, err := txStore.GetCart(ctx, cartID)
		if err != nil {
			return err
		}
		var items []CartItem
		if err := txStore.db.WithContext(ctx).Where("cart_id = ?", cartID).Order("product_id").Find(&items).Error; err != nil {
			return wrapStoreError(errorSubjectCart, errorCodeList, err)
		}
		usedCoupons, err := json.Marshal(view.Coupons)
		if err != nil {
			return wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
		}
		order := Order{
			UserID:            view.UserID.String(),
			Total:             view.Total.Decimal(),
			UsedCoupons:       datatypes.JSON(usedCoupons),
			Status:            string(commerce.OrderStatusPending),
			PartialCreditUsed: decimal.Zero,
			CreatedAt:         now.UTC(),
		}
		if err := txStore.db.WithContext(ctx).Create(&order).Error; err != nil {
			return wrapStoreError(errorSubjectOrder, errorCodeCreate, err)
		}
		for _, code := range view.Coupons {
			err := txStore.db.WithContext(ctx).
				Model(&Coupon{}).
				Where("code = ?", code).
				UpdateColumns(map[string]any{
					"usage_count":       gorm.Expr("usage_count + ?", 1),
					"redeemed_order_id": order.ID,
				}).Error
			if err != nil {
				return wrapStoreError(errorSubjectCoupon, errorCodeUpdate, err)
			}
		}
		for _, item := range items {
			line := OrderItem{OrderID: order.ID, ProductID: item.ProductID, Quantity: item.Quantity}
			if err := txStore.db.WithContext(ctx).Create(&line).Error; err != nil {
				return wrapStoreError(errorSubjectOrder, errorCodeCreate, err)
			}
		}
		if err := txStore.db.WithContext(ctx).Where("cart_id = ?", cartID).Delete(&CartCoupon{}).Error; err != nil {
			return wrapStoreError(errorSubjectCart, errorCodeDelete, err)
		}
		if err := txStore.db.WithContext(ctx).Where("cart_id = ?", cartID).Delete(&CartItem{}).Error; err != nil {
			return wrapStoreError(errorSubjectCart, errorCodeDelete, err)
		}
		err = txStore.db.WithContext(ctx).Model(&Cart{}).Where("id = ?", cartID).Update("subtotal", decimal.Zero).Error
		if err != nil {
			return wrapStoreError(errorSubjectCart, errorCodeUpdate, err)
		}
		orderID = order.ID
		return nil
	})
	if err != nil {
		return commerce.Order{}, err
	}
	return store.GetOrder(ctx, orderID)
}

// GetOrder implements commerce.OrderStore.
func (store *Store) GetOrder(ctx context.Context, orderID string) (commerce.Order, error) {
	model, err := store.orderModel(ctx, store.db, orderID)
	if err != nil {
		return commerce.Order{}, err
	}
	var items []OrderItem
	if err := store.db.WithContext(ctx).Where("order_id = ?", orderID).Order("product_id").Find(&items).Error; err != nil {
		return commerce.Order{}, wrapStoreError(errorSubjectOrder, errorCodeList, err)
	}
	var notes []OrderNote
	if err := store.db.WithContext(ctx).Where("order_id = ?", orderID).Order("id").Find(&notes).Error; err != nil {
		return commerce.Order{}, wrapStoreError(errorSubjectOrder, errorCodeList, err)
	}
	order, err := mapOrder(model, items, notes)
	if err != nil {
		return commerce.Order{}, wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
	}
	return order, nil
}

// SetPartialCreditUsed implements commerce.OrderStore.
func (store *Store) SetPartialCreditUsed(ctx context.Context, orderID string, amount ledger.Amount) error {
	return store.updateOrder(ctx, orderID, map[string]any{"partial_credit_used": amount.Decimal()})
}

// ClaimCreditDeduction implements commerce.OrderStore with a conditional update.
func (store *Store) ClaimCreditDeduction(ctx context.Context, orderID string) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&Order{}).
		Where("id = ? AND credit_deducted = ?", orderID, false).
		Update("credit_deducted", true)
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectOrder, errorCodeClaim, result.Error)
	}
	if result.RowsAffected == 1 {
		return true, nil
	}
	if _, err := store.orderModel(ctx, store.db, orderID); err != nil {
		return false, err
	}
	return false, nil
}

// ReleaseCreditDeduction implements commerce.OrderStore.
func (store *Store) ReleaseCreditDeduction(ctx context.Context, orderID string) error {
	return store.updateOrder(ctx, orderID, map[string]any{"credit_deducted": false})
}

// MarkPaid implements commerce.OrderStore. Only pending orders move to processing.
func (store *Store) MarkPaid(ctx context.Context, orderID string, paymentMethod string, paidAt time.Time) (bool, error) {
	paid := paidAt.UTC()
	result := store.db.WithContext(ctx).
		Model(&Order{}).
		Where("id = ? AND status = ?", orderID, string(commerce.OrderStatusPending)).
		Updates(map[string]any{
			"status":         string(commerce.OrderStatusProcessing),
			"payment_method": paymentMethod,
			"paid_at":        &paid,
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectOrder, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 1 {
		return true, nil
	}
	if _, err := store.orderModel(ctx, store.db, orderID); err != nil {
		return false, err
	}
	return false, nil
}

// ReduceStock implements commerce.OrderStore. Either every line is reduced or none.
func (store *Store) ReduceStock(ctx context.Context, orderID string) error {
	return store.WithTx(ctx, func(ctx context.Context, txStore *Store) error {
		locking := txStore.db.Clauses(clause.Locking{Strength: "UPDATE"})
		if _, err := txStore.orderModel(ctx, locking, orderID); err != nil {
			return err
		}
		var items []OrderItem
		if err := txStore.db.WithContext(ctx).Where("order_id = ?", orderID).Order("product_id").Find(&items).Error; err != nil {
			return wrapStoreError(errorSubjectOrder, errorCodeList, err)
		}
		for _, item := range items {
			result := txStore.db.WithContext(ctx).
				Model(&Product{}).
				Where("id = ? AND stock >= ?", item.ProductID, item.Quantity).
				UpdateColumn("stock", gorm.Expr("stock - ?", item.Quantity))
			if result.Error != nil {
				return wrapStoreError(errorSubjectProduct, errorCodeUpdate, result.Error)
			}
			if result.RowsAffected == 0 {
				return wrapStoreError(errorSubjectProduct, errorCodeUpdate, fmt.Errorf("%w: product %s", commerce.ErrInsufficientStock, item.ProductID))
			}
		}
		return nil
	})
}

// AddNote implements commerce.OrderStore.
func (store *Store) AddNote(ctx context.Context, orderID string, note string) error {
	if _, err := store.orderModel(ctx, store.db, orderID); err != nil {
		return err
	}
	model := OrderNote{OrderID: orderID, Note: note, CreatedAt: time.Now().UTC()}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectOrder, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) orderModel(ctx context.Context, db *gorm.DB, orderID string) (Order, error) {
	var model Order
	err := db.WithContext(ctx).Where("id = ?", orderID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Order{}, wrapStoreError(errorSubjectOrder, errorCodeGet, fmt.Errorf("%w: %s", commerce.ErrOrderNotFound, orderID))
	}
	if err != nil {
		return Order{}, wrapStoreError(errorSubjectOrder, errorCodeGet, err)
	}
	return model, nil
}

func (store *Store) updateOrder(ctx context.Context, orderID string, changes map[string]any) error {
	result := store.db.WithContext(ctx).Model(&Order{}).Where("id = ?", orderID).Updates(changes)
	if result.Error != nil {
		return wrapStoreError(errorSubjectOrder, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := store.orderModel(ctx, store.db, orderID); err != nil {
			return err
		}
	}
	return nil
}

func (store *Store) couponAmounts(ctx context.Context, codes []string) (map[string]ledger.Amount, error) {
	amounts := make(map[string]ledger.Amount, len(codes))
	if len(codes) == 0 {
		return amounts, nil
	}
	var models []Coupon
	if err := store.db.WithContext(ctx).Where("code IN ?", codes).Find(&models).Error; err != nil {
		return nil, wrapStoreError(errorSubjectCoupon, errorCodeList, err)
	}
	for _, model := range models {
		amount, err := amountFromDecimal(model.Amount)
		if err != nil {
			return nil, wrapStoreError(errorSubjectCoupon, errorCodeInvalid, err)
		}
		amounts[model.Code] = amount
	}
	return amounts, nil
}

func mapCoupon(model Coupon) (commerce.Coupon, error) {
	amount, err := amountFromDecimal(model.Amount)
	if err != nil {
		return commerce.Coupon{}, wrapStoreError(errorSubjectCoupon, errorCodeInvalid, err)
	}
	var owner ledger.UserID
	if model.OwnerUserID != "" {
		owner, err = ledger.NewUserID(model.OwnerUserID)
		if err != nil {
			return commerce.Coupon{}, wrapStoreError(errorSubjectCoupon, errorCodeInvalid, err)
		}
	}
	return commerce.Coupon{
		ID:                model.ID,
		Code:              model.Code,
		Amount:            amount,
		UsageLimit:        model.UsageLimit,
		UsageLimitPerUser: model.UsageLimitPerUser,
		UsageCount:        model.UsageCount,
		OwnerUserID:       owner,
		Note:              model.Note,
		CreatedAt:         model.CreatedAt,
	}, nil
}

func mapOrder(model Order, items []OrderItem, notes []OrderNote) (commerce.Order, error) {
	var userID ledger.UserID
	if model.UserID != "" {
		parsed, err := ledger.NewUserID(model.UserID)
		if err != nil {
			return commerce.Order{}, err
		}
		userID = parsed
	}
	total, err := amountFromDecimal(model.Total)
	if err != nil {
		return commerce.Order{}, err
	}
	partial, err := amountFromDecimal(model.PartialCreditUsed)
	if err != nil {
		return commerce.Order{}, err
	}
	var usedCoupons []string
	if len(model.UsedCoupons) > 0 {
		if err := json.Unmarshal(model.UsedCoupons, &usedCoupons); err != nil {
			return commerce.Order{}, err
		}
	}
	sort.Strings(usedCoupons)
	order := commerce.Order{
		ID:                model.ID,
		UserID:            userID,
		Total:             total,
		UsedCoupons:       usedCoupons,
		Status:            commerce.OrderStatus(model.Status),
		PaymentMethod:     model.PaymentMethod,
		PartialCreditUsed: partial,
		CreditDeducted:    model.CreditDeducted,
		CreatedAt:         model.CreatedAt,
	}
	if model.PaidAt != nil {
		order.PaidAt = *model.PaidAt
	}
	for _, item := range items {
		order.Items = append(order.Items, commerce.OrderItem{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	for _, note := range notes {
		order.Notes = append(order.Notes, note.Note)
	}
	return order, nil
}

func normalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
