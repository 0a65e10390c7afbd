package gormstore

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreditAccount represents the credit_accounts table.
type CreditAccount struct {
	UserID          string          `gorm:"size:64;primaryKey"`
	Balance         decimal.Decimal `gorm:"type:decimal(20,2);not null"`
	AnniversaryDate string          `gorm:"size:10;not null;default:''"`
	LastResetOn     string          `gorm:"size:10;not null;default:''"`
	Version         int64           `gorm:"not null"`
	UpdatedAt       time.Time       `gorm:"not null"`
}

func (CreditAccount) TableName() string { return "credit_accounts" }

// Setting represents the settings table.
type Setting struct {
	Key       string    `gorm:"column:setting_key;size:64;primaryKey"`
	Value     string    `gorm:"type:text;not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Setting) TableName() string { return "settings" }

// User represents the users table of the host platform.
type User struct {
	ID           string    `gorm:"size:64;primaryKey"`
	Email        string    `gorm:"size:191;not null;uniqueIndex:idx_users_email"`
	RegisteredAt time.Time `gorm:"not null"`
}

func (User) TableName() string { return "users" }

// Coupon represents the coupons table.
type Coupon struct {
	ID                string          `gorm:"size:36;primaryKey"`
	Code              string          `gorm:"size:64;not null;uniqueIndex:idx_coupons_code"`
	Amount            decimal.Decimal `gorm:"type:decimal(20,2);not null"`
	UsageLimit        int             `gorm:"not null"`
	UsageLimitPerUser int             `gorm:"not null"`
	UsageCount        int             `gorm:"not null;default:0"`
	OwnerUserID       string          `gorm:"size:64;not null;default:'';index:idx_coupons_owner"`
	RedeemedOrderID   string          `gorm:"size:36;not null;default:''"`
	Note              string          `gorm:"type:text;not null"`
	CreatedAt         time.Time       `gorm:"not null;index:idx_coupons_created"`
}

func (Coupon) TableName() string { return "coupons" }

func (coupon *Coupon) BeforeCreate(tx *gorm.DB) error {
	if coupon.ID == "" {
		coupon.ID = uuid.NewString()
	}
	return nil
}

// Cart represents the carts table.
type Cart struct {
	ID        string          `gorm:"size:64;primaryKey"`
	UserID    string          `gorm:"size:64;not null;index:idx_carts_user"`
	Subtotal  decimal.Decimal `gorm:"type:decimal(20,2);not null"`
	CreatedAt time.Time       `gorm:"not null"`
}

func (Cart) TableName() string { return "carts" }

// CartCoupon links an applied coupon code to a cart.
type CartCoupon struct {
	CartID    string    `gorm:"size:64;primaryKey"`
	Code      string    `gorm:"size:64;primaryKey"`
	AppliedAt time.Time `gorm:"not null"`
}

func (CartCoupon) TableName() string { return "cart_coupons" }

// CartItem is one product line of a cart.
type CartItem struct {
	CartID    string `gorm:"size:64;primaryKey"`
	ProductID string `gorm:"size:64;primaryKey"`
	Quantity  int    `gorm:"not null"`
}

func (CartItem) TableName() string { return "cart_items" }

// Order represents the orders table including its store-credit usage record.
type Order struct {
	ID                string          `gorm:"size:36;primaryKey"`
	UserID            string          `gorm:"size:64;not null;index:idx_orders_user"`
	Total             decimal.Decimal `gorm:"type:decimal(20,2);not null"`
	UsedCoupons       datatypes.JSON  `gorm:"not null"`
	Status            string          `gorm:"size:32;not null"`
	PaymentMethod     string          `gorm:"not null;default:''"`
	PartialCreditUsed decimal.Decimal `gorm:"type:decimal(20,2);not null"`
	CreditDeducted    bool            `gorm:"not null;default:false"`
	CreatedAt         time.Time       `gorm:"not null"`
	PaidAt            *time.Time
}

func (Order) TableName() string { return "orders" }

func (order *Order) BeforeCreate(tx *gorm.DB) error {
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	return nil
}

// OrderItem is one product line of an order.
type OrderItem struct {
	OrderID   string `gorm:"size:36;primaryKey"`
	ProductID string `gorm:"size:64;primaryKey"`
	Quantity  int    `gorm:"not null"`
}

func (OrderItem) TableName() string { return "order_items" }

// OrderNote is an audit note attached to an order.
type OrderNote struct {
	ID        uint      `gorm:"primaryKey"`
	OrderID   string    `gorm:"size:36;not null;index:idx_order_notes_order"`
	Note      string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (OrderNote) TableName() string { return "order_notes" }

// Product tracks inventory.
type Product struct {
	ID    string `gorm:"size:64;primaryKey"`
	Stock int    `gorm:"not null"`
}

func (Product) TableName() string { return "products" }

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{
		&CreditAccount{},
		&Setting{},
		&User{},
		&Coupon{},
		&Cart{},
		&CartCoupon{},
		&CartItem{},
		&Order{},
		&OrderItem{},
		&OrderNote{},
		&Product{},
	}
}
