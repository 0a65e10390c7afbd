// Package gormstore persists credit accounts, settings and the host commerce
// tables through GORM on PostgreSQL, MySQL or SQLite.
package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/storecredits/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	pgUniqueViolationCode    = "23505"
	sqliteConstraintCode     = 19
	mysqlDuplicateEntryCode  = 1062
	errorOperationStore      = "store"
	errorSubjectAccount      = "account"
	errorSubjectSetting      = "setting"
	errorSubjectUser         = "user"
	errorSubjectCoupon       = "coupon"
	errorSubjectCart         = "cart"
	errorSubjectOrder        = "order"
	errorSubjectProduct      = "product"
	errorSubjectSchema       = "schema"
	errorCodeClaim           = "claim"
	errorCodeCreate          = "create"
	errorCodeDelete          = "delete"
	errorCodeDuplicate       = "duplicate"
	errorCodeGet             = "get"
	errorCodeInsert          = "insert"
	errorCodeInvalid         = "invalid"
	errorCodeList            = "list"
	errorCodeLookup          = "lookup"
	errorCodeMigrate         = "migrate"
	errorCodePing            = "ping"
	errorCodeUpdate          = "update"
	errorCodeVersionConflict = "version_conflict"
)

// Store implements ledger.Store, the settings key-value store and the
// commerce collaborators using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore *Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// Migrate creates or updates every table.
func (store *Store) Migrate(ctx context.Context) error {
	if err := store.db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}

// Ping checks that the database answers.
func (store *Store) Ping(ctx context.Context) error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodePing, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodePing, err)
	}
	return nil
}

// GetAccount implements ledger.Store.
func (store *Store) GetAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	var model CreditAccount
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Account{UserID: userID, Balance: ledger.ZeroAmount()}, nil
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	account, err := mapAccount(userID, model)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

// SwapAccount implements ledger.Store with a version-guarded update.
func (store *Store) SwapAccount(ctx context.Context, previous ledger.Account, next ledger.Account) error {
	model := CreditAccount{
		UserID:          next.UserID.String(),
		Balance:         next.Balance.Decimal(),
		AnniversaryDate: next.AnniversaryDate.String(),
		LastResetOn:     next.LastResetOn.String(),
		Version:         next.Version,
		UpdatedAt:       time.Now().UTC(),
	}
	if previous.Version == 0 {
		err := store.db.WithContext(ctx).Create(&model).Error
		if isUniqueViolation(err) {
			return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, ledger.ErrConcurrentUpdate)
		}
		if err != nil {
			return wrapStoreError(errorSubjectAccount, errorCodeInsert, err)
		}
		return nil
	}
	result := store.db.WithContext(ctx).
		Model(&CreditAccount{}).
		Where("user_id = ? AND version = ?", model.UserID, previous.Version).
		Updates(map[string]any{
			"balance":          model.Balance,
			"anniversary_date": model.AnniversaryDate,
			"last_reset_on":    model.LastResetOn,
			"version":          model.Version,
			"updated_at":       model.UpdatedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeVersionConflict, ledger.ErrConcurrentUpdate)
	}
	return nil
}

// GetSetting implements the settings key-value store.
func (store *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var model Setting
	err := store.db.WithContext(ctx).Where("setting_key = ?", key).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapStoreError(errorSubjectSetting, errorCodeGet, err)
	}
	return model.Value, true, nil
}

// SetSetting implements the settings key-value store.
func (store *Store) SetSetting(ctx context.Context, key string, value string) error {
	model := Setting{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "setting_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectSetting, errorCodeUpdate, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func mapAccount(userID ledger.UserID, model CreditAccount) (ledger.Account, error) {
	balance, err := ledger.NewAmount(model.Balance)
	if err != nil {
		return ledger.Account{}, err
	}
	anniversary, err := ledger.ParseDate(model.AnniversaryDate)
	if err != nil {
		return ledger.Account{}, err
	}
	lastReset, err := ledger.ParseDate(model.LastResetOn)
	if err != nil {
		return ledger.Account{}, err
	}
	return ledger.Account{
		UserID:          userID,
		Balance:         balance,
		AnniversaryDate: anniversary,
		LastResetOn:     lastReset,
		Version:         model.Version,
	}, nil
}

func amountFromDecimal(value decimal.Decimal) (ledger.Amount, error) {
	return ledger.NewAmount(value)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlDuplicateEntryCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
