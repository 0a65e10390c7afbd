// Package pgstore implements ledger.Store directly over a pgx connection pool.
package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/storecredits/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	pgUniqueViolationCode    = "23505"
	errorOperationStore      = "store"
	errorSubjectAccount      = "account"
	errorSubjectSchema       = "schema"
	errorCodeCreate          = "create"
	errorCodeDuplicate       = "duplicate"
	errorCodeGet             = "get"
	errorCodeInsert          = "insert"
	errorCodeInvalid         = "invalid"
	errorCodeUpdate          = "update"
	errorCodeVersionConflict = "version_conflict"

	sqlCreateAccounts = `
		create table if not exists credit_accounts (
			user_id varchar(64) primary key,
			balance decimal(20,2) not null,
			anniversary_date varchar(10) not null default '',
			last_reset_on varchar(10) not null default '',
			version bigint not null,
			updated_at timestamptz not null
		)
	`

	sqlSelectAccount = `
		select balance::text, anniversary_date, last_reset_on, version
		from credit_accounts
		where user_id = $1
	`

	sqlInsertAccount = `
		insert into credit_accounts(user_id, balance, anniversary_date, last_reset_on, version, updated_at)
		values ($1, $2::numeric, $3, $4, $5, now())
		on conflict (user_id) do nothing
	`

	sqlUpdateAccount = `
		update credit_accounts
		set balance = $3::numeric, anniversary_date = $4, last_reset_on = $5, version = $6, updated_at = now()
		where user_id = $1 and version = $2
	`
)

// querier is the subset of pgxpool.Pool used by the store.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool (autocommit).
// Every swap is a single conditional statement.
type Store struct {
	db querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{db: pool}
}

// EnsureSchema creates the accounts table when it does not exist.
func (store *Store) EnsureSchema(ctx context.Context) error {
	if _, err := store.db.Exec(ctx, sqlCreateAccounts); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeCreate, err)
	}
	return nil
}

// GetAccount implements ledger.Store.
func (store *Store) GetAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	return getAccount(ctx, store.db, userID)
}

// SwapAccount implements ledger.Store.
func (store *Store) SwapAccount(ctx context.Context, previous ledger.Account, next ledger.Account) error {
	return swapAccount(ctx, store.db, previous, next)
}

func getAccount(ctx context.Context, db querier, userID ledger.UserID) (ledger.Account, error) {
	var (
		balanceValue     string
		anniversaryValue string
		lastResetValue   string
		version          int64
	)
	err := db.QueryRow(ctx, sqlSelectAccount, userID.String()).Scan(&balanceValue, &anniversaryValue, &lastResetValue, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{UserID: userID, Balance: ledger.ZeroAmount()}, nil
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	balanceDecimal, err := decimal.NewFromString(balanceValue)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	balance, err := ledger.NewAmount(balanceDecimal)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	anniversary, err := ledger.ParseDate(anniversaryValue)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	lastReset, err := ledger.ParseDate(lastResetValue)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return ledger.Account{
		UserID:          userID,
		Balance:         balance,
		AnniversaryDate: anniversary,
		LastResetOn:     lastReset,
		Version:         version,
	}, nil
}

func swapAccount(ctx context.Context, db querier, previous ledger.Account, next ledger.Account) error {
	if previous.Version == 0 {
		tag, err := db.Exec(ctx, sqlInsertAccount,
			next.UserID.String(),
			next.Balance.Decimal().String(),
			next.AnniversaryDate.String(),
			next.LastResetOn.String(),
			next.Version,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, ledger.ErrConcurrentUpdate)
			}
			return wrapStoreError(errorSubjectAccount, errorCodeInsert, err)
		}
		if tag.RowsAffected() == 0 {
			return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, ledger.ErrConcurrentUpdate)
		}
		return nil
	}
	tag, err := db.Exec(ctx, sqlUpdateAccount,
		next.UserID.String(),
		previous.Version,
		next.Balance.Decimal().String(),
		next.AnniversaryDate.String(),
		next.LastResetOn.String(),
		next.Version,
	)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeVersionConflict, ledger.ErrConcurrentUpdate)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
