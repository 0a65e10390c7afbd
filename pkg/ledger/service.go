package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Service contains the balance rules over a Store.
type Service struct {
	store           Store
	locker          Locker
	holds           Holds
	logger          OperationLogger
	maxSwapAttempts int
}

// ResetResult reports the outcome of a scheduled reset.
type ResetResult struct {
	Previous Amount
	Balance  Amount
	// Applied is false when the account was already reset on the same day.
	Applied bool
}

// DebitResult reports a clamped debit.
type DebitResult struct {
	Previous Amount
	Debited  Amount
	Balance  Amount
}

// Spendable splits a balance into the held and the available part.
type Spendable struct {
	Balance   Amount
	Held      Amount
	Available Amount
}

// Simulation is a projected reset that was not written.
type Simulation struct {
	Current   Amount
	Projected Amount
}

type mutation func(current Account) (next Account, changed bool, err error)

// NewService wires a Service.
func NewService(store Store, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, maxSwapAttempts: defaultMaxSwapAttempts}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Account returns the stored account, or a zero-balance account when none exists.
func (service *Service) Account(ctx context.Context, userID UserID) (Account, error) {
	if userID.IsZero() {
		return Account{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	account, err := service.store.GetAccount(ctx, userID)
	if err != nil {
		return Account{}, err
	}
	account.UserID = userID
	return account, nil
}

// Balance returns the user's spendable balance.
func (service *Service) Balance(ctx context.Context, userID UserID) (Amount, error) {
	account, err := service.Account(ctx, userID)
	if err != nil {
		return Amount{}, err
	}
	return account.Balance, nil
}

// Seed sets the initial balance of a newly registered user and records today
// as the anniversary unless one is already stored.
func (service *Service) Seed(ctx context.Context, userID UserID, amount Amount, today Date) (Account, error) {
	if today.IsZero() {
		return Account{}, fmt.Errorf("%w: seed date is empty", ErrInvalidDate)
	}
	previous, next, _, err := service.mutate(ctx, userID, func(current Account) (Account, bool, error) {
		next := current
		next.Balance = amount
		if next.AnniversaryDate.IsZero() {
			next.AnniversaryDate = today
		}
		return next, true, nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:       operationSeed,
		UserID:          userID,
		Amount:          amount,
		PreviousBalance: previous.Balance,
		Balance:         next.Balance,
		Error:           err,
	})
	if err != nil {
		return Account{}, err
	}
	return next, nil
}

// Reset replenishes the balance according to config. A second reset on the
// same day is a no-op reported with Applied set to false.
func (service *Service) Reset(ctx context.Context, userID UserID, config ResetConfig, today Date) (ResetResult, error) {
	if today.IsZero() {
		return ResetResult{}, fmt.Errorf("%w: reset date is empty", ErrInvalidDate)
	}
	previous, next, applied, err := service.mutate(ctx, userID, func(current Account) (Account, bool, error) {
		if current.LastResetOn.Equal(today) {
			return current, false, nil
		}
		next := current
		next.Balance = config.Project(current.Balance)
		next.LastResetOn = today
		return next, true, nil
	})
	entry := OperationLog{
		Operation:       operationReset,
		UserID:          userID,
		Amount:          config.YearlyAmount,
		PreviousBalance: previous.Balance,
		Balance:         next.Balance,
		Error:           err,
	}
	if err == nil && !applied {
		entry.Status = operationStatusSkipped
	}
	service.logOperation(ctx, entry)
	if err != nil {
		return ResetResult{}, err
	}
	return ResetResult{Previous: previous.Balance, Balance: next.Balance, Applied: applied}, nil
}

// Debit subtracts amount from the balance, clamping the result at zero.
func (service *Service) Debit(ctx context.Context, userID UserID, amount Amount) (DebitResult, error) {
	previous, next, _, err := service.mutate(ctx, userID, func(current Account) (Account, bool, error) {
		if amount.IsZero() {
			return current, false, nil
		}
		next := current
		next.Balance = current.Balance.SubClamped(amount)
		return next, true, nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:       operationDebit,
		UserID:          userID,
		Amount:          amount,
		PreviousBalance: previous.Balance,
		Balance:         next.Balance,
		Error:           err,
	})
	if err != nil {
		return DebitResult{}, err
	}
	debited, _ := previous.Balance.Sub(next.Balance)
	return DebitResult{Previous: previous.Balance, Debited: debited, Balance: next.Balance}, nil
}

// Spendable returns the balance minus the amount held elsewhere. It does not
// lock; callers that act on the result hold the user's lock themselves.
func (service *Service) Spendable(ctx context.Context, userID UserID) (Spendable, error) {
	account, err := service.Account(ctx, userID)
	if err != nil {
		return Spendable{}, err
	}
	held, err := service.heldAmount(ctx, userID)
	if err != nil {
		return Spendable{}, err
	}
	return Spendable{Balance: account.Balance, Held: held, Available: account.Balance.SubClamped(held)}, nil
}

// Spend subtracts exactly amount or fails with ErrInsufficientFunds. Held
// amounts are not spendable.
func (service *Service) Spend(ctx context.Context, userID UserID, amount Amount) (Account, error) {
	previous, next, _, err := service.mutate(ctx, userID, func(current Account) (Account, bool, error) {
		held, err := service.heldAmount(ctx, userID)
		if err != nil {
			return current, false, err
		}
		if current.Balance.SubClamped(held).LessThan(amount) {
			return current, false, fmt.Errorf("%w: balance %s, held %s, requested %s",
				ErrInsufficientFunds, current.Balance.String(), held.String(), amount.String())
		}
		remaining, err := current.Balance.Sub(amount)
		if err != nil {
			return current, false, err
		}
		if amount.IsZero() {
			return current, false, nil
		}
		next := current
		next.Balance = remaining
		return next, true, nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:       operationSpend,
		UserID:          userID,
		Amount:          amount,
		PreviousBalance: previous.Balance,
		Balance:         next.Balance,
		Error:           err,
	})
	if err != nil {
		return Account{}, err
	}
	return next, nil
}

// Credit adds amount to the balance. It compensates debits whose surrounding
// operation failed.
func (service *Service) Credit(ctx context.Context, userID UserID, amount Amount) (Account, error) {
	previous, next, _, err := service.mutate(ctx, userID, func(current Account) (Account, bool, error) {
		if amount.IsZero() {
			return current, false, nil
		}
		next := current
		next.Balance = current.Balance.Add(amount)
		return next, true, nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:       operationCredit,
		UserID:          userID,
		Amount:          amount,
		PreviousBalance: previous.Balance,
		Balance:         next.Balance,
		Error:           err,
	})
	if err != nil {
		return Account{}, err
	}
	return next, nil
}

func (service *Service) heldAmount(ctx context.Context, userID UserID) (Amount, error) {
	if service.holds == nil {
		return ZeroAmount(), nil
	}
	held, err := service.holds.HeldAmount(ctx, userID)
	if err != nil {
		return Amount{}, fmt.Errorf("held amount: %w", err)
	}
	return held, nil
}

func (service *Service) mutate(ctx context.Context, userID UserID, apply mutation) (Account, Account, bool, error) {
	if userID.IsZero() {
		return Account{}, Account{}, false, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if service.locker != nil {
		unlock, err := service.locker.Lock(ctx, userID)
		if err != nil {
			return Account{}, Account{}, false, err
		}
		defer unlock()
	}
	var current Account
	for attempt := 0; attempt < service.maxSwapAttempts; attempt++ {
		var err error
		current, err = service.store.GetAccount(ctx, userID)
		if err != nil {
			return Account{}, Account{}, false, err
		}
		current.UserID = userID
		next, changed, err := apply(current)
		if err != nil {
			return current, current, false, err
		}
		if !changed {
			return current, current, false, nil
		}
		next.UserID = userID
		next.Version = current.Version + 1
		swapErr := service.store.SwapAccount(ctx, current, next)
		if errors.Is(swapErr, ErrConcurrentUpdate) {
			continue
		}
		if swapErr != nil {
			return current, current, false, swapErr
		}
		return current, next, true, nil
	}
	return current, current, false, fmt.Errorf("%w: %d attempts for user %s", ErrConcurrentUpdate, service.maxSwapAttempts, userID.String())
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
