package ledger

import (
	"context"
	"fmt"
)

// ForceReset replaces the balance with amount regardless of rollover or the
// daily reset guard.
func (service *Service) ForceReset(ctx context.Context, userID UserID, amount Amount) (Account, error) {
	previous, next, _, err := service.mutate(ctx, userID, func(current Account) (Account, bool, error) {
		next := current
		next.Balance = amount
		return next, true, nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:       operationForceReset,
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

// Simulate projects the balance a reset under config would produce without writing it.
func (service *Service) Simulate(ctx context.Context, userID UserID, config ResetConfig) (Simulation, error) {
	account, err := service.Account(ctx, userID)
	if err != nil {
		return Simulation{}, err
	}
	return Simulation{Current: account.Balance, Projected: config.Project(account.Balance)}, nil
}

// SetAnniversary overwrites the user's anniversary date.
func (service *Service) SetAnniversary(ctx context.Context, userID UserID, date Date) (Account, error) {
	if date.IsZero() {
		return Account{}, fmt.Errorf("%w: anniversary is empty", ErrInvalidDate)
	}
	previous, next, _, err := service.mutate(ctx, userID, func(current Account) (Account, bool, error) {
		if current.Exists() && current.AnniversaryDate.Equal(date) {
			return current, false, nil
		}
		next := current
		next.AnniversaryDate = date
		return next, true, nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:       operationSetAnniversary,
		UserID:          userID,
		PreviousBalance: previous.Balance,
		Balance:         next.Balance,
		Error:           err,
	})
	if err != nil {
		return Account{}, err
	}
	return next, nil
}
