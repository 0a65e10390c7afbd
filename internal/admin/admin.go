// Package admin implements the operator actions on credit balances: bulk and
// single-user resets, rollover simulation and anniversary edits.
package admin

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/storecredits/internal/commerce"
	"github.com/MarkoPoloResearchLab/storecredits/internal/metrics"
	"github.com/MarkoPoloResearchLab/storecredits/internal/settings"
	"github.com/MarkoPoloResearchLab/storecredits/pkg/ledger"
	"go.uber.org/zap"
)

const resetMethodManual = "manual"

var (
	// ErrMissingIdentifier reports an empty user id or email.
	ErrMissingIdentifier = errors.New("user identifier is required")
	// ErrInvalidAdminConfig reports a missing dependency.
	ErrInvalidAdminConfig = errors.New("invalid admin config")
)

// SnapshotSource loads the configuration in effect.
type SnapshotSource interface {
	Load(ctx context.Context) (settings.Snapshot, error)
}

// BulkReport summarizes a reset of every user.
type BulkReport struct {
	Amount ledger.Amount
	Reset  int
	Failed int
}

// UserReset is the outcome of resetting one user.
type UserReset struct {
	User     commerce.User
	Previous ledger.Amount
	Balance  ledger.Amount
}

// UserSimulation is the projected outcome of a reset for one user.
type UserSimulation struct {
	User      commerce.User
	Current   ledger.Amount
	Projected ledger.Amount
}

// Service performs operator actions.
type Service struct {
	credits  *ledger.Service
	users    commerce.UserDirectory
	settings SnapshotSource
	logger   *zap.Logger
}

// New wires a Service.
func New(credits *ledger.Service, users commerce.UserDirectory, source SnapshotSource, logger *zap.Logger) (*Service, error) {
	if credits == nil || users == nil || source == nil {
		return nil, fmt.Errorf("%w: credits, users and settings are required", ErrInvalidAdminConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{credits: credits, users: users, settings: source, logger: logger}, nil
}

// ResolveUser finds a user by numeric id, falling back to e-mail lookup.
func (service *Service) ResolveUser(ctx context.Context, identifier string) (commerce.User, error) {
	trimmed := strings.TrimSpace(identifier)
	if trimmed == "" {
		return commerce.User{}, ErrMissingIdentifier
	}
	if _, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
		user, err := service.users.FindUserByID(ctx, trimmed)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, commerce.ErrUserNotFound) {
			return commerce.User{}, err
		}
	}
	if !strings.Contains(trimmed, "@") {
		return commerce.User{}, fmt.Errorf("%w: %s", commerce.ErrUserNotFound, trimmed)
	}
	return service.users.FindUserByEmail(ctx, trimmed)
}

// ResetAll replaces every user's balance with the yearly amount. The daily
// reset guard and the rollover policy do not apply.
func (service *Service) ResetAll(ctx context.Context) (BulkReport, error) {
	snapshot, err := service.settings.Load(ctx)
	if err != nil {
		return BulkReport{}, fmt.Errorf("load settings: %w", err)
	}
	userIDs, err := service.users.ListUserIDs(ctx)
	if err != nil {
		return BulkReport{}, fmt.Errorf("list users: %w", err)
	}
	report := BulkReport{Amount: snapshot.Reset.YearlyAmount}
	var failures []error
	for _, userID := range userIDs {
		if _, err := service.credits.ForceReset(ctx, userID, snapshot.Reset.YearlyAmount); err != nil {
			report.Failed++
			metrics.RecordReset(resetMethodManual, metrics.OutcomeFailed)
			failures = append(failures, fmt.Errorf("reset %s: %w", userID.String(), err))
			continue
		}
		report.Reset++
		metrics.RecordReset(resetMethodManual, metrics.OutcomeApplied)
	}
	service.logger.Info("bulk credit reset",
		zap.String("amount", report.Amount.String()),
		zap.Int("reset", report.Reset),
		zap.Int("failed", report.Failed),
	)
	return report, errors.Join(failures...)
}

// ResetUser replaces one user's balance with the yearly amount.
func (service *Service) ResetUser(ctx context.Context, identifier string) (UserReset, error) {
	user, err := service.ResolveUser(ctx, identifier)
	if err != nil {
		return UserReset{}, err
	}
	snapshot, err := service.settings.Load(ctx)
	if err != nil {
		return UserReset{}, fmt.Errorf("load settings: %w", err)
	}
	previous, err := service.credits.Balance(ctx, user.ID)
	if err != nil {
		return UserReset{}, err
	}
	account, err := service.credits.ForceReset(ctx, user.ID, snapshot.Reset.YearlyAmount)
	if err != nil {
		metrics.RecordReset(resetMethodManual, metrics.OutcomeFailed)
		return UserReset{}, err
	}
	metrics.RecordReset(resetMethodManual, metrics.OutcomeApplied)
	service.logger.Info("user credit reset",
		zap.String("user_id", user.ID.String()),
		zap.String("balance", account.Balance.String()),
	)
	return UserReset{User: user, Previous: previous, Balance: account.Balance}, nil
}

// Simulate projects what the next scheduled reset would leave on the user's balance.
func (service *Service) Simulate(ctx context.Context, identifier string) (UserSimulation, error) {
	user, err := service.ResolveUser(ctx, identifier)
	if err != nil {
		return UserSimulation{}, err
	}
	snapshot, err := service.settings.Load(ctx)
	if err != nil {
		return UserSimulation{}, fmt.Errorf("load settings: %w", err)
	}
	simulation, err := service.credits.Simulate(ctx, user.ID, snapshot.Reset)
	if err != nil {
		return UserSimulation{}, err
	}
	return UserSimulation{User: user, Current: simulation.Current, Projected: simulation.Projected}, nil
}

// SetAnniversary overwrites the anniversary date of the identified user.
func (service *Service) SetAnniversary(ctx context.Context, identifier string, date ledger.Date) (ledger.Account, error) {
	user, err := service.ResolveUser(ctx, identifier)
	if err != nil {
		return ledger.Account{}, err
	}
	return service.credits.SetAnniversary(ctx, user.ID, date)
}
