// Package registration seeds the credit account of new customers and
// enforces the optional e-mail domain restriction.
package registration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/storecredits/internal/settings"
	"github.com/MarkoPoloResearchLab/storecredits/pkg/ledger"
	"go.uber.org/zap"
)

var (
	// ErrEmailDomainNotAllowed reports an address outside the allowed domain.
	ErrEmailDomainNotAllowed = errors.New("email domain not allowed")
	// ErrInvalidEmail reports an address without a domain part.
	ErrInvalidEmail = errors.New("invalid email")
	// ErrInvalidHookConfig reports a missing dependency.
	ErrInvalidHookConfig = errors.New("invalid registration hook config")
)

// SnapshotSource loads the configuration in effect.
type SnapshotSource interface {
	Load(ctx context.Context) (settings.Snapshot, error)
}

// Hook reacts to customer registration.
type Hook struct {
	credits  *ledger.Service
	settings SnapshotSource
	logger   *zap.Logger
	now      func() time.Time
}

// New wires a Hook.
func New(credits *ledger.Service, source SnapshotSource, logger *zap.Logger, now func() time.Time) (*Hook, error) {
	if credits == nil || source == nil || now == nil {
		return nil, fmt.Errorf("%w: credits, settings and clock are required", ErrInvalidHookConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hook{credits: credits, settings: source, logger: logger, now: now}, nil
}

// ValidateEmail rejects addresses outside the allowed domain when the
// restriction is enabled and a domain is configured.
func (hook *Hook) ValidateEmail(ctx context.Context, email string) error {
	snapshot, err := hook.settings.Load(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if !snapshot.DomainRestrictionEnabled {
		return nil
	}
	allowed := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(snapshot.AllowedDomain), "@"))
	if allowed == "" {
		return nil
	}
	trimmed := strings.TrimSpace(email)
	at := strings.LastIndex(trimmed, "@")
	if at < 0 || at == len(trimmed)-1 {
		return fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}
	if strings.ToLower(trimmed[at+1:]) != allowed {
		return fmt.Errorf("%w: you must register with an @%s email address", ErrEmailDomainNotAllowed, allowed)
	}
	return nil
}

// HandleUserRegistered gives the customer the yearly amount and records the
// registration day as the anniversary.
func (hook *Hook) HandleUserRegistered(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	snapshot, err := hook.settings.Load(ctx)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("load settings: %w", err)
	}
	today := snapshot.Today(hook.now())
	account, err := hook.credits.Seed(ctx, userID, snapshot.Reset.YearlyAmount, today)
	if err != nil {
		return ledger.Account{}, err
	}
	hook.logger.Info("credit account seeded",
		zap.String("user_id", userID.String()),
		zap.String("balance", account.Balance.String()),
		zap.String("anniversary", account.AnniversaryDate.String()))
	return account, nil
}
