// Package settings stores the admin-controlled credit configuration and
// loads it as an immutable Snapshot.
package settings

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/MarkoPoloResearchLab/storecredits/pkg/ledger"
)

// Setting keys.
const (
	KeyYearlyAmount            = "yearly_credit_amount"
	KeyResetMethod             = "reset_method"
	KeyResetMonth              = "reset_month"
	KeyResetDay                = "reset_day"
	KeyAllowRollover           = "allow_rollover"
	KeyRolloverMax             = "rollover_max"
	KeyAllowPartialUsage       = "allow_partial_usage"
	KeyEnableFullPayment       = "enable_full_payment"
	KeyPartialDisclaimer       = "partial_disclaimer_text"
	KeyEnableDomainRestriction = "enable_domain_restriction"
	KeyAllowedDomain           = "allowed_domain"
	KeyTimezone                = "timezone"

	valueYes = "yes"
	valueNo  = "no"
)

var (
	// ErrInvalidSetting reports a value that cannot be parsed or violates a constraint.
	ErrInvalidSetting = errors.New("invalid setting")
	// ErrUnknownSetting reports a key that is not part of the configuration.
	ErrUnknownSetting = errors.New("unknown setting")
)

var defaults = map[string]string{
	KeyYearlyAmount:            "50",
	KeyResetMethod:             string(ledger.ResetMethodFixed),
	KeyResetMonth:              "1",
	KeyResetDay:                "1",
	KeyAllowRollover:           valueNo,
	KeyRolloverMax:             "",
	KeyAllowPartialUsage:       valueNo,
	KeyEnableFullPayment:       valueYes,
	KeyPartialDisclaimer:       "Credits are only deducted if you complete the order.",
	KeyEnableDomainRestriction: valueNo,
	KeyAllowedDomain:           "",
	KeyTimezone:                "UTC",
}

// Defaults returns a copy of the default values.
func Defaults() map[string]string {
	copied := make(map[string]string, len(defaults))
	for key, value := range defaults {
		copied[key] = value
	}
	return copied
}

// Keys returns the known setting keys in sorted order.
func Keys() []string {
	keys := make([]string, 0, len(defaults))
	for key := range defaults {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// KeyValueStore persists raw setting values.
type KeyValueStore interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key string, value string) error
}

// Snapshot is the configuration in effect for one operation or tick.
type Snapshot struct {
	Reset                    ledger.ResetConfig
	PartialUsageEnabled      bool
	FullPaymentEnabled       bool
	PartialDisclaimer        string
	DomainRestrictionEnabled bool
	AllowedDomain            string
	Location                 *time.Location
}

// Today returns the calendar date of now in the configured time zone.
func (snapshot Snapshot) Today(now time.Time) ledger.Date {
	location := snapshot.Location
	if location == nil {
		location = time.UTC
	}
	return ledger.DateOf(now.In(location))
}

// Values renders the snapshot back into raw setting values.
func (snapshot Snapshot) Values() map[string]string {
	rolloverMax := ""
	if snapshot.Reset.RolloverMax.IsPositive() {
		rolloverMax = snapshot.Reset.RolloverMax.Decimal().String()
	}
	location := "UTC"
	if snapshot.Location != nil {
		location = snapshot.Location.String()
	}
	return map[string]string{
		KeyYearlyAmount:            snapshot.Reset.YearlyAmount.Decimal().String(),
		KeyResetMethod:             snapshot.Reset.Method.String(),
		KeyResetMonth:              strconv.Itoa(int(snapshot.Reset.FixedMonth)),
		KeyResetDay:                strconv.Itoa(snapshot.Reset.FixedDay),
		KeyAllowRollover:           formatFlag(snapshot.Reset.AllowRollover),
		KeyRolloverMax:             rolloverMax,
		KeyAllowPartialUsage:       formatFlag(snapshot.PartialUsageEnabled),
		KeyEnableFullPayment:       formatFlag(snapshot.FullPaymentEnabled),
		KeyPartialDisclaimer:       snapshot.PartialDisclaimer,
		KeyEnableDomainRestriction: formatFlag(snapshot.DomainRestrictionEnabled),
		KeyAllowedDomain:           snapshot.AllowedDomain,
		KeyTimezone:                location,
	}
}

// Repository reads and writes settings through a KeyValueStore.
type Repository struct {
	store KeyValueStore
}

// NewRepository wires a Repository.
func NewRepository(store KeyValueStore) *Repository {
	return &Repository{store: store}
}

// SeedDefaults writes every default whose key is not stored yet.
func (repository *Repository) SeedDefaults(ctx context.Context) error {
	for _, key := range Keys() {
		_, found, err := repository.store.GetSetting(ctx, key)
		if err != nil {
			return err
		}
		if found {
			continue
		}
		if err := repository.store.SetSetting(ctx, key, defaults[key]); err != nil {
			return err
		}
	}
	return nil
}

// Load reads all settings, falling back to defaults for missing keys.
func (repository *Repository) Load(ctx context.Context) (Snapshot, error) {
	values, err := repository.raw(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Parse(values)
}

// Apply validates the merged configuration and stores the changed keys.
func (repository *Repository) Apply(ctx context.Context, changes map[string]string) (Snapshot, error) {
	for key := range changes {
		if _, known := defaults[key]; !known {
			return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownSetting, key)
		}
	}
	values, err := repository.raw(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	for key, value := range changes {
		values[key] = strings.TrimSpace(value)
	}
	snapshot, err := Parse(values)
	if err != nil {
		return Snapshot{}, err
	}
	keys := make([]string, 0, len(changes))
	for key := range changes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := repository.store.SetSetting(ctx, key, values[key]); err != nil {
			return Snapshot{}, err
		}
	}
	return snapshot, nil
}

func (repository *Repository) raw(ctx context.Context) (map[string]string, error) {
	values := Defaults()
	for _, key := range Keys() {
		value, found, err := repository.store.GetSetting(ctx, key)
		if err != nil {
			return nil, err
		}
		if found {
			values[key] = value
		}
	}
	return values, nil
}

// Parse validates raw values into a Snapshot.
func Parse(values map[string]string) (Snapshot, error) {
	yearlyAmount, err := ledger.ParseAmount(values[KeyYearlyAmount])
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %s: %v", ErrInvalidSetting, KeyYearlyAmount, err)
	}
	method, err := ledger.ParseResetMethod(values[KeyResetMethod])
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %s: %v", ErrInvalidSetting, KeyResetMethod, err)
	}
	month, err := parseInt(KeyResetMonth, values[KeyResetMonth])
	if err != nil {
		return Snapshot{}, err
	}
	day, err := parseInt(KeyResetDay, values[KeyResetDay])
	if err != nil {
		return Snapshot{}, err
	}
	allowRollover, err := parseFlag(KeyAllowRollover, values[KeyAllowRollover])
	if err != nil {
		return Snapshot{}, err
	}
	rolloverMax, err := ledger.ParseAmount(values[KeyRolloverMax])
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %s: %v", ErrInvalidSetting, KeyRolloverMax, err)
	}
	partialUsage, err := parseFlag(KeyAllowPartialUsage, values[KeyAllowPartialUsage])
	if err != nil {
		return Snapshot{}, err
	}
	fullPayment, err := parseFlag(KeyEnableFullPayment, values[KeyEnableFullPayment])
	if err != nil {
		return Snapshot{}, err
	}
	domainRestriction, err := parseFlag(KeyEnableDomainRestriction, values[KeyEnableDomainRestriction])
	if err != nil {
		return Snapshot{}, err
	}
	allowedDomain := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(values[KeyAllowedDomain]), "@"))
	if domainRestriction && allowedDomain == "" {
		return Snapshot{}, fmt.Errorf("%w: %s is required when domain restriction is enabled", ErrInvalidSetting, KeyAllowedDomain)
	}
	timezone := strings.TrimSpace(values[KeyTimezone])
	if timezone == "" {
		timezone = "UTC"
	}
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %s: %v", ErrInvalidSetting, KeyTimezone, err)
	}

	resetConfig := ledger.ResetConfig{
		YearlyAmount:  yearlyAmount,
		Method:        method,
		FixedMonth:    time.Month(month),
		FixedDay:      day,
		AllowRollover: allowRollover,
		RolloverMax:   rolloverMax,
	}
	if err := resetConfig.Validate(); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidSetting, err)
	}
	return Snapshot{
		Reset:                    resetConfig,
		PartialUsageEnabled:      partialUsage,
		FullPaymentEnabled:       fullPayment,
		PartialDisclaimer:        strings.TrimSpace(values[KeyPartialDisclaimer]),
		DomainRestrictionEnabled: domainRestriction,
		AllowedDomain:            allowedDomain,
		Location:                 location,
	}, nil
}

func parseInt(key string, raw string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %q is not a number", ErrInvalidSetting, key, raw)
	}
	return value, nil
}

func parseFlag(key string, raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case valueYes, "true", "1", "on":
		return true, nil
	case valueNo, "false", "0", "off", "":
		return false, nil
	default:
		return false, fmt.Errorf("%w: %s: %q is not yes or no", ErrInvalidSetting, key, raw)
	}
}

func formatFlag(value bool) string {
	if value {
		return valueYes
	}
	return valueNo
}
