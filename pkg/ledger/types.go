package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// UserID identifies an account owner.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// Amount is a non-negative monetary value in the host currency.
type Amount struct {
	value decimal.Decimal
}

// ZeroAmount returns an amount of zero.
func ZeroAmount() Amount {
	return Amount{value: decimal.Zero}
}

// NewAmount validates a decimal as a non-negative amount.
func NewAmount(value decimal.Decimal) (Amount, error) {
	if value.IsNegative() {
		return Amount{}, fmt.Errorf("%w: %s is negative", ErrInvalidAmount, value.String())
	}
	return Amount{value: value}, nil
}

// ParseAmount parses a decimal string. An empty string yields zero.
func ParseAmount(raw string) (Amount, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ZeroAmount(), nil
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	return NewAmount(value)
}

// Decimal exposes the underlying decimal value.
func (amount Amount) Decimal() decimal.Decimal {
	return amount.value
}

// String renders the amount with two decimal places.
func (amount Amount) String() string {
	return amount.value.StringFixed(amountDisplayPlaces)
}

// IsZero reports whether the amount equals zero.
func (amount Amount) IsZero() bool {
	return amount.value.IsZero()
}

// IsPositive reports whether the amount is greater than zero.
func (amount Amount) IsPositive() bool {
	return amount.value.IsPositive()
}

// Cmp compares two amounts and returns -1, 0 or 1.
func (amount Amount) Cmp(other Amount) int {
	return amount.value.Cmp(other.value)
}

// Equal reports numeric equality.
func (amount Amount) Equal(other Amount) bool {
	return amount.value.Equal(other.value)
}

// LessThan reports whether amount < other.
func (amount Amount) LessThan(other Amount) bool {
	return amount.value.LessThan(other.value)
}

// Add returns amount + other.
func (amount Amount) Add(other Amount) Amount {
	return Amount{value: amount.value.Add(other.value)}
}

// Sub returns amount - other or ErrInsufficientFunds when the result would be negative.
func (amount Amount) Sub(other Amount) (Amount, error) {
	if amount.value.LessThan(other.value) {
		return Amount{}, fmt.Errorf("%w: %s < %s", ErrInsufficientFunds, amount.String(), other.String())
	}
	return Amount{value: amount.value.Sub(other.value)}, nil
}

// SubClamped returns max(0, amount - other).
func (amount Amount) SubClamped(other Amount) Amount {
	if amount.value.LessThan(other.value) {
		return ZeroAmount()
	}
	return Amount{value: amount.value.Sub(other.value)}
}

// Min returns the smaller of the two amounts.
func (amount Amount) Min(other Amount) Amount {
	if other.value.LessThan(amount.value) {
		return other
	}
	return amount
}

// Date is a calendar date without a time-of-day or zone.
type Date struct {
	year  int
	month time.Month
	day   int
}

// DateOf returns the calendar date of moment in its own location.
func DateOf(moment time.Time) Date {
	year, month, day := moment.Date()
	return Date{year: year, month: month, day: day}
}

// NewDate validates year, month and day.
func NewDate(year int, month time.Month, day int) (Date, error) {
	if month < time.January || month > time.December {
		return Date{}, fmt.Errorf("%w: month %d", ErrInvalidDate, month)
	}
	if day < 1 || day > daysIn(year, month) {
		return Date{}, fmt.Errorf("%w: day %d of %s %d", ErrInvalidDate, day, month, year)
	}
	return Date{year: year, month: month, day: day}, nil
}

// ParseDate parses a YYYY-MM-DD string. An empty string yields the zero date.
func ParseDate(raw string) (Date, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Date{}, nil
	}
	parsed, err := time.Parse(dateLayout, trimmed)
	if err != nil {
		return Date{}, fmt.Errorf("%w: %q", ErrInvalidDate, raw)
	}
	return DateOf(parsed), nil
}

// String renders the date as YYYY-MM-DD, or an empty string for the zero date.
func (date Date) String() string {
	if date.IsZero() {
		return ""
	}
	return fmt.Sprintf("%04d-%02d-%02d", date.year, int(date.month), date.day)
}

// IsZero reports whether the date was never set.
func (date Date) IsZero() bool {
	return date.year == 0 && date.month == 0 && date.day == 0
}

// Year returns the year component.
func (date Date) Year() int { return date.year }

// Month returns the month component.
func (date Date) Month() time.Month { return date.month }

// Day returns the day-of-month component.
func (date Date) Day() int { return date.day }

// Equal reports whether two dates denote the same day.
func (date Date) Equal(other Date) bool {
	return date == other
}

// RecursOn reports whether the yearly recurrence of date falls on today.
// February 29 recurs on February 28 in non-leap years.
func (date Date) RecursOn(today Date) bool {
	if date.IsZero() || today.IsZero() {
		return false
	}
	return monthDayMatches(date.month, date.day, today)
}

func monthDayMatches(month time.Month, day int, today Date) bool {
	if month == time.February && day == 29 && !isLeapYear(today.year) {
		return today.month == time.February && today.day == 28
	}
	return today.month == month && today.day == day
}

func isLeapYear(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// ResetMethod selects how the scheduler picks users to reset.
type ResetMethod string

const (
	ResetMethodFixed       ResetMethod = "fixed"
	ResetMethodAnniversary ResetMethod = "anniversary"
)

// ParseResetMethod validates a reset method string.
func ParseResetMethod(raw string) (ResetMethod, error) {
	method := ResetMethod(strings.ToLower(strings.TrimSpace(raw)))
	switch method {
	case ResetMethodFixed, ResetMethodAnniversary:
		return method, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidResetMethod, raw)
	}
}

// String returns the stored representation.
func (method ResetMethod) String() string {
	return string(method)
}

// ResetConfig is an immutable snapshot of the replenishment policy.
type ResetConfig struct {
	YearlyAmount  Amount
	Method        ResetMethod
	FixedMonth    time.Month
	FixedDay      int
	AllowRollover bool
	// RolloverMax of zero means uncapped.
	RolloverMax Amount
}

// Validate checks the snapshot for internal consistency.
func (config ResetConfig) Validate() error {
	if _, err := ParseResetMethod(config.Method.String()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResetConfig, err)
	}
	// 2024 is a leap year so February 29 is accepted as a fixed date.
	if _, err := NewDate(2024, config.FixedMonth, config.FixedDay); err != nil {
		return fmt.Errorf("%w: fixed date: %v", ErrInvalidResetConfig, err)
	}
	return nil
}

// FixedDateMatches reports whether today is the configured fixed reset date.
func (config ResetConfig) FixedDateMatches(today Date) bool {
	if today.IsZero() {
		return false
	}
	return monthDayMatches(config.FixedMonth, config.FixedDay, today)
}

// Account is the persisted credit state of one user.
type Account struct {
	UserID          UserID
	Balance         Amount
	AnniversaryDate Date
	LastResetOn     Date
	// Version is zero for accounts that were never stored.
	Version int64
}

// Exists reports whether the account has been persisted.
func (account Account) Exists() bool {
	return account.Version > 0
}

// Store persists accounts. SwapAccount must only succeed when the stored
// version still equals previous.Version; otherwise it returns ErrConcurrentUpdate.
// A previous.Version of zero means the account must not exist yet.
type Store interface {
	GetAccount(ctx context.Context, userID UserID) (Account, error)
	SwapAccount(ctx context.Context, previous Account, next Account) error
}

// Holds reports the part of a balance that is already promised elsewhere,
// such as discount coupons issued from it but not debited yet.
type Holds interface {
	HeldAmount(ctx context.Context, userID UserID) (Amount, error)
}

// Locker serializes mutations of a single user's account.
type Locker interface {
	Lock(ctx context.Context, userID UserID) (unlock func(), err error)
}
