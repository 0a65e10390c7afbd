package settings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/storecredits/internal/commerce/memstore"
	"github.com/MarkoPoloResearchLab/storecredits/pkg/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFallsBackToDefaults(test *testing.T) {
	repository := NewRepository(memstore.New())
	snapshot, err := repository.Load(context.Background())
	require.NoError(test, err)

	assert.Equal(test, "50.00", snapshot.Reset.YearlyAmount.String())
	assert.Equal(test, ledger.ResetMethodFixed, snapshot.Reset.Method)
	assert.Equal(test, time.January, snapshot.Reset.FixedMonth)
	assert.Equal(test, 1, snapshot.Reset.FixedDay)
	assert.False(test, snapshot.Reset.AllowRollover)
	assert.True(test, snapshot.Reset.RolloverMax.IsZero())
	assert.False(test, snapshot.PartialUsageEnabled)
	assert.True(test, snapshot.FullPaymentEnabled)
	assert.Equal(test, "Credits are only deducted if you complete the order.", snapshot.PartialDisclaimer)
	assert.Equal(test, "UTC", snapshot.Location.String())
}

func TestSeedDefaultsKeepsExistingValues(test *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(test, store.SetSetting(ctx, KeyYearlyAmount, "400"))
	repository := NewRepository(store)

	require.NoError(test, repository.SeedDefaults(ctx))

	value, found, err := store.GetSetting(ctx, KeyYearlyAmount)
	require.NoError(test, err)
	assert.True(test, found)
	assert.Equal(test, "400", value)
	value, found, err = store.GetSetting(ctx, KeyResetMethod)
	require.NoError(test, err)
	assert.True(test, found)
	assert.Equal(test, "fixed", value)
}

func TestApplyValidatesBeforeWriting(test *testing.T) {
	testCases := []struct {
		name    string
		changes map[string]string
		wantErr error
	}{
		{name: "month out of range", changes: map[string]string{KeyResetMonth: "13"}, wantErr: ErrInvalidSetting},
		{name: "day beyond month", changes: map[string]string{KeyResetMonth: "4", KeyResetDay: "31"}, wantErr: ErrInvalidSetting},
		{name: "negative amount", changes: map[string]string{KeyYearlyAmount: "-5"}, wantErr: ErrInvalidSetting},
		{name: "bad method", changes: map[string]string{KeyResetMethod: "weekly"}, wantErr: ErrInvalidSetting},
		{name: "bad flag", changes: map[string]string{KeyAllowRollover: "maybe"}, wantErr: ErrInvalidSetting},
		{name: "domain required", changes: map[string]string{KeyEnableDomainRestriction: "yes"}, wantErr: ErrInvalidSetting},
		{name: "bad timezone", changes: map[string]string{KeyTimezone: "Mars/Olympus"}, wantErr: ErrInvalidSetting},
		{name: "unknown key", changes: map[string]string{"button_color": "#fff"}, wantErr: ErrUnknownSetting},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			ctx := context.Background()
			store := memstore.New()
			repository := NewRepository(store)
			_, err := repository.Apply(ctx, testCase.changes)
			require.Error(test, err)
			assert.True(test, errors.Is(err, testCase.wantErr), "unexpected error %v", err)
			for key := range testCase.changes {
				_, found, getErr := store.GetSetting(ctx, key)
				require.NoError(test, getErr)
				assert.False(test, found, "key %s must not be written", key)
			}
		})
	}
}

func TestApplyStoresChangesAndReturnsSnapshot(test *testing.T) {
	ctx := context.Background()
	repository := NewRepository(memstore.New())
	snapshot, err := repository.Apply(ctx, map[string]string{
		KeyResetMethod:             "anniversary",
		KeyResetMonth:              "2",
		KeyResetDay:                "29",
		KeyAllowRollover:           "yes",
		KeyRolloverMax:             "100",
		KeyEnableDomainRestriction: "yes",
		KeyAllowedDomain:           "@Example.com",
		KeyTimezone:                "Europe/Berlin",
	})
	require.NoError(test, err)
	assert.Equal(test, ledger.ResetMethodAnniversary, snapshot.Reset.Method)
	assert.Equal(test, "100.00", snapshot.Reset.RolloverMax.String())
	assert.Equal(test, "example.com", snapshot.AllowedDomain)

	loaded, err := repository.Load(ctx)
	require.NoError(test, err)
	assert.Equal(test, snapshot.Values(), loaded.Values())
}

func TestSnapshotTodayUsesLocation(test *testing.T) {
	location, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(test, err)
	snapshot := Snapshot{Location: location}
	now := time.Date(2025, time.January, 1, 3, 0, 0, 0, time.UTC)
	assert.Equal(test, "2024-12-31", snapshot.Today(now).String())
	assert.Equal(test, "2025-01-01", Snapshot{}.Today(now).String())
}
