package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/storecredits/internal/commerce"
	"github.com/MarkoPoloResearchLab/storecredits/internal/commerce/memstore"
	"github.com/MarkoPoloResearchLab/storecredits/internal/reaper"
	"github.com/MarkoPoloResearchLab/storecredits/internal/settings"
	"github.com/MarkoPoloResearchLab/storecredits/pkg/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store    *memstore.Store
	credits  *ledger.Service
	settings *settings.Repository
	now      time.Time
}

func newFixture(test *testing.T, now time.Time, values map[string]string) *fixture {
	test.Helper()
	store := memstore.New()
	credits, err := ledger.NewService(store)
	require.NoError(test, err)
	repository := settings.NewRepository(store)
	require.NoError(test, repository.SeedDefaults(context.Background()))
	if len(values) > 0 {
		_, err := repository.Apply(context.Background(), values)
		require.NoError(test, err)
	}
	return &fixture{store: store, credits: credits, settings: repository, now: now}
}

func (f *fixture) addUser(test *testing.T, id string, balance string, anniversary string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(id)
	require.NoError(test, err)
	f.store.AddUser(commerce.User{ID: userID, Email: id + "@example.com"})
	amount, err := ledger.ParseAmount(balance)
	require.NoError(test, err)
	date, err := ledger.ParseDate(anniversary)
	require.NoError(test, err)
	require.NoError(test, f.store.SwapAccount(context.Background(), ledger.Account{UserID: userID}, ledger.Account{
		UserID:          userID,
		Balance:         amount,
		AnniversaryDate: date,
		Version:         1,
	}))
	return userID
}

func (f *fixture) balance(test *testing.T, userID ledger.UserID) string {
	test.Helper()
	balance, err := f.credits.Balance(context.Background(), userID)
	require.NoError(test, err)
	return balance.String()
}

func (f *fixture) scheduler(test *testing.T, users commerce.UserDirectory, options ...Option) *Scheduler {
	test.Helper()
	if users == nil {
		users = f.store
	}
	scheduler, err := New(f.credits, users, f.settings, func() time.Time { return f.now }, options...)
	require.NoError(test, err)
	return scheduler
}

func TestFixedResetAppliesToEveryUserOnMatchingDay(test *testing.T) {
	f := newFixture(test, time.Date(2025, time.January, 1, 9, 0, 0, 0, time.UTC), map[string]string{
		settings.KeyAllowRollover: "yes",
		settings.KeyRolloverMax:   "100",
	})
	first := f.addUser(test, "1", "90", "")
	second := f.addUser(test, "2", "0", "")

	report, err := f.scheduler(test, nil).Tick(context.Background())
	require.NoError(test, err)
	assert.Equal(test, 2, report.Matched)
	assert.Equal(test, 2, report.Reset)
	assert.Equal(test, "100.00", f.balance(test, first))
	assert.Equal(test, "50.00", f.balance(test, second))
}

func TestFixedResetIsNoOpOnOtherDays(test *testing.T) {
	f := newFixture(test, time.Date(2025, time.January, 2, 9, 0, 0, 0, time.UTC), nil)
	userID := f.addUser(test, "1", "12", "")

	report, err := f.scheduler(test, nil).Tick(context.Background())
	require.NoError(test, err)
	assert.Equal(test, 0, report.Matched)
	assert.Equal(test, "12.00", f.balance(test, userID))
}

func TestRepeatedTicksResetOncePerDay(test *testing.T) {
	f := newFixture(test, time.Date(2025, time.January, 1, 0, 30, 0, 0, time.UTC), map[string]string{
		settings.KeyAllowRollover: "yes",
	})
	userID := f.addUser(test, "1", "10", "")
	scheduler := f.scheduler(test, nil)

	for hour := 0; hour < 24; hour++ {
		f.now = time.Date(2025, time.January, 1, hour, 30, 0, 0, time.UTC)
		_, err := scheduler.Tick(context.Background())
		require.NoError(test, err)
	}
	assert.Equal(test, "60.00", f.balance(test, userID))
}

func TestFixedResetUsesConfiguredTimezone(test *testing.T) {
	f := newFixture(test, time.Date(2025, time.January, 1, 3, 0, 0, 0, time.UTC), map[string]string{
		settings.KeyTimezone: "America/Los_Angeles",
	})
	userID := f.addUser(test, "1", "5", "")

	report, err := f.scheduler(test, nil).Tick(context.Background())
	require.NoError(test, err)
	assert.Equal(test, "2024-12-31", report.Today.String())
	assert.Equal(test, "5.00", f.balance(test, userID))
}

func TestAnniversaryResetOnlyTouchesMatchingUsers(test *testing.T) {
	f := newFixture(test, time.Date(2025, time.June, 15, 12, 0, 0, 0, time.UTC), map[string]string{
		settings.KeyResetMethod: "anniversary",
	})
	celebrating := f.addUser(test, "1", "5", "2021-06-15")
	other := f.addUser(test, "2", "5", "2021-06-16")
	undated := f.addUser(test, "3", "5", "")

	report, err := f.scheduler(test, nil).Tick(context.Background())
	require.NoError(test, err)
	assert.Equal(test, 1, report.Matched)
	assert.Equal(test, 1, report.Reset)
	assert.Equal(test, "50.00", f.balance(test, celebrating))
	assert.Equal(test, "5.00", f.balance(test, other))
	assert.Equal(test, "5.00", f.balance(test, undated))
}

func TestAnniversaryOnLeapDayResetsOnFebruary28(test *testing.T) {
	f := newFixture(test, time.Date(2025, time.February, 28, 12, 0, 0, 0, time.UTC), map[string]string{
		settings.KeyResetMethod: "anniversary",
	})
	userID := f.addUser(test, "1", "0", "2024-02-29")

	_, err := f.scheduler(test, nil).Tick(context.Background())
	require.NoError(test, err)
	assert.Equal(test, "50.00", f.balance(test, userID))
}

func TestListingFailureAbortsResetsButStillSweeps(test *testing.T) {
	f := newFixture(test, time.Date(2025, time.January, 1, 9, 0, 0, 0, time.UTC), nil)
	userID := f.addUser(test, "1", "7", "")
	sweeper := &recordingSweeper{report: reaper.Report{Deleted: 1}}
	listErr := errors.New("user directory offline")

	report, err := f.scheduler(test, failingDirectory{Store: f.store, err: listErr}, WithSweeper(sweeper)).Tick(context.Background())
	require.ErrorIs(test, err, listErr)
	assert.Equal(test, "7.00", f.balance(test, userID))
	assert.Equal(test, 1, sweeper.calls)
	assert.Equal(test, 1, report.Reaped.Deleted)
}

func TestListingFailureJoinsSweepFailure(test *testing.T) {
	f := newFixture(test, time.Date(2025, time.January, 1, 9, 0, 0, 0, time.UTC), nil)
	listErr := errors.New("user directory offline")
	sweepErr := errors.New("coupon table locked")
	sweeper := &recordingSweeper{err: sweepErr}

	_, err := f.scheduler(test, failingDirectory{Store: f.store, err: listErr}, WithSweeper(sweeper)).Tick(context.Background())
	require.ErrorIs(test, err, listErr)
	require.ErrorIs(test, err, sweepErr)
	assert.Equal(test, 1, sweeper.calls)
}

func TestSettingsFailureStillReapsStaleCoupons(test *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, time.January, 1, 9, 0, 0, 0, time.UTC)
	f := newFixture(test, now, nil)
	_, err := f.store.CreateCoupon(ctx, commerce.Coupon{Code: "credits-stale00001", CreatedAt: now.Add(-48 * time.Hour)})
	require.NoError(test, err)
	sweeper, err := reaper.New(f.store, nil, func() time.Time { return now })
	require.NoError(test, err)
	settingsErr := errors.New("settings table missing")

	scheduler, err := New(f.credits, f.store, failingSnapshots{err: settingsErr}, func() time.Time { return now }, WithSweeper(sweeper))
	require.NoError(test, err)
	report, err := scheduler.Tick(ctx)
	require.ErrorIs(test, err, settingsErr)
	assert.Equal(test, 1, report.Reaped.Deleted)
	_, err = f.store.FindCouponByCode(ctx, "credits-stale00001")
	require.ErrorIs(test, err, commerce.ErrCouponNotFound)
}

func TestPerUserFailureDoesNotStopPass(test *testing.T) {
	f := newFixture(test, time.Date(2025, time.January, 1, 9, 0, 0, 0, time.UTC), nil)
	f.addUser(test, "1", "7", "")
	healthy := f.addUser(test, "2", "7", "")
	swapErr := errors.New("row locked")
	credits, err := ledger.NewService(&failingSwapStore{Store: f.store, failUser: "1", err: swapErr})
	require.NoError(test, err)
	f.credits = credits
	sweeper := &recordingSweeper{}

	report, err := f.scheduler(test, nil, WithSweeper(sweeper)).Tick(context.Background())
	require.ErrorIs(test, err, swapErr)
	assert.Equal(test, 1, report.Failed)
	assert.Equal(test, 1, report.Reset)
	assert.Equal(test, "50.00", f.balance(test, healthy))
	assert.Equal(test, 1, sweeper.calls)
}

func TestSweeperRunsOnEveryTick(test *testing.T) {
	f := newFixture(test, time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC), nil)
	sweeper := &recordingSweeper{report: reaper.Report{Deleted: 2}}

	report, err := f.scheduler(test, nil, WithSweeper(sweeper)).Tick(context.Background())
	require.NoError(test, err)
	assert.Equal(test, 1, sweeper.calls)
	assert.Equal(test, 2, report.Reaped.Deleted)
}

func TestRunTicksImmediatelyAndStopsOnCancel(test *testing.T) {
	f := newFixture(test, time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC), nil)
	sweeper := &recordingSweeper{signal: make(chan struct{}, 4)}
	scheduler := f.scheduler(test, nil, WithSweeper(sweeper), WithInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		scheduler.Run(ctx)
		close(done)
	}()
	select {
	case <-sweeper.signal:
	case <-time.After(2 * time.Second):
		test.Fatal("expected an immediate tick")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		test.Fatal("scheduler did not stop")
	}
}

func TestNewValidatesDependencies(test *testing.T) {
	_, err := New(nil, nil, nil, nil)
	assert.ErrorIs(test, err, ErrInvalidSchedulerConfig)
}

type recordingSweeper struct {
	calls  int
	report reaper.Report
	err    error
	signal chan struct{}
}

func (sweeper *recordingSweeper) Sweep(context.Context) (reaper.Report, error) {
	sweeper.calls++
	if sweeper.signal != nil {
		sweeper.signal <- struct{}{}
	}
	return sweeper.report, sweeper.err
}

type failingSnapshots struct {
	err error
}

func (source failingSnapshots) Load(context.Context) (settings.Snapshot, error) {
	return settings.Snapshot{}, source.err
}

type failingDirectory struct {
	*memstore.Store
	err error
}

func (directory failingDirectory) ListUserIDs(context.Context) ([]ledger.UserID, error) {
	return nil, directory.err
}

type failingSwapStore struct {
	*memstore.Store
	failUser string
	err      error
}

func (store *failingSwapStore) SwapAccount(ctx context.Context, previous ledger.Account, next ledger.Account) error {
	if next.UserID.String() == store.failUser {
		return store.err
	}
	return store.Store.SwapAccount(ctx, previous, next)
}
