package antiforgery

import (
	"errors"
	"testing"
	"time"
)

func TestIssueAndVerify(test *testing.T) {
	test.Parallel()
	now := time.Date(2025, time.May, 1, 10, 0, 0, 0, time.UTC)
	manager := mustManager(test, func() time.Time { return now })
	token, err := manager.Issue("7", ActionCreatePartial, "cart-1")
	if err != nil {
		test.Fatalf("issue: %v", err)
	}
	if err := manager.Verify(token, "7", ActionCreatePartial, "cart-1"); err != nil {
		test.Fatalf("verify: %v", err)
	}
}

func TestVerifyRejectsMismatches(test *testing.T) {
	test.Parallel()
	now := time.Date(2025, time.May, 1, 10, 0, 0, 0, time.UTC)
	manager := mustManager(test, func() time.Time { return now })
	token, err := manager.Issue("7", ActionCreatePartial, "cart-1")
	if err != nil {
		test.Fatalf("issue: %v", err)
	}
	other, err := NewManager([]byte("another-key"), time.Minute, func() time.Time { return now })
	if err != nil {
		test.Fatalf("other manager: %v", err)
	}
	forged, err := other.Issue("7", ActionCreatePartial, "cart-1")
	if err != nil {
		test.Fatalf("forged issue: %v", err)
	}

	testCases := []struct {
		name   string
		token  string
		userID string
		action string
		cartID string
	}{
		{name: "empty token", token: "", userID: "7", action: ActionCreatePartial, cartID: "cart-1"},
		{name: "other user", token: token, userID: "8", action: ActionCreatePartial, cartID: "cart-1"},
		{name: "other action", token: token, userID: "7", action: ActionRemovePartial, cartID: "cart-1"},
		{name: "other cart", token: token, userID: "7", action: ActionCreatePartial, cartID: "cart-2"},
		{name: "forged signature", token: forged, userID: "7", action: ActionCreatePartial, cartID: "cart-1"},
		{name: "garbage", token: "not-a-token", userID: "7", action: ActionCreatePartial, cartID: "cart-1"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			err := manager.Verify(testCase.token, testCase.userID, testCase.action, testCase.cartID)
			if !errors.Is(err, ErrInvalidToken) {
				test.Fatalf("expected invalid token, got %v", err)
			}
		})
	}
}

func TestVerifyRejectsExpiredToken(test *testing.T) {
	test.Parallel()
	now := time.Date(2025, time.May, 1, 10, 0, 0, 0, time.UTC)
	manager := mustManager(test, func() time.Time { return now })
	token, err := manager.Issue("7", ActionRemovePartial, "cart-1")
	if err != nil {
		test.Fatalf("issue: %v", err)
	}
	now = now.Add(time.Hour)
	if err := manager.Verify(token, "7", ActionRemovePartial, "cart-1"); !errors.Is(err, ErrInvalidToken) {
		test.Fatalf("expected expired token to be rejected, got %v", err)
	}
}

func TestNewManagerValidation(test *testing.T) {
	test.Parallel()
	if _, err := NewManager(nil, time.Minute, time.Now); !errors.Is(err, ErrInvalidManagerConfig) {
		test.Fatalf("expected config error, got %v", err)
	}
	if _, err := NewManager([]byte("key"), time.Minute, nil); !errors.Is(err, ErrInvalidManagerConfig) {
		test.Fatalf("expected config error, got %v", err)
	}
}

func mustManager(test *testing.T, now func() time.Time) *Manager {
	test.Helper()
	manager, err := NewManager([]byte("test-signing-key"), 10*time.Minute, now)
	if err != nil {
		test.Fatalf("manager: %v", err)
	}
	return manager
}
