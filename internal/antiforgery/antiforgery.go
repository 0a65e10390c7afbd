// Package antiforgery issues short-lived tokens that bind a checkout action
// to one user and one cart.
package antiforgery

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Actions protected by tokens.
const (
	ActionCreatePartial = "partial.create"
	ActionRemovePartial = "partial.remove"
)

const (
	defaultIssuer = "storecredits"
	defaultTTL    = 30 * time.Minute
)

var (
	// ErrInvalidToken reports a missing, expired, forged or mismatched token.
	ErrInvalidToken = errors.New("invalid anti-forgery token")
	// ErrInvalidManagerConfig reports an unusable signing configuration.
	ErrInvalidManagerConfig = errors.New("invalid anti-forgery config")
)

type actionClaims struct {
	Action string `json:"act"`
	CartID string `json:"cart"`
	jwt.RegisteredClaims
}

// Manager signs and verifies HS256 action tokens.
type Manager struct {
	signingKey []byte
	ttl        time.Duration
	issuer     string
	now        func() time.Time
}

// NewManager wires a Manager. A zero ttl selects the default of 30 minutes.
func NewManager(signingKey []byte, ttl time.Duration, now func() time.Time) (*Manager, error) {
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("%w: signing key is empty", ErrInvalidManagerConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock is nil", ErrInvalidManagerConfig)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Manager{signingKey: signingKey, ttl: ttl, issuer: defaultIssuer, now: now}, nil
}

// Issue returns a token permitting userID to perform action on cartID.
func (manager *Manager) Issue(userID string, action string, cartID string) (string, error) {
	issuedAt := manager.now()
	claims := actionClaims{
		Action: action,
		CartID: cartID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    manager.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(manager.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(manager.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, expiry and binding of token.
func (manager *Manager) Verify(token string, userID string, action string, cartID string) error {
	if token == "" {
		return fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	claims := &actionClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return manager.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(manager.issuer),
		jwt.WithSubject(userID),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(manager.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Action != action || claims.CartID != cartID {
		return fmt.Errorf("%w: token is bound to another action or cart", ErrInvalidToken)
	}
	return nil
}
