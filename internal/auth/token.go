package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DeviceTokenTTL is how long a minted device token stays valid
const DeviceTokenTTL = 365 * 24 * time.Hour

var (
	// ErrInvalidToken is returned when a token is invalid
	ErrInvalidToken = errors.New("invalid token")
	// ErrInvalidClaims is returned when token claims are invalid
	ErrInvalidClaims = errors.New("invalid token claims")
)

// Claims identifies the user and device behind a connection. Full
// account management lives in an external collaborator; the backend only
// validates the token it issued.
type Claims struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	ClientID string `json:"client_id"`
	jwt.RegisteredClaims
}

// Service validates and mints device tokens
type Service struct {
	secret []byte
}

// NewService creates a token service
func NewService(secret string) *Service {
	return &Service{secret: []byte(secret)}
}

// GenerateDeviceToken mints a long-lived token for one device
func (s *Service) GenerateDeviceToken(userID, email, clientID string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   userID,
		Email:    email,
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "chronicle-backend",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(DeviceTokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate checks a token and returns its claims
func (s *Service) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidClaims
	}
	if claims.UserID == "" {
		return nil, ErrInvalidClaims
	}
	return claims, nil
}
