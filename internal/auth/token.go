package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type docflowClaims struct {
	jwt.RegisteredClaims
	UserID      string   `json:"uid"`
	UserType    UserType `json:"utype"`
	Email       string   `json:"email,omitempty"`
	DisplayName string   `json:"name,omitempty"`
}

// TokenService handles JWT creation and validation.
type TokenService struct {
	signingKey  []byte
	issuer      string
	expiryHours int
	now         func() time.Time
}

func NewTokenService(signingKey, issuer string, expiryHours int) *TokenService {
	return &TokenService{
		signingKey:  []byte(signingKey),
		issuer:      issuer,
		expiryHours: expiryHours,
		now:         time.Now,
	}
}

// CreateAccessToken signs an HS256 token for the identity.
func (s *TokenService) CreateAccessToken(identity *Identity) (string, error) {
	if err := identity.Actor().Validate(); err != nil {
		return "", err
	}
	now := s.now()

	claims := docflowClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   identity.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(s.expiryHours) * time.Hour)),
		},
		UserID:      identity.UserID,
		UserType:    identity.UserType,
		Email:       identity.Email,
		DisplayName: identity.DisplayName,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.signingKey)
}

func (s *TokenService) ValidateToken(tokenString string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &docflowClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.signingKey, nil
	}, jwt.WithIssuer(s.issuer))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*docflowClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	identity := &Identity{
		UserID:      claims.UserID,
		UserType:    claims.UserType,
		Email:       claims.Email,
		DisplayName: claims.DisplayName,
	}
	if err := identity.Actor().Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	return identity, nil
}
