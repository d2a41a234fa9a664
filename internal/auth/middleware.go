package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

type identityContextKey struct{}

// Dev-mode headers naming the acting user when the bearer token is "dev".
const (
	HeaderDevUserID   = "X-Dev-User-ID"
	HeaderDevUserType = "X-Dev-User-Type"
)

// WithIdentity returns a copy of ctx carrying identity.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// Middleware returns HTTP middleware that validates JWT access tokens.
func Middleware(tokenSvc *TokenService) func(http.Handler) http.Handler {
	return middleware(tokenSvc, false)
}

// MiddlewareWithDevMode also accepts "Bearer dev" together with the dev
// headers, so local callers can act as any user without minting tokens.
func MiddlewareWithDevMode(tokenSvc *TokenService) func(http.Handler) http.Handler {
	return middleware(tokenSvc, true)
}

func middleware(tokenSvc *TokenService, devMode bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := extractBearerToken(r)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, err.Error())
				return
			}

			if devMode && token == "dev" {
				identity, devErr := devIdentity(r)
				if devErr != nil {
					writeAuthError(w, http.StatusUnauthorized, devErr.Error())
					return
				}
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
				return
			}

			identity, err := tokenSvc.ValidateToken(token)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// GetIdentity retrieves the authenticated identity from the request context.
func GetIdentity(ctx context.Context) *Identity {
	identity, _ := ctx.Value(identityContextKey{}).(*Identity)
	return identity
}

// GetActor returns the acting principal and whether one is present.
func GetActor(ctx context.Context) (Actor, bool) {
	identity := GetIdentity(ctx)
	if identity == nil {
		return Actor{}, false
	}
	return identity.Actor(), true
}

func devIdentity(r *http.Request) (*Identity, error) {
	userType, err := ParseUserType(r.Header.Get(HeaderDevUserType))
	if err != nil {
		return nil, err
	}
	identity := &Identity{UserID: r.Header.Get(HeaderDevUserID), UserType: userType}
	if err := identity.Actor().Validate(); err != nil {
		return nil, err
	}
	return identity, nil
}

func extractBearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", fmt.Errorf("missing authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", fmt.Errorf("invalid authorization header format")
	}

	return parts[1], nil
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
