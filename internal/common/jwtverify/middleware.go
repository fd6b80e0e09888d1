package jwtverify

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	commonhttp "github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/http"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/logger"
)

// AdminScope is the scope claim an operator token must carry.
const AdminScope = "admin"

type Claims struct {
	Subject string
	Scope   string
}

type contextKey string

const claimsKey contextKey = "jwt_claims"

func Middleware(secret string, log *logger.Logger) func(next http.Handler) http.Handler {
	secretBytes := []byte(secret)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get("Authorization")
			if raw == "" || !strings.HasPrefix(raw, "Bearer ") {
				log.WithFields(r.Context(), logger.Fields{"path": r.URL.Path}).Warn("jwt auth failed: missing or invalid authorization header")
				commonhttp.WriteErrorEnvelope(w, http.StatusUnauthorized, commonhttp.CodeMissingAuthorization, "missing or invalid authorization", nil, "")
				return
			}

			tokenString := strings.TrimPrefix(raw, "Bearer ")
			claims, err := parseToken(tokenString, secretBytes)
			if err != nil {
				log.WithFields(r.Context(), logger.Fields{"path": r.URL.Path}).Warnf("jwt auth failed: %v", err)
				commonhttp.WriteErrorEnvelope(w, http.StatusUnauthorized, commonhttp.CodeInvalidToken, "invalid token", nil, "")
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func FromContext(ctx context.Context) (Claims, bool) {
	val := ctx.Value(claimsKey)
	claims, ok := val.(Claims)
	return claims, ok
}

// SubjectOrIP keys rate limiting on the token subject, falling back to the
// client address for unauthenticated requests.
func SubjectOrIP(r *http.Request) string {
	if claims, ok := FromContext(r.Context()); ok && claims.Subject != "" {
		return "sub:" + claims.Subject
	}
	return commonhttp.GetClientIP(r)
}

func ParseToken(tokenString string, secret []byte) (Claims, error) {
	return parseToken(tokenString, secret)
}

func parseToken(tokenString string, secret []byte) (Claims, error) {
	parsed, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		if err == nil {
			err = errors.New("token is not valid")
		}
		return Claims{}, err
	}

	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, errors.New("invalid claims type")
	}

	sub, _ := mapClaims["sub"].(string)
	if sub == "" {
		return Claims{}, errors.New("missing sub claim")
	}
	scope, _ := mapClaims["scope"].(string)
	if scope != AdminScope {
		return Claims{}, errors.New("token is not scoped for admin access")
	}

	return Claims{
		Subject: sub,
		Scope:   scope,
	}, nil
}
