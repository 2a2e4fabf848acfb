// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package access guards the admin/diagnostics HTTP surface with a bearer
// JWT, trimmed down from a multi-issuer JWKS setup to a single shared
// HS256 secret: there is exactly one caller role here (the operator), not
// a population of end-user identities, so there is no per-identity
// database lookup or authorization cache to maintain.
package access

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"

	"github.com/fluxlog/logpipe/core/logger"
)

// adminClaims is the claim set carried by an admin bearer token.
type adminClaims struct {
	Scope string `json:"scope"`
	jwt.StandardClaims
}

const adminScope = "admin"

type contextKeyAuthenticatedType struct{}

var contextKeyAuthenticated = &contextKeyAuthenticatedType{}

// IssueAdminToken mints a bearer token authorizing access to the admin
// surface for ttl, signed with secret.
func IssueAdminToken(secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := adminClaims{
		Scope: adminScope,
		StandardClaims: jwt.StandardClaims{
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(ttl).Unix(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// NewAdminMiddleware returns a middleware that requires a valid HS256
// bearer token signed with secret, carrying scope "admin". Unlike the
// identity-forwarding middleware this is adapted from, there is no
// fallthrough for missing tokens: the admin surface is auth-or-nothing.
//
// Tokens are accepted as an "Authorization: Bearer" header.
func NewAdminMiddleware(secret string) mux.MiddlewareFunc {
	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	}

	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rlog := logger.FromContext(r.Context())

			tokenString := bearerToken(r)
			if tokenString == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}

			var claims adminClaims
			token, err := jwt.ParseWithClaims(tokenString, &claims, keyFunc)
			if err != nil || !token.Valid || claims.Scope != adminScope {
				rlog.Warningln("rejected admin token:", err)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyAuthenticated, true)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	bearer := r.Header.Get("Authorization")
	if len(bearer) >= 7 && strings.EqualFold(bearer[:7], "bearer ") {
		return bearer[7:]
	}
	return ""
}

// AuthenticatedFromContext reports whether ctx passed through the admin
// middleware successfully.
func AuthenticatedFromContext(ctx context.Context) bool {
	ok, _ := ctx.Value(contextKeyAuthenticated).(bool)
	return ok
}
