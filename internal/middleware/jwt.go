package middleware

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// JWTAuth validates a Bearer access token signed with secret and puts the
// token's subject and role into the context under CtxUserID and CtxRole.
// Tokens are issued by the identity service; this service only verifies
// them.
func JWTAuth(secret string) echo.MiddlewareFunc {
	keyFunc := func(*jwt.Token) (interface{}, error) { return []byte(secret), nil }
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing bearer token"})
			}
			raw := strings.TrimPrefix(auth, "Bearer ")

			claims := jwt.MapClaims{}
			tok, err := parser.ParseWithClaims(raw, claims, keyFunc)
			if err != nil || !tok.Valid {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
			}

			// Downstream code reads these through UserID and RequireRole.
			c.Set(CtxUserID, claims["sub"])
			c.Set(CtxRole, claims["role"])
			return next(c)
		}
	}
}
