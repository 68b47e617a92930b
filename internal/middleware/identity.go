package middleware

import (
	"encoding/json"
	"strconv"

	"github.com/labstack/echo/v4"
)

// Context keys set by JWTAuth.
const (
	CtxUserID = "user_id"
	CtxRole   = "role"
)

// Roles carried in the "role" claim.
const (
	RoleStaff    = "STAFF"
	RoleCustomer = "CUSTOMER"
)

// UserID returns the authenticated subject. JSON decoding turns numeric
// claims into float64, so every numeric form is accepted.
func UserID(c echo.Context) (uint64, bool) {
	switch v := c.Get(CtxUserID).(type) {
	case float64:
		if v <= 0 {
			return 0, false
		}
		return uint64(v), true
	case json.Number:
		n, err := strconv.ParseUint(v.String(), 10, 64)
		return n, err == nil && n > 0
	case string:
		n, err := strconv.ParseUint(v, 10, 64)
		return n, err == nil && n > 0
	case uint64:
		return v, v > 0
	case int:
		return uint64(v), v > 0
	}
	return 0, false
}

// subject is the rate-limit identity: the user id or "anon".
func subject(c echo.Context) string {
	if id, ok := UserID(c); ok {
		return strconv.FormatUint(id, 10)
	}
	return "anon"
}
