package transport

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
)

// ErrorResponse is the JSON body of a rejected request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// TokenAuthMiddleware rejects requests whose X-Auth-Token header is missing
// or does not match token, with 401 Unauthorized.
func TokenAuthMiddleware(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if err := checkToken(token, c.Request().Header.Get(AuthTokenHeader)); err != nil {
				return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: err.Error()})
			}
			return next(c)
		}
	}
}

// checkToken compares in constant time.
func checkToken(expected, got string) error {
	if got == "" {
		return ErrMissingToken
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(got)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// checkBodyToken validates the token copy inside a JSON body. An absent body
// token is accepted because the header already authenticated the request.
func checkBodyToken(expected, got string) error {
	if got == "" {
		return nil
	}
	return checkToken(expected, got)
}
