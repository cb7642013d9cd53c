package middlewares

import (
	"github.com/gofiber/fiber/v3"
	"github.com/rs/xid"
)

const (
	RequestIDHeader = "X-Request-ID"
	RequestIDLocal  = "request_id"
)

// RequestIDMiddleware makes every request traceable end to end: an incoming
// X-Request-ID is honored, otherwise one is generated, and the id is echoed
// on the response so callers can correlate their logs with run records.
func RequestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		requestID := c.Get(RequestIDHeader)
		if requestID == "" {
			requestID = xid.New().String()
		}

		c.Locals(RequestIDLocal, requestID)
		c.Set(RequestIDHeader, requestID)

		return c.Next()
	}
}

// RequestIDFromContext returns the request id stored by RequestIDMiddleware,
// or an empty string when the middleware did not run.
func RequestIDFromContext(c fiber.Ctx) string {
	requestID, _ := c.Locals(RequestIDLocal).(string)
	return requestID
}
