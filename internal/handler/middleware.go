package handler

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/campaign-engine/internal/observability"
)

const internalSecretHeader = "X-Internal-Secret"

// RequireSecret rejects requests whose X-Internal-Secret header does not
// match secret. An empty secret rejects everything.
func RequireSecret(secret string) fiber.Handler {
	want := []byte(secret)
	return func(c *fiber.Ctx) error {
		got := []byte(strings.TrimSpace(c.Get(internalSecretHeader)))
		if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid internal secret")
		}
		return c.Next()
	}
}

// Correlation carries the request id into the request context so service
// logs and audit events can be tied back to the call.
func Correlation() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if id := requestCorrelationID(c); id != "" {
			c.SetUserContext(observability.WithCorrelationID(c.UserContext(), id))
		}
		return c.Next()
	}
}
