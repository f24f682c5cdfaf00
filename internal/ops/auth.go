package ops

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/keeldb/keel/internal/logging"
)

// minAPIKeyLength is the minimum accepted length for ops API keys.
const minAPIKeyLength = 32

// validAPIKey checks an API key against the length requirement.
func validAPIKey(key string) bool {
	return len(key) >= minAPIKeyLength && strings.TrimSpace(key) != ""
}

// apiKeyAuth gates the mutating ops endpoints behind API keys. With no
// keys configured the middleware passes everything through: the ops
// surface defaults to open on trusted networks.
func apiKeyAuth(logger *logging.Logger, apiKeys []string) fiber.Handler {
	keys := make(map[string]bool)
	for _, key := range apiKeys {
		if key == "" {
			continue
		}
		if !validAPIKey(key) {
			logger.Warn("Ignoring too-short ops API key",
				"key_length", len(key),
				"min_required", minAPIKeyLength)
			continue
		}
		keys[key] = true
	}
	if len(keys) == 0 {
		if len(apiKeys) > 0 {
			logger.Error("All configured ops API keys failed validation, auth disabled")
		}
		return func(c *fiber.Ctx) error {
			return c.Next()
		}
	}

	return func(c *fiber.Ctx) error {
		key := c.Get("X-API-Key")
		if key == "" {
			auth := c.Get("Authorization")
			if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
				key = after
			} else {
				key = auth
			}
		}

		if !keys[key] {
			logger.Warn("Rejected ops request",
				"path", c.Path(),
				"method", c.Method(),
				"ip", c.IP())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "valid API key required (X-API-Key or Authorization header)",
			})
		}
		return c.Next()
	}
}
