package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/drmaatic/backend/internal/config"
	"github.com/drmaatic/backend/internal/core/ports"
	"github.com/drmaatic/backend/internal/infrastructure/logger"
	"github.com/drmaatic/backend/internal/transport/http/dto"
	"github.com/gofiber/fiber/v2"
)

// CallerKey is the fiber local holding the ports.Caller.
const CallerKey = "caller"

func bearerToken(c *fiber.Ctx) string {
	token := c.Get("X-Admin-Token")
	if token == "" {
		auth := c.Get("Authorization")
		const prefix = "Bearer "
		if strings.HasPrefix(auth, prefix) {
			token = auth[len(prefix):]
		}
	}
	return token
}

// Caller identifies the requester. The admin API key grants admin rights;
// otherwise the user named by the upstream proxy headers is resolved and
// registered on first sight. Requests without either are anonymous.
func Caller(cfg *config.Config, users ports.UserService, log *logger.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		caller := ports.Caller{IP: c.IP()}

		if token := bearerToken(c); token != "" {
			apiKey := cfg.Auth.AdminAPIKey
			if apiKey == "" || subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
				log.Warnw("auth_invalid_token", "ip", caller.IP, "path", c.Path())
				return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: "unauthorized"})
			}
			caller.Admin = true
		}

		if username := c.Get(cfg.Auth.UserHeader); username != "" {
			user, err := users.Resolve(c.UserContext(), c.Get(cfg.Auth.SourceHeader), username)
			if err != nil {
				log.Warnw("auth_user_rejected", "user", username, "ip", caller.IP, "error", err)
				return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: "unauthorized"})
			}
			caller.User = user
		}

		c.Locals(CallerKey, caller)
		return c.Next()
	}
}

// CallerFrom returns the caller stored by Caller, or an anonymous caller.
func CallerFrom(c *fiber.Ctx) ports.Caller {
	if caller, ok := c.Locals(CallerKey).(ports.Caller); ok {
		return caller
	}
	return ports.Caller{IP: c.IP()}
}

// AdminAuth rejects callers without admin rights. It must run after Caller.
func AdminAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !CallerFrom(c).IsAdmin() {
			return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Error: "forbidden"})
		}
		return c.Next()
	}
}
