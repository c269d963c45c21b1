package auth

import (
	jwtware "github.com/gofiber/contrib/jwt"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

// SubjectKey is the c.Locals key holding the authenticated subject.
const SubjectKey = "subject"

// JWTMiddleware authenticates REST requests by their bearer token.
func JWTMiddleware(secret string) fiber.Handler {
	return jwtware.New(jwtware.Config{
		SigningKey: jwtware.SigningKey{Key: []byte(secret)},
		SuccessHandler: func(c *fiber.Ctx) error {
			token := c.Locals("user").(*jwt.Token)
			sub, err := token.Claims.GetSubject()
			if err != nil || sub == "" {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "token has no subject"})
			}
			c.Locals(SubjectKey, sub)
			return c.Next()
		},
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid or expired token",
			})
		},
	})
}

// QueryTokenMiddleware authenticates requests that cannot set headers,
// websockets and EventSource, by their ?token= query parameter.
func QueryTokenMiddleware(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenStr := c.Query("token")
		if tokenStr == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing token"})
		}
		sub, err := ParseToken(tokenStr, secret)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid token"})
		}
		c.Locals(SubjectKey, sub)
		return c.Next()
	}
}

// UpgradeMiddleware is QueryTokenMiddleware for websocket routes; plain
// HTTP requests are answered with 426.
func UpgradeMiddleware(secret string) fiber.Handler {
	check := QueryTokenMiddleware(secret)
	return func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		return check(c)
	}
}

// Subject returns the subject stored by one of the middlewares.
func Subject(c *fiber.Ctx) string {
	sub, _ := c.Locals(SubjectKey).(string)
	return sub
}
