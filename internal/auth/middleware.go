package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/callkitelabs/callkite-cloud/internal/config"
)

// WebhookMiddleware verifies the HS256 token the communication provider signs
// its webhook callbacks with.
type WebhookMiddleware struct {
	cfg *config.Config
}

func NewWebhookMiddleware(cfg *config.Config) *WebhookMiddleware {
	return &WebhookMiddleware{cfg: cfg}
}

func (m *WebhookMiddleware) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.cfg.WebhookJWTSecret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "webhook_secret_not_configured"})
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_token"})
			return
		}
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")

		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return []byte(m.cfg.WebhookJWTSecret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_claims"})
			return
		}

		if paymentID, ok := claims["payment_id"].(string); ok {
			c.Set("payment_id", paymentID)
		}
		if hostname, ok := claims["hostname"].(string); ok {
			c.Set("hostname", hostname)
		}
		c.Next()
	}
}
