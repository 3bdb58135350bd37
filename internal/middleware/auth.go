package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"labgate/internal/token"
)

const (
	userIDContextKey   = "userID"
	deviceIDContextKey = "deviceID"
)

func UserIDFromContext(c *gin.Context) (string, bool) {
	userID, ok := c.Get(userIDContextKey)
	if !ok {
		return "", false
	}
	value, ok := userID.(string)
	return value, ok && value != ""
}

func DeviceIDFromContext(c *gin.Context) (string, bool) {
	deviceID, ok := c.Get(deviceIDContextKey)
	if !ok {
		return "", false
	}
	value, ok := deviceID.(string)
	return value, ok && value != ""
}

func bearerToken(c *gin.Context) (string, bool) {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

// RequireUserAuth guards the control-plane surface consumed by the UI.
func RequireUserAuth(cfg token.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearerToken(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			c.Abort()
			return
		}

		claims, err := token.VerifyUserToken(raw, cfg)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			c.Abort()
			return
		}

		c.Set(userIDContextKey, claims.UserID)
		c.Next()
	}
}

// RequireDeviceAuth guards agent-facing endpoints with device_auth tokens
// bound to this gateway.
func RequireDeviceAuth(gatewayID string, cfg token.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearerToken(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			c.Abort()
			return
		}

		claims, err := token.VerifyDeviceToken(raw, gatewayID, cfg)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			c.Abort()
			return
		}

		c.Set(deviceIDContextKey, claims.DeviceID)
		c.Next()
	}
}
