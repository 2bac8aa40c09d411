package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"sparlo-backend/internal/shared/server/respond"
)

const (
	accountIDKey = "accountId"

	// BenchmarkAccountID is the fixed account all benchmark traffic runs under.
	BenchmarkAccountID = "benchmark"
)

// Auth resolves the calling account. Requests carry an X-Account-Id header;
// production additionally requires a matching X-Api-Key. Benchmark routes are
// authenticated separately by BenchmarkAuth.
func Auth(env, apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Status(http.StatusNoContent)
			return
		}

		if env == "production" || apiKey != "" {
			provided := strings.TrimSpace(c.GetHeader("X-Api-Key"))
			if apiKey == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
				respond.Error(c, http.StatusUnauthorized, "unauthorized", "missing or invalid api key", nil)
				return
			}
		}

		accountID := strings.TrimSpace(c.GetHeader("X-Account-Id"))
		if accountID == "" {
			respond.Error(c, http.StatusUnauthorized, "unauthorized", "missing account id", nil)
			return
		}

		c.Set(accountIDKey, accountID)
		c.Next()
	}
}

// BenchmarkAuth guards benchmark routes with a dedicated key header.
func BenchmarkAuth(benchmarkKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if benchmarkKey == "" {
			respond.Error(c, http.StatusNotFound, "not_found", "benchmark access is not configured", nil)
			return
		}
		provided := strings.TrimSpace(c.GetHeader("X-Benchmark-Api-Key"))
		if subtle.ConstantTimeCompare([]byte(provided), []byte(benchmarkKey)) != 1 {
			respond.Error(c, http.StatusUnauthorized, "unauthorized", "missing or invalid benchmark key", nil)
			return
		}
		c.Set(accountIDKey, BenchmarkAccountID)
		c.Next()
	}
}

// AccountIDFromContext fetches the account ID stored by Auth middleware.
func AccountIDFromContext(c *gin.Context) string {
	if c == nil {
		return ""
	}
	val, _ := c.Get(accountIDKey)
	if id, ok := val.(string); ok {
		return id
	}
	return ""
}
