package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"wamator/internal/model"
	"wamator/internal/store"
)

const (
	tenantIDContextKey = "tenantID"

	APIKeyHeader = "x-api-key"
	APIKeyCookie = "wamator_api_key"
)

type Consumers interface {
	ConsumerByAPIKey(ctx context.Context, apiKey string) (model.Consumer, error)
}

func TenantIDFromContext(c *gin.Context) (int64, bool) {
	v, ok := c.Get(tenantIDContextKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok && id > 0
}

// RequireAPIKey resolves the calling tenant from the x-api-key header, falling
// back to the browser cookie.
func RequireAPIKey(consumers Consumers, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(APIKeyHeader)
		if key == "" {
			key, _ = c.Cookie(APIKeyCookie)
		}
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "API Key required"})
			return
		}

		consumer, err := consumers.ConsumerByAPIKey(c.Request.Context(), key)
		if errors.Is(err, store.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Invalid API Key"})
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("api key lookup")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"message": "Authentication failed"})
			return
		}

		c.Set(tenantIDContextKey, consumer.ID)
		c.Next()
	}
}
