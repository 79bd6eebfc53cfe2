// Package auth maps bearer tokens to accounts for the HTTP API.
package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"formrelay/pkg/logger"
)

const accountKey = "formrelay.account"

type Authenticator struct {
	tokens map[string]string // token -> account
	logger *logger.Logger
}

func New(tokens map[string]string, log *logger.Logger) *Authenticator {
	if log == nil {
		log = logger.WithField("component", "auth")
	}
	return &Authenticator{tokens: tokens, logger: log}
}

// Middleware rejects requests without a valid bearer token. A 401 means
// the credential itself is bad; clients must re-authenticate rather than
// retry.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		token = strings.TrimSpace(token)
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		account, ok := a.tokens[token]
		if !ok {
			a.logger.Warn("rejected unknown token", "path", c.FullPath())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(accountKey, account)
		c.Next()
	}
}

// Account returns the authenticated account for the request. Only valid
// after Middleware has run.
func Account(c *gin.Context) string {
	return c.GetString(accountKey)
}
