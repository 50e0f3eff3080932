// Package middleware provides HTTP middleware for the Strato control plane.
// This file extends org context extraction to accept personal access tokens
// (API keys) as an alternative to a JWT bearer token.
//
// Personal access tokens are 64 hex characters (see auth.ValidateAPIKeyFormat);
// JWTs are three dot-separated base64 segments. The two never collide, so the
// presented bearer token's shape alone decides which verification path runs.
package middleware

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/strato-hq/strato/internal/auth"
	"github.com/strato-hq/strato/internal/db"
)

// APIKeyOrJWTMiddleware extracts organization context from either a JWT or a
// personal access token and populates it in the request context, same as
// OrgContextMiddleware. A bearer token in the 64-hex API key format is looked
// up by its first 8 characters (the stored prefix) and checked against every
// candidate's bcrypt hash; anything else is validated as a JWT.
func APIKeyOrJWTMiddleware(jwtManager *auth.JWTManager, apiKeyDB *db.APIKeyDB, userDB *db.UserDB) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Authorization header required",
			})
			c.Abort()
			return
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid authorization header format (expected: Bearer <token>)",
			})
			c.Abort()
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Token required",
			})
			c.Abort()
			return
		}

		if auth.ValidateAPIKeyFormat(tokenString) == nil {
			authenticateAPIKey(c, tokenString, apiKeyDB, userDB)
			return
		}

		authenticateJWT(c, tokenString, jwtManager)
	}
}

func authenticateJWT(c *gin.Context, tokenString string, jwtManager *auth.JWTManager) {
	claims, err := jwtManager.ValidateToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Invalid or expired token",
			"details": err.Error(),
		})
		c.Abort()
		return
	}

	if claims.OrgID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Token missing organization context (org_id)",
		})
		c.Abort()
		return
	}

	c.Set(ContextKeyOrgID, claims.OrgID)
	c.Set(ContextKeyOrgRole, claims.Role)
	c.Set(ContextKeyUserID, claims.UserID)
	c.Set(ContextKeyUsername, claims.Username)
	c.Set(ContextKeySessionID, claims.ID)

	c.Next()
}

// authenticateAPIKey verifies key against every stored hash sharing its
// prefix, since the prefix alone isn't guaranteed unique.
func authenticateAPIKey(c *gin.Context, key string, apiKeyDB *db.APIKeyDB, userDB *db.UserDB) {
	prefix := key[:8]

	candidates, hashes, err := apiKeyDB.GetAPIKeyByPrefix(c.Request.Context(), prefix)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Invalid or expired token",
		})
		c.Abort()
		return
	}

	for i, candidate := range candidates {
		if !auth.CompareAPIKey(key, hashes[i]) {
			continue
		}
		if candidate.ExpiresAt != nil && candidate.ExpiresAt.Before(time.Now()) {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key expired",
			})
			c.Abort()
			return
		}

		user, err := userDB.GetUser(c.Request.Context(), candidate.UserID)
		if err != nil || user == nil || !user.Active {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key owner not found or inactive",
			})
			c.Abort()
			return
		}

		if err := apiKeyDB.UpdateLastUsed(c.Request.Context(), candidate.ID); err != nil {
			log.Printf("updating api key last_used_at for %s: %v", candidate.ID, err)
		}

		c.Set(ContextKeyOrgID, user.OrgID)
		c.Set(ContextKeyOrgRole, user.OrgRole)
		c.Set(ContextKeyUserID, user.ID)
		c.Set(ContextKeyUsername, user.Username)
		c.Set(ContextKeySessionID, candidate.ID)

		c.Next()
		return
	}

	c.JSON(http.StatusUnauthorized, gin.H{
		"error":   "unauthorized",
		"message": "Invalid or expired token",
	})
	c.Abort()
}
