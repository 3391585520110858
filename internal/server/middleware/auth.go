package middleware

import (
	"crypto/subtle"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/novel-gateway/pkg/api"
)

// CallerKey holds the slot of the API key that authenticated the request.
const CallerKey = "caller"

// Auth checks for a valid Bearer token in the Authorization header, or an
// X-API-Key header. An empty key list disables the check.
func Auth(staticKeys []string) gin.HandlerFunc {
	keys := make([][]byte, 0, len(staticKeys))
	for _, k := range staticKeys {
		if k != "" {
			keys = append(keys, []byte(k))
		}
	}

	return func(c *gin.Context) {
		if len(keys) == 0 {
			c.Next()
			return
		}

		token := c.GetHeader("X-API-Key")
		if token == "" {
			authHeader := c.GetHeader("Authorization")
			if authHeader == "" {
				abortProblem(c, api.UnauthorizedError("Missing Authorization header"))
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				abortProblem(c, api.UnauthorizedError("Invalid Authorization header format"))
				return
			}
			token = parts[1]
		}

		for i, k := range keys {
			if subtle.ConstantTimeCompare(k, []byte(token)) == 1 {
				c.Set(CallerKey, "key:"+strconv.Itoa(i))
				c.Next()
				return
			}
		}
		abortProblem(c, api.UnauthorizedError("Invalid API Key"))
	}
}

func abortProblem(c *gin.Context, p *api.Problem) {
	if id := c.GetString(RequestIDKey); id != "" {
		p.Instance = id
	}
	c.AbortWithStatusJSON(p.Status, p)
}
