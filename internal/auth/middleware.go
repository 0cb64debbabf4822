package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Middleware rejects requests without the shared token. With an empty token
// it is disabled.
type Middleware struct {
	token string
}

func NewMiddleware(token string) *Middleware {
	return &Middleware{token: token}
}

func (m *Middleware) Enabled() bool { return m != nil && m.token != "" }

// GinAuth returns a Gin middleware function for authentication
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() {
			c.Next()
			return
		}
		if err := Verify(m.token, FromRequest(c.Request)); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
			})
			return
		}
		c.Next()
	}
}
