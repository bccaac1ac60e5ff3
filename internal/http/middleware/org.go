package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

const orgContextKey = "orgID"

// Org requires the X-Org-ID header on every request. The upstream gateway
// authenticates the caller and stamps the header; this service only needs the
// numeric id to scope credential rows.
func Org() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.Request.Header.Get("X-Org-ID"))
		orgID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || orgID <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":             "invalid_org",
				"error_description": "Missing or invalid X-Org-ID header.",
			})
			return
		}
		c.Set(orgContextKey, orgID)
		c.Next()
	}
}

// GetOrgID extracts the org id attached by Org.
func GetOrgID(c *gin.Context) (int64, bool) {
	value, ok := c.Get(orgContextKey)
	if !ok {
		return 0, false
	}
	orgID, ok := value.(int64)
	return orgID, ok
}
