package auth

import "github.com/gin-gonic/gin"

const (
	userIDKey     = "userID"
	businessIDKey = "businessID"
)

// GetUserID returns the authenticated caller's ID or empty string.
func GetUserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

// GetBusinessID returns the business the caller acts for, or empty string for customers.
func GetBusinessID(c *gin.Context) string {
	return c.GetString(businessIDKey)
}
