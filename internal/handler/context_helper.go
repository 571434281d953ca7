package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/opencampus/registrar-api/internal/middleware"
	"github.com/opencampus/registrar-api/internal/models"
)

// currentClaims returns the verified token claims, if any.
func currentClaims(c *gin.Context) (*models.JWTClaims, bool) {
	return middleware.ClaimsFromContext(c)
}

// resolveStudentID picks the student a request acts on. Admins may act on any
// student via the route param; students are always pinned to their own id.
func resolveStudentID(c *gin.Context, param string) (string, bool) {
	claims, ok := currentClaims(c)
	if !ok {
		return "", false
	}
	if claims.Role == models.RoleAdmin {
		if id := c.Param(param); id != "" {
			return id, true
		}
		return "", false
	}
	if claims.StudentID == "" {
		return "", false
	}
	return claims.StudentID, true
}
