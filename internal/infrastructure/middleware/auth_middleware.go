package middleware

import (
	"errors"
	"net/http"
	"strings"

	"deskrelay/internal/core/domain"
	"deskrelay/internal/core/services"
	apperrors "deskrelay/pkg/errors"

	"github.com/gin-gonic/gin"
)

// HostCodeKey is the gin context key holding the session code a verified
// host token was issued for.
const HostCodeKey = "host_code"

// HostTokenMiddleware guards host-only routes keyed by the :code parameter.
func HostTokenMiddleware(auth *services.HostAuthService, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if appErr := AuthorizeHost(c, auth, required, domain.SessionCode(c.Param("code"))); appErr != nil {
			abortWith(c, appErr)
			return
		}
		c.Next()
	}
}

// AuthorizeHost checks the bearer token against code. When required is
// false a missing header is let through, but a presented token must still
// be valid for the code. Routes that learn the code from a record rather
// than the path call it directly.
func AuthorizeHost(c *gin.Context, auth *services.HostAuthService, required bool, code domain.SessionCode) *apperrors.AppError {
	token, present, ok := bearerToken(c.GetHeader("Authorization"))
	if !present {
		if required {
			return apperrors.NewUnauthorizedError("authorization header required")
		}
		return nil
	}
	if !ok {
		return apperrors.NewUnauthorizedError("invalid authorization header format")
	}
	if auth == nil {
		return nil
	}

	if err := auth.Authorize(token, code.Normalize()); err != nil {
		if errors.Is(err, domain.ErrNotSessionHost) {
			return apperrors.NewForbiddenError("token was not issued for this session")
		}
		return apperrors.WrapError(err, apperrors.ErrCodeUnauthorized, err.Error(), http.StatusUnauthorized)
	}
	c.Set(HostCodeKey, code.Normalize())
	return nil
}

func bearerToken(header string) (token string, present, ok bool) {
	if header == "" {
		return "", false, false
	}
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", true, false
	}
	return parts[1], true, true
}

func abortWith(c *gin.Context, appErr *apperrors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	})
}
