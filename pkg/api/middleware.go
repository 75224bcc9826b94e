package api

import (
	stdErrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/core-tools/hsu-monitor/pkg/access"
	"github.com/core-tools/hsu-monitor/pkg/errors"

	"github.com/gin-gonic/gin"
)

const principalKey = "hsu_principal"

// authenticate resolves the caller from UserHeader.
// Without the header, read routes fall back to the guest principal in showcase mode.
func (s *Server) authenticate(allowGuest bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(UserHeader)
		if userID == "" {
			if allowGuest && s.deps.Settings.Get(c.Request.Context()).ShowcaseMode {
				c.Set(principalKey, access.NewGuest())
				c.Next()
				return
			}
			abortWithError(c, errors.NewPermissionError("authentication required", nil), http.StatusUnauthorized)
			return
		}

		user, err := s.deps.Store.GetUser(c.Request.Context(), userID)
		if err != nil {
			if errors.IsNotFoundError(err) {
				abortWithError(c, errors.NewPermissionError("unknown user", nil), http.StatusUnauthorized)
				return
			}
			abortWithError(c, err, 0)
			return
		}
		c.Set(principalKey, user.Principal())
		c.Next()
	}
}

func requirePrivileged() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !principal(c).IsPrivileged() {
			abortWithError(c, errors.NewPermissionError("admin access required", nil), 0)
			return
		}
		c.Next()
	}
}

func principal(c *gin.Context) access.Principal {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(access.Principal); ok {
			return p
		}
	}
	return access.Principal{}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		code := c.Writer.Status()
		if s.deps.Metrics != nil {
			s.deps.Metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
		}
		s.logger.Debugf("%s %s -> %d in %v", c.Request.Method, route, code, time.Since(started))
	}
}

type errorResponse struct {
	Error   string            `json:"error"`
	Type    string            `json:"type,omitempty"`
	Context map[string]string `json:"context,omitempty"`
}

// abortWithError maps domain errors to status codes; a non-zero status overrides the mapping
func abortWithError(c *gin.Context, err error, status int) {
	response := errorResponse{Error: err.Error()}
	var domainErr *errors.DomainError
	if stdErrors.As(err, &domainErr) {
		response.Error = domainErr.Message
		response.Type = string(domainErr.Type)
		response.Context = domainErr.Context
	}
	if status == 0 {
		status = statusFor(err)
	}
	c.AbortWithStatusJSON(status, response)
}

func statusFor(err error) int {
	switch {
	case errors.IsValidationError(err):
		return http.StatusBadRequest
	case errors.IsNotFoundError(err):
		return http.StatusNotFound
	case errors.IsPermissionError(err):
		return http.StatusForbidden
	case errors.IsConflictError(err):
		return http.StatusConflict
	case errors.IsUnavailableError(err):
		return http.StatusServiceUnavailable
	case errors.IsCancelledError(err):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
