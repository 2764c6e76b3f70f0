package controllers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/sergeycw/windline/internal/apperrors"
	"github.com/sergeycw/windline/internal/middleware"
)

// statusFor maps an application error kind to an HTTP status.
func statusFor(err error) int {
	switch apperrors.KindOf(err) {
	case apperrors.KindParse, apperrors.KindValidation:
		return http.StatusBadRequest
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindDataNotReady:
		return http.StatusConflict
	case apperrors.KindQuota:
		return http.StatusTooManyRequests
	case apperrors.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as {"error": msg, "kind": kind}. Internal details
// are logged, not returned.
func respondError(c *gin.Context, op string, err error) {
	status := statusFor(err)
	entry := logrus.WithError(err).WithField("op", op)

	msg := err.Error()
	var appErr *apperrors.Error
	if errors.As(err, &appErr) && appErr.Msg != "" {
		msg = appErr.Msg
	}
	if status == http.StatusInternalServerError {
		entry.Error("request failed")
		msg = "internal error"
	} else {
		entry.Debug("request rejected")
	}

	_ = c.Error(err)
	c.JSON(status, gin.H{"error": msg, "kind": apperrors.KindOf(err)})
}

// ownerOrAbort reads the owner set by middleware.RequireAuth.
func ownerOrAbort(c *gin.Context) (int64, bool) {
	owner, ok := middleware.OwnerID(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "User not authorized"})
	}
	return owner, ok
}
