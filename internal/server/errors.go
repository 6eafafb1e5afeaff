package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/sitesmith/backend/internal/payments"
	"github.com/MarcoPoloResearchLab/sitesmith/backend/internal/preview"
	"github.com/MarcoPoloResearchLab/sitesmith/backend/internal/projects"
	"github.com/MarcoPoloResearchLab/sitesmith/backend/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type errorClass struct {
	target error
	status int
	label  string
}

// errorClasses is ordered: more specific sentinels come before the ones they wrap.
var errorClasses = []errorClass{
	{target: projects.ErrProjectNotReady, status: http.StatusBadRequest, label: "project_not_ready"},
	{target: projects.ErrInvalidInput, status: http.StatusBadRequest, label: "invalid_input"},
	{target: users.ErrInsufficientCredits, status: http.StatusForbidden, label: "insufficient_credits"},
	{target: projects.ErrVersionNotFound, status: http.StatusNotFound, label: "version_not_found"},
	{target: projects.ErrNotFound, status: http.StatusNotFound, label: "project_not_found"},
	{target: users.ErrUserNotFound, status: http.StatusNotFound, label: "user_not_found"},
	{target: payments.ErrUnknownPlan, status: http.StatusBadRequest, label: "unknown_plan"},
	{target: payments.ErrInvalidSignature, status: http.StatusBadRequest, label: "invalid_signature"},
	{target: payments.ErrInvalidPayload, status: http.StatusBadRequest, label: "invalid_payload"},
	{target: payments.ErrCheckoutUnavailable, status: http.StatusServiceUnavailable, label: "checkout_unavailable"},
	{target: preview.ErrEmptySelector, status: http.StatusBadRequest, label: "invalid_edit"},
	{target: preview.ErrElementNotFound, status: http.StatusBadRequest, label: "invalid_edit"},
	{target: preview.ErrNoSelection, status: http.StatusBadRequest, label: "invalid_edit"},
	{target: preview.ErrUnknownMessage, status: http.StatusBadRequest, label: "invalid_edit"},
	{target: preview.ErrInvalidPayload, status: http.StatusBadRequest, label: "invalid_edit"},
}

func classifyError(err error) (int, string) {
	for _, class := range errorClasses {
		if errors.Is(err, class.target) {
			return class.status, class.label
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	status, label := classifyError(err)
	code := label
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		code = coded.Code()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.String("code", code),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": label, "code": code})
}

func (h *httpHandler) respondInvalidRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "code": "invalid_request"})
}
