package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/depdeck/internal/audit"
	"github.com/fyrsmithlabs/depdeck/internal/history"
	"github.com/fyrsmithlabs/depdeck/internal/installer"
	"github.com/fyrsmithlabs/depdeck/internal/manifest"
	"github.com/fyrsmithlabs/depdeck/internal/operations"
	"github.com/fyrsmithlabs/depdeck/internal/sanitize"
	"github.com/fyrsmithlabs/depdeck/internal/scanner"
	"github.com/fyrsmithlabs/depdeck/internal/search"
	"github.com/fyrsmithlabs/depdeck/internal/service"
	"github.com/fyrsmithlabs/depdeck/internal/watcher"
)

// statusOf maps an engine error to an HTTP status.
func statusOf(err error) int {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}

	var installErr *installer.InstallFailedError
	var auditErr *audit.AuditFailedError

	switch {
	case errors.Is(err, scanner.ErrInvalidRoot),
		errors.Is(err, search.ErrEmptyQuery),
		errors.Is(err, history.ErrNoteTooLong),
		errors.Is(err, history.ErrInvalidKind),
		errors.Is(err, sanitize.ErrInvalidPackageName),
		errors.Is(err, sanitize.ErrInvalidVersion),
		errors.Is(err, installer.ErrDependenciesNotInstalled):
		return http.StatusBadRequest
	case errors.Is(err, installer.ErrProjectNotFound),
		errors.Is(err, manifest.ErrManifestNotFound),
		errors.Is(err, operations.ErrNotFound),
		errors.Is(err, history.ErrNoHistory),
		errors.Is(err, watcher.ErrPathNotFound):
		return http.StatusNotFound
	case errors.Is(err, installer.ErrReadOnly):
		return http.StatusConflict
	case errors.Is(err, manifest.ErrManifestParse):
		return http.StatusUnprocessableEntity
	case errors.As(err, &installErr),
		errors.As(err, &auditErr),
		errors.Is(err, audit.ErrAuditParse),
		errors.Is(err, audit.ErrAuditSpawn):
		return http.StatusBadGateway
	case errors.Is(err, audit.ErrAuditTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, service.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// errorHandler renders every failure as {"error": "..."}.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := statusOf(err)
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if m, ok := he.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(he.Code)
		}
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Error(err))
	}

	body := ErrorResponse{Error: msg}
	var installErr *installer.InstallFailedError
	var auditErr *audit.AuditFailedError
	switch {
	case errors.As(err, &installErr):
		body.Stderr = installErr.Stderr
	case errors.As(err, &auditErr):
		body.Stderr = auditErr.Stderr
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, body)
	}
	if err != nil {
		s.logger.Warn("writing error response", zap.Error(err))
	}
}
