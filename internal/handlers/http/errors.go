package http

import (
	"errors"
	"net/http"

	"deskrelay/internal/core/domain"
	apperrors "deskrelay/pkg/errors"
)

// toAppError maps domain failures onto the HTTP error taxonomy.
func toAppError(err error) *apperrors.AppError {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return appErr
	}

	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return apperrors.WrapError(err, apperrors.ErrCodeNotFound, "session not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrConnectionNotFound):
		return apperrors.WrapError(err, apperrors.ErrCodeNotFound, "connection not found", http.StatusNotFound)
	case domain.IsStaleRequest(err):
		return apperrors.WrapError(err, apperrors.ErrCodeStaleRequest, err.Error(), http.StatusGone)
	case errors.Is(err, domain.ErrNotSessionHost):
		return apperrors.WrapError(err, apperrors.ErrCodeForbidden, err.Error(), http.StatusForbidden)
	case domain.IsAuthError(err):
		return apperrors.WrapError(err, apperrors.ErrCodeUnauthorized, err.Error(), http.StatusUnauthorized)
	case domain.IsCapacityError(err):
		return apperrors.WrapError(err, apperrors.ErrCodeCapacity, err.Error(), http.StatusConflict)
	case domain.IsConflict(err):
		return apperrors.WrapError(err, apperrors.ErrCodeConflict, err.Error(), http.StatusConflict)
	case domain.IsInvalidArgument(err), errors.Is(err, domain.ErrSnapshotTooLarge):
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
	case domain.IsProtocolError(err):
		return apperrors.WrapError(err, apperrors.ErrCodeProtocol, err.Error(), http.StatusBadGateway)
	case domain.IsNetworkError(err):
		return apperrors.WrapError(err, apperrors.ErrCodeNetwork, err.Error(), http.StatusServiceUnavailable)
	default:
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "internal server error", http.StatusInternalServerError)
	}
}
