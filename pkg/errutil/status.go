package errutil

import "net/http"

// CoreStatus is the transport-agnostic error code carried by every domain
// error. Services branch on it instead of matching message strings.
type CoreStatus string

const (
	StatusValidationFailed  CoreStatus = "VALIDATION_FAILED"
	StatusUnauthorized      CoreStatus = "UNAUTHORIZED"
	StatusForbidden         CoreStatus = "FORBIDDEN"
	StatusInvalidState      CoreStatus = "INVALID_STATE"
	StatusNotFound          CoreStatus = "NOT_FOUND"
	StatusConflict          CoreStatus = "CONFLICT"
	StatusModerationBlocked CoreStatus = "MODERATION_BLOCKED"
	StatusTransient         CoreStatus = "TRANSIENT"
	StatusInternal          CoreStatus = "INTERNAL"
	StatusUnknown           CoreStatus = "UNKNOWN"
)

// HTTPStatus converts the CoreStatus to its closest HTTP status code
// equivalent, used by the websocket handshake and health endpoints.
func (s CoreStatus) HTTPStatus() int {
	switch s {
	case StatusValidationFailed, StatusModerationBlocked:
		return http.StatusBadRequest
	case StatusUnauthorized:
		return http.StatusUnauthorized
	case StatusForbidden:
		return http.StatusForbidden
	case StatusNotFound:
		return http.StatusNotFound
	case StatusInvalidState, StatusConflict:
		return http.StatusConflict
	case StatusTransient:
		return http.StatusServiceUnavailable
	case StatusInternal, StatusUnknown:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
