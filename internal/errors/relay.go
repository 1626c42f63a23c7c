package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

// MaxReportedTagLength bounds how much of an unrecognised message tag is
// echoed back to the client.
const MaxReportedTagLength = 64

// Sentinels for errors.Is checks. Constructors below return values that
// match them.
var (
	ErrUnknownMessageType = &AppError{Type: ErrorTypeProtocol, Code: "UNKNOWN_MESSAGE_TYPE"}
	ErrMalformedMessage   = &AppError{Type: ErrorTypeProtocol, Code: "MALFORMED_MESSAGE"}
	ErrAdmissionRejected  = &AppError{Type: ErrorTypeAdmission, Code: "SUBSCRIPTION_REJECTED"}
	ErrCancelled          = &AppError{Type: ErrorTypeCancellation, Code: "CANCELLED"}
	ErrStreamFailed       = &AppError{Type: ErrorTypeStreaming, Code: "STREAM_FAILED"}
	ErrConnectionClosed   = &AppError{Type: ErrorTypeNetwork, Code: "CONNECTION_CLOSED"}
)

// UnknownMessageType reports an inbound message whose tag is not one of
// EVENT, REQ, CLOSE or AUTH.
func UnknownMessageType(tag string) *AppError {
	return New(ErrorTypeProtocol, ErrUnknownMessageType.Code,
		"Unknown message type: "+TruncateTag(tag)).
		WithSeverity(SeverityLow)
}

// TruncateTag cuts tag to MaxReportedTagLength characters.
func TruncateTag(tag string) string {
	if utf8.RuneCountInString(tag) <= MaxReportedTagLength {
		return tag
	}
	runes := []rune(tag)
	return string(runes[:MaxReportedTagLength])
}

// MalformedMessage reports a frame that is not a well formed message array.
func MalformedMessage(reason string, cause error) *AppError {
	return Wrap(cause, ErrorTypeProtocol, ErrMalformedMessage.Code, reason).
		WithSeverity(SeverityLow).
		WithUserMessage(reason)
}

// AdmissionRejected reports a REQ refused by the admission checks.
func AdmissionRejected(subID, reason string) *AppError {
	return New(ErrorTypeAdmission, ErrAdmissionRejected.Code, reason).
		WithSeverity(SeverityLow).
		WithDetails(fmt.Sprintf("subscription %s", subID))
}

// AuthenticationError reports a failed AUTH handshake.
func AuthenticationError(reason string) *AppError {
	return New(ErrorTypeAuthentication, "AUTH_FAILED", fmt.Sprintf("Authentication failed: %s", reason)).
		WithSeverity(SeverityLow)
}

// RateLimitError reports an operation refused by the sliding window limiter.
func RateLimitError(operation string) *AppError {
	return New(ErrorTypeRateLimit, "RATE_LIMITED", fmt.Sprintf("rate limit exceeded for %s", operation)).
		WithSeverity(SeverityLow).
		WithUserMessage("rate-limited: slow down")
}

// StreamingError reports a replay that failed for a reason other than
// cancellation.
func StreamingError(subID string, cause error) *AppError {
	return Wrap(cause, ErrorTypeStreaming, ErrStreamFailed.Code, fmt.Sprintf("replay of %s failed", subID)).
		WithSeverity(SeverityMedium).
		WithUserMessage(fmt.Sprintf("error: could not stream stored events for %s", subID))
}

// CancelledError marks work abandoned because its subscription went away.
func CancelledError(subID string, cause error) *AppError {
	return Wrap(cause, ErrorTypeCancellation, ErrCancelled.Code, fmt.Sprintf("replay of %s cancelled", subID)).
		WithSeverity(SeverityLow)
}

// DatabaseError wraps a storage failure.
func DatabaseError(operation string, cause error) *AppError {
	return Wrap(cause, ErrorTypeDatabase, "DB_ERROR", fmt.Sprintf("database %s failed", operation)).
		WithSeverity(SeverityHigh).
		WithUserMessage("error: unable to store event")
}

// CacheError wraps a cache lookup failure.
func CacheError(operation string, cause error) *AppError {
	return Wrap(cause, ErrorTypeCache, "CACHE_ERROR", fmt.Sprintf("cache %s failed", operation)).
		WithSeverity(SeverityMedium)
}

// ConnectionClosed is returned by writes on a connection that has gone away.
func ConnectionClosed() *AppError {
	return New(ErrorTypeNetwork, ErrConnectionClosed.Code, "connection closed").
		WithSeverity(SeverityLow)
}

// ConnectionLost is ConnectionClosed for a write that failed on the wire.
// cause stays reachable through errors.As.
func ConnectionLost(cause error) *AppError {
	return Wrap(cause, ErrorTypeNetwork, ErrConnectionClosed.Code, "connection closed").
		WithSeverity(SeverityLow)
}

// WebSocketError classifies a gorilla/websocket failure.
func WebSocketError(operation string, cause error) *AppError {
	code := "WS_ERROR"
	severity := SeverityMedium

	switch {
	case websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		code = "WS_NORMAL_CLOSURE"
		severity = SeverityLow
	case websocket.IsCloseError(cause, websocket.CloseAbnormalClosure):
		code = "WS_ABNORMAL_CLOSURE"
	case websocket.IsUnexpectedCloseError(cause, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		code = "WS_UNEXPECTED_CLOSURE"
	}

	return Wrap(cause, ErrorTypeNetwork, code, fmt.Sprintf("websocket %s failed", operation)).
		WithSeverity(severity)
}

// ConfigurationError reports an invalid setting.
func ConfigurationError(field, reason string) *AppError {
	return New(ErrorTypeInternal, "CONFIGURATION_ERROR", fmt.Sprintf("configuration error in %s: %s", field, reason)).
		WithSeverity(SeverityCritical)
}

// InternalError wraps an unexpected failure.
func InternalError(operation string, cause error) *AppError {
	return Wrap(cause, ErrorTypeInternal, "INTERNAL_ERROR", fmt.Sprintf("%s failed", operation)).
		WithSeverity(SeverityHigh)
}

// IsCancellation reports whether err means the work was abandoned on purpose.
func IsCancellation(err error) bool {
	return stderrors.Is(err, context.Canceled) ||
		stderrors.Is(err, context.DeadlineExceeded) ||
		stderrors.Is(err, ErrCancelled)
}

// IsConnectionLost reports whether err means the peer can no longer be
// written to: the connection was closed or a socket write failed.
func IsConnectionLost(err error) bool {
	if stderrors.Is(err, ErrConnectionClosed) {
		return true
	}
	var appErr *AppError
	return stderrors.As(err, &appErr) && appErr.Type == ErrorTypeNetwork
}

// IsRecoverable reports whether retrying the operation may succeed.
func IsRecoverable(err error) bool {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return false
	}
	switch appErr.Type {
	case ErrorTypeNetwork, ErrorTypeDatabase, ErrorTypeCache:
		return appErr.Severity != SeverityCritical
	case ErrorTypeRateLimit:
		return true
	case ErrorTypeInternal:
		return appErr.Severity == SeverityLow || appErr.Severity == SeverityMedium
	default:
		return false
	}
}

// SeverityOf returns the severity of an AppError in err's chain, or
// SeverityMedium for plain errors.
func SeverityOf(err error) ErrorSeverity {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Severity
	}
	return SeverityMedium
}
