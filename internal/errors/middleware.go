package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/Shugur-Network/inbox-relay/internal/metrics"
	"go.uber.org/zap"
)

// Log writes err to l at a level chosen by its severity.
func Log(l *zap.Logger, msg string, err error, fields ...zap.Field) {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		l.Error(msg, append(fields, zap.Error(err))...)
		return
	}

	fields = append(fields,
		zap.String("error_type", string(appErr.Type)),
		zap.String("error_code", appErr.Code),
		zap.String("severity", string(appErr.Severity)),
		zap.Error(appErr),
	)

	switch appErr.Severity {
	case SeverityLow:
		l.Debug(msg, fields...)
	case SeverityMedium:
		l.Warn(msg, fields...)
	default:
		l.Error(msg, append(fields, zap.String("stack_trace", appErr.StackTrace))...)
	}
}

type errorResponse struct {
	Error struct {
		Type    ErrorType `json:"type"`
		Code    string    `json:"code"`
		Message string    `json:"message"`
	} `json:"error"`
}

// HTTPMiddleware turns errors and panics of the plain HTTP endpoints
// (relay information document, health) into JSON responses.
type HTTPMiddleware struct {
	logger *zap.Logger
}

func NewHTTPMiddleware(l *zap.Logger) *HTTPMiddleware {
	return &HTTPMiddleware{logger: l}
}

// HandleError logs err and writes it as a JSON body.
func (m *HTTPMiddleware) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		appErr = InternalError(r.URL.Path, err)
	}

	Log(m.logger, "http request failed", appErr,
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("remote_addr", r.RemoteAddr))
	metrics.ErrorsCount.WithLabelValues(string(appErr.Type)).Inc()

	var body errorResponse
	body.Error.Type = appErr.Type
	body.Error.Code = appErr.Code
	body.Error.Message = appErr.ClientMessage()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode(appErr.Type))
	if encErr := json.NewEncoder(w).Encode(body); encErr != nil {
		m.logger.Error("failed to encode error response", zap.Error(encErr))
	}
}

// Recover wraps next so that a panic becomes a 500 response.
func (m *HTTPMiddleware) Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err, ok := recovered.(error)
				if !ok {
					err = fmt.Errorf("panic: %v", recovered)
				}
				m.HandleError(w, r, Wrap(err, ErrorTypeInternal, "PANIC_RECOVERED", "unexpected error").
					WithSeverity(SeverityCritical))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func statusCode(t ErrorType) int {
	switch t {
	case ErrorTypeProtocol, ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeAdmission:
		return http.StatusForbidden
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeNetwork, ErrorTypeDatabase, ErrorTypeCache:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
