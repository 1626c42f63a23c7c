package web

import (
	"fmt"
	"net/http"
	"regexp"

	"github.com/Shugur-Network/inbox-relay/internal/logger"
	"go.uber.org/zap"
)

// SecurityHeaders defines the security headers applied to responses.
// Empty fields are left to the fronting proxy.
type SecurityHeaders struct {
	CSP                 string
	XFrameOptions       string
	XContentTypeOptions string
	ReferrerPolicy      string
}

// APISecurityHeaders returns headers for JSON endpoints, which never need
// scripts, styles or framing.
func APISecurityHeaders() *SecurityHeaders {
	return &SecurityHeaders{
		CSP:                 "default-src 'none'; frame-ancestors 'none'",
		XContentTypeOptions: "nosniff",
		ReferrerPolicy:      "no-referrer",
	}
}

// Apply sets the non-empty headers on w.
func (sh *SecurityHeaders) Apply(w http.ResponseWriter) {
	set := func(name, value string) {
		if value != "" {
			w.Header().Set(name, value)
		}
	}
	set("Content-Security-Policy", sh.CSP)
	set("X-Frame-Options", sh.XFrameOptions)
	set("X-Content-Type-Options", sh.XContentTypeOptions)
	set("Referrer-Policy", sh.ReferrerPolicy)
}

// InputValidation bounds the requests accepted by the HTTP API.
type InputValidation struct {
	MaxPathLength      int
	MaxQueryLength     int
	MaxHeaderLength    int
	AllowedQueryParams map[string]bool
	PathPatterns       []*regexp.Regexp
}

// APIInputValidation accepts the stats endpoint without query parameters.
func APIInputValidation() *InputValidation {
	return &InputValidation{
		MaxPathLength:   1024,
		MaxQueryLength:  1024,
		MaxHeaderLength: 4096,
		PathPatterns: []*regexp.Regexp{
			regexp.MustCompile(`^/api/stats$`),
		},
	}
}

// ValidationError describes a rejected request.
type ValidationError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Field   string `json:"field"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Field)
}

// ValidateRequest checks r against the limits.
func (iv *InputValidation) ValidateRequest(r *http.Request) error {
	if len(r.URL.Path) > iv.MaxPathLength {
		return &ValidationError{Type: "path_length", Message: "Request path too long", Field: "url_path"}
	}
	if len(r.URL.RawQuery) > iv.MaxQueryLength {
		return &ValidationError{Type: "query_length", Message: "Query string too long", Field: "query_string"}
	}

	pathValid := false
	for _, pattern := range iv.PathPatterns {
		if pattern.MatchString(r.URL.Path) {
			pathValid = true
			break
		}
	}
	if !pathValid {
		return &ValidationError{Type: "invalid_path", Message: "Invalid request path", Field: "url_path"}
	}

	for param := range r.URL.Query() {
		if !iv.AllowedQueryParams[param] {
			return &ValidationError{Type: "invalid_query_param", Message: "Invalid query parameter", Field: param}
		}
	}

	for name, values := range r.Header {
		for _, value := range values {
			if len(value) > iv.MaxHeaderLength {
				return &ValidationError{Type: "header_length", Message: "Header value too long", Field: name}
			}
		}
	}
	return nil
}

// ValidationMiddleware rejects requests that fail validation with 400.
func ValidationMiddleware(validation *InputValidation) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := validation.ValidateRequest(r); err != nil {
				if validationErr, ok := err.(*ValidationError); ok {
					logger.Warn("Input validation failed",
						zap.String("type", validationErr.Type),
						zap.String("field", validationErr.Field),
						zap.String("client_ip", r.RemoteAddr),
						zap.String("path", r.URL.Path),
					)
				}
				http.Error(w, "Bad Request", http.StatusBadRequest)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SecureAPIHandler wraps an API handler with validation.
func SecureAPIHandler(h http.Handler) http.Handler {
	return ValidationMiddleware(APIInputValidation())(h)
}
