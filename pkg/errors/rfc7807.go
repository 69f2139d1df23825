package errors

import (
	"net/http"
)

// Problem type URIs
const (
	TypeValidationError = "https://api.denver.finance/problems/validation-error"
	TypeUnauthorized    = "https://api.denver.finance/problems/unauthorized"
	TypeForbidden       = "https://api.denver.finance/problems/forbidden"
	TypeNotFound        = "https://api.denver.finance/problems/not-found"
	TypeConflict        = "https://api.denver.finance/problems/conflict"
	TypeUnavailable     = "https://api.denver.finance/problems/service-unavailable"
	TypeInternalError   = "https://api.denver.finance/problems/internal-error"
)

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string       `json:"type"`
	Title    string       `json:"title"`
	Status   int          `json:"status"`
	Detail   string       `json:"detail,omitempty"`
	Instance string       `json:"instance,omitempty"`
	Errors   []FieldError `json:"errors,omitempty"`
}

// Error implements the error interface
func (p *ProblemDetails) Error() string {
	return p.Detail
}

// NewProblemDetails creates a generic problem details with all fields
func NewProblemDetails(problemType, title string, status int, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:     problemType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	}
}

// NewUnauthorizedError creates an unauthorized error problem
func NewUnauthorizedError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeUnauthorized, "Unauthorized", http.StatusUnauthorized, detail, instance)
}

// NewForbiddenError creates a forbidden error problem
func NewForbiddenError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeForbidden, "Forbidden", http.StatusForbidden, detail, instance)
}

// ToProblemDetails converts any error into a problem document for the given request path.
func ToProblemDetails(err error, instance string) *ProblemDetails {
	var pd *ProblemDetails
	if As(err, &pd) {
		return pd
	}

	status := StatusOf(err)
	var p *ProblemDetails
	switch status {
	case http.StatusBadRequest:
		p = NewProblemDetails(TypeValidationError, "Validation Error", status, err.Error(), instance)
	case http.StatusNotFound:
		p = NewProblemDetails(TypeNotFound, "Not Found", status, err.Error(), instance)
	case http.StatusConflict:
		p = NewProblemDetails(TypeConflict, "Conflict", status, err.Error(), instance)
	case http.StatusServiceUnavailable:
		p = NewProblemDetails(TypeUnavailable, "Service Unavailable", status, err.Error(), instance)
	default:
		return NewProblemDetails(TypeInternalError, "Internal Server Error", http.StatusInternalServerError, "internal error", instance)
	}

	var e *Error
	if As(err, &e) {
		p.Detail = e.Message
		if p.Detail == "" {
			p.Detail = e.Kind
		}
		p.Errors = e.Fields
	}
	return p
}
