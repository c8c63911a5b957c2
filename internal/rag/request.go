package rag

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	MaxSessionIDLength = 100
	MaxQueryLength     = 5000
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ChatRequest is the inbound question. Query is trimmed before validation.
type ChatRequest struct {
	SessionID string `json:"session_id" validate:"required,max=100,session_id"`
	Query     string `json:"query" validate:"required,max=5000"`
}

// ValidationError is a caller-actionable rejection raised before any stage runs.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("session_id", func(fl validator.FieldLevel) bool {
		return sessionIDPattern.MatchString(fl.Field().String())
	})
	return v
}

// Normalize trims the query and validates both fields.
func (r ChatRequest) Normalize() (ChatRequest, error) {
	r.Query = strings.TrimSpace(r.Query)
	if err := validateStruct(r); err != nil {
		return ChatRequest{}, err
	}
	return r, nil
}

// ValidateSessionID applies the session id rules on their own, for clear requests.
func ValidateSessionID(sessionID string) error {
	return translate(validate.Var(sessionID, "required,max=100,session_id"), "session_id")
}

func validateStruct(v any) error {
	return translate(validate.Struct(v), "")
}

func translate(err error, field string) error {
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return &ValidationError{Field: field, Reason: err.Error()}
	}
	fe := verrs[0]
	if name := fe.Field(); name != "" {
		field = name
	}
	var reason string
	switch fe.Tag() {
	case "required":
		reason = fmt.Sprintf("%s must not be empty", field)
	case "max":
		reason = fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	case "session_id":
		reason = fmt.Sprintf("%s may only contain letters, digits, '.', '_' and '-'", field)
	default:
		reason = fmt.Sprintf("%s is invalid", field)
	}
	return &ValidationError{Field: field, Reason: reason}
}
