// Package domain provides the listener core's value types and validation using
// go-playground/validator/v10 with listener-specific custom validators.
package domain

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var hostnameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)

// Validator wraps go-playground/validator with listener-specific validators.
type Validator struct {
	validator *validator.Validate
}

// NewValidator creates a new validation instance with custom validators.
func NewValidator() *Validator {
	validate := validator.New()

	_ = validate.RegisterValidation("bind_host", validateBindHostCustom)
	_ = validate.RegisterValidation("log_level", validateLogLevelCustom)
	_ = validate.RegisterValidation("http_path", validateHTTPPathCustom)

	return &Validator{
		validator: validate,
	}
}

// Validate validates a struct.
func (v *Validator) Validate(s interface{}) error {
	return v.validator.Struct(s)
}

// ValidateVar validates a single variable using the specified tag.
func (v *Validator) ValidateVar(field interface{}, tag string) error {
	return v.validator.Var(field, tag)
}

// Bind host validator. Empty means the wildcard address.
func validateBindHostCustom(fl validator.FieldLevel) bool {
	host := strings.TrimSpace(fl.Field().String())
	if host == "" {
		return true
	}
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}
	if net.ParseIP(host) != nil {
		return true
	}
	return hostnameRegex.MatchString(host)
}

func validateLogLevelCustom(fl validator.FieldLevel) bool {
	switch strings.ToLower(fl.Field().String()) {
	case "", "debug", "info", "warn", "warning", "error":
		return true
	default:
		return false
	}
}

func validateHTTPPathCustom(fl validator.FieldLevel) bool {
	path := fl.Field().String()
	if path == "" {
		return true
	}
	return strings.HasPrefix(path, "/") && !strings.ContainsAny(path, " \t\n?#")
}

// FieldError is a single validator failure in a readable form.
type FieldError struct {
	Field   string      `json:"field"`
	Tag     string      `json:"tag"`
	Value   interface{} `json:"value"`
	Message string      `json:"message"`
}

// ConvertValidationErrors converts go-playground validation errors to FieldErrors.
func ConvertValidationErrors(err error) []FieldError {
	var out []FieldError

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		for _, fe := range validationErrors {
			out = append(out, FieldError{
				Field:   fe.Namespace(),
				Tag:     fe.Tag(),
				Value:   fe.Value(),
				Message: getCustomErrorMessage(fe),
			})
		}
	}

	return out
}

func getCustomErrorMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "field is required"
	case "min", "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max", "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "bind_host":
		return "must be an IP address or hostname"
	case "log_level":
		return "must be one of: debug, info, warn, error"
	case "http_path":
		return "must be an absolute URL path"
	case "hostname_port":
		return "must be a host:port address"
	default:
		return fmt.Sprintf("validation failed for tag '%s'", fe.Tag())
	}
}

// GlobalValidator is the global validator instance for convenience.
var GlobalValidator = NewValidator()

// ValidateStruct is a convenience function using the global validator.
func ValidateStruct(s interface{}) error {
	return GlobalValidator.Validate(s)
}
