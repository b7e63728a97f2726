// Package validation wraps go-playground/validator behind the struct-tag
// helpers used at the request and config boundaries.
package validation

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is the shared validator instance
var validate = validator.New()

// ValidateStruct validates a struct against its validate tags.
func ValidateStruct(s any) error {
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return newError(verrs)
		}
		return err
	}
	return nil
}

// Error carries per-field validation failures keyed by field name.
type Error struct {
	Fields map[string]string
}

func (e *Error) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = e.Fields[name]
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func newError(errs validator.ValidationErrors) *Error {
	fields := make(map[string]string)
	for _, err := range errs {
		field := err.Field()
		switch err.Tag() {
		case "required":
			fields[field] = fmt.Sprintf("%s is required", field)
		case "min":
			fields[field] = fmt.Sprintf("%s must be at least %s", field, err.Param())
		case "max":
			fields[field] = fmt.Sprintf("%s must be at most %s", field, err.Param())
		case "gt":
			fields[field] = fmt.Sprintf("%s must be greater than %s", field, err.Param())
		case "gte":
			fields[field] = fmt.Sprintf("%s must be greater than or equal to %s", field, err.Param())
		case "lte":
			fields[field] = fmt.Sprintf("%s must be less than or equal to %s", field, err.Param())
		case "oneof":
			fields[field] = fmt.Sprintf("%s must be one of: %s", field, err.Param())
		default:
			fields[field] = fmt.Sprintf("%s failed on the %s constraint", field, err.Tag())
		}
	}
	return &Error{Fields: fields}
}

// IsError reports whether err is a validation failure.
func IsError(err error) bool {
	var verr *Error
	return errors.As(err, &verr)
}

// Fields returns the per-field messages of a validation failure, or nil.
func Fields(err error) map[string]string {
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Fields
	}
	return nil
}
