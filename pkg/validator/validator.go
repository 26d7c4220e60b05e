// Package validator wraps go-playground/validator behind the platform's
// error shape. Admin DTOs and bootstrap config structs declare constraints
// with `validate` tags; failures come back as a ValidationError carrying a
// per-field message map that httputil renders into the standard envelope.
package validator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report the wire name (json tag), not the Go field name, so a client
	// can map a failure back to the payload it sent.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// Validate checks s against its `validate` tags. It returns a
// *ValidationError when constraints fail, or the underlying error for
// anything else (e.g., s is not a struct).
func Validate(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var ferrs validator.ValidationErrors
	if errors.As(err, &ferrs) {
		return &ValidationError{Errors: ferrs}
	}
	return err
}

// ValidationError aggregates every failed constraint of one Validate call.
type ValidationError struct {
	Errors validator.ValidationErrors
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		msgs = append(msgs, fmt.Sprintf("field '%s' %s", fe.Field(), describe(fe)))
	}
	return strings.Join(msgs, "; ")
}

// Fields maps each failed field to its human-readable constraint message.
func (e *ValidationError) Fields() map[string]string {
	out := make(map[string]string, len(e.Errors))
	for _, fe := range e.Errors {
		out[fe.Field()] = describe(fe)
	}
	return out
}

// describe turns a failed constraint into a message. Only the tags the
// platform's DTOs actually use get bespoke text; anything else falls back
// to naming the tag.
func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must have at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must have at most %s", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "lt":
		return fmt.Sprintf("must be less than %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", strings.Join(strings.Fields(fe.Param()), ", "))
	case "url":
		return "must be a valid URL"
	case "uuid":
		return "must be a valid UUID"
	case "hostname_port":
		return "must be host:port"
	case "cidr":
		return "must be CIDR notation"
	default:
		return fmt.Sprintf("violates '%s'", fe.Tag())
	}
}
