// Package validate wires go-playground/validator with the tags shared by request payloads.
package validate

import (
	"errors"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/kloudtech/ktl-billing/internal/shared"
)

var (
	loginIDPattern  = regexp.MustCompile(`^[a-zA-Z0-9@_-]+$`)
	codenamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z0-9_]+)*$`)
)

// New returns a validator that reports JSON field names and knows the
// login_id and codename tags.
func New() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	_ = v.RegisterValidation("login_id", func(fl validator.FieldLevel) bool {
		return loginIDPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("codename", func(fl validator.FieldLevel) bool {
		return codenamePattern.MatchString(fl.Field().String())
	})
	return v
}

// Struct validates s and converts failures into a *shared.ValidationError.
func Struct(v *validator.Validate, s any) error {
	err := v.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return shared.Invalid("%v", err)
	}
	fields := make(map[string]string, len(verrs))
	for _, fieldErr := range verrs {
		fields[fieldErr.Field()] = message(fieldErr)
	}
	return shared.NewValidationError(fields)
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "gte":
		return "must be greater than or equal to " + fe.Param()
	case "lte":
		return "must be less than or equal to " + fe.Param()
	case "oneof":
		return "must be one of " + fe.Param()
	case "eqfield":
		return "must match " + fe.Param()
	case "login_id":
		return "may only contain letters, numbers, @, _ and -"
	case "codename":
		return "must be lowercase words joined by _ or ."
	default:
		return "failed " + fe.Tag() + " validation"
	}
}
