// Package validate wraps struct validation with readable error messages.
package validate

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func Struct[T any](value T) error {
	if err := validate.Struct(value); err != nil {
		return validationErrorToString(value, err)
	}

	return nil
}

func Value(value any, tag string) error {
	err := validate.Var(value, tag)
	if err != nil {
		return validationErrorToString(value, err)
	}
	return nil
}

func validationErrorToString(input any, err error) error {
	if verrs, ok := err.(validator.ValidationErrors); ok {
		// Build a custom error message for each field error.
		msg := ""
		for _, fe := range verrs {
			msg += fmt.Sprintf("\n • Failed %T validation for field '%s': rule '%s' expected '%s', got '%v'.", input, fe.StructField(), fe.Tag(), fe.Param(), fe.Value())
		}
		return errors.New(msg)
	}

	return err
}
