package guild

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var channelNamePattern = regexp.MustCompile(`^[\p{Ll}\p{N}_-]+$`)

// checks intent arguments before anything is sent
type Validator struct {
	validate *validator.Validate
}

func NewValidator() *Validator {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterValidation("channelname", func(fl validator.FieldLevel) bool {
		return channelNamePattern.MatchString(fl.Field().String())
	})
	return &Validator{
		validate: validate,
	}
}

type FieldError struct {
	Field string
	Tag   string
}

// wraps `ErrInvalidIntent`
type ValidationError struct {
	Fields []FieldError
}

func (self *ValidationError) Error() string {
	parts := make([]string, 0, len(self.Fields))
	for _, field := range self.Fields {
		parts = append(parts, fmt.Sprintf("%s (%s)", field.Field, field.Tag))
	}
	return fmt.Sprintf("%s: %s", ErrInvalidIntent, strings.Join(parts, ", "))
}

func (self *ValidationError) Unwrap() error {
	return ErrInvalidIntent
}

func (self *Validator) Struct(intent any) error {
	err := self.validate.Struct(intent)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return fmt.Errorf("%w: %w", ErrInvalidIntent, err)
	}
	fields := make([]FieldError, 0, len(validationErrors))
	for _, fieldError := range validationErrors {
		fields = append(fields, FieldError{
			Field: fieldError.Field(),
			Tag:   fieldError.Tag(),
		})
	}
	return &ValidationError{
		Fields: fields,
	}
}

// for scalar intent fields
func (self *Validator) Var(name string, value any, tag string) error {
	if err := self.validate.Var(value, tag); err != nil {
		return &ValidationError{
			Fields: []FieldError{{Field: name, Tag: tag}},
		}
	}
	return nil
}
