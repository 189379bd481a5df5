package auth

import (
	"errors"
	"regexp"

	"github.com/go-playground/validator/v10"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{3,32}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return usernamePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("pwbytes", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= MaxPasswordLength
	})
	return v
}

// ValidationError carries the user-facing message for the first failing field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ValidateRegistration checks sign-up input before it reaches Register.
func ValidateRegistration(in RegisterInput) error {
	err := validate.Struct(in)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}

	fe := verrs[0]
	return &ValidationError{Field: fe.Field(), Message: messageFor(fe)}
}

// ValidatePassword applies the password rules alone, for admin resets.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return &ValidationError{Field: "Password", Message: "Password must be at least 6 characters"}
	}
	if len(password) > MaxPasswordLength {
		return &ValidationError{Field: "Password", Message: "Password must be at most 72 bytes"}
	}
	return nil
}

func messageFor(fe validator.FieldError) string {
	switch fe.Field() {
	case "Username":
		if fe.Tag() == "required" {
			return "Please fill in all required fields"
		}
		return "Username must be 3-32 characters: letters, digits, '_', '.' or '-'"
	case "Email":
		return "Please enter a valid email address"
	case "Password":
		switch fe.Tag() {
		case "required":
			return "Please fill in all required fields"
		case "pwbytes":
			return "Password must be at most 72 bytes"
		}
		return "Password must be at least 6 characters"
	case "ConfirmPassword":
		return "Passwords don't match"
	case "Role":
		return "Invalid role"
	}
	return fe.Error()
}
