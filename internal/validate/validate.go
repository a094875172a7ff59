// Package validate checks user input locally before it is sent to the identity service.
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	"github.com/nkiryanov/stepauth/internal/apperrors"
)

const (
	codeLength        = 6
	minPasswordLength = 12
	specialChars      = "!@#$%^&*()_+-=[]{}|;:,.<>?"
)

var commonPasswords = map[string]struct{}{
	"password123":  {},
	"password1234": {},
	"123456789":    {},
	"qwerty123":    {},
	"qwerty123456": {},
	"123456789012": {},
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("totp", validateCode)
	_ = v.RegisterValidation("password_policy", validatePasswordPolicy)
	v.RegisterTagNameFunc(useJSONTagNames)
	return v
}

func useJSONTagNames(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	// skip if tag key says it should be ignored
	if name == "-" {
		return ""
	}
	return name
}

// Struct validates the tagged fields of s
// The returned error wraps apperrors.ErrInvalidCodeFormat when only a code is wrong,
// apperrors.ErrInvalidInput otherwise
func Struct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", apperrors.ErrInvalidInput, err)
	}

	onlyCode := true
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Tag() != "totp" {
			onlyCode = false
		}
		fields = append(fields, describe(fe))
	}

	if onlyCode {
		return apperrors.ErrInvalidCodeFormat
	}
	return fmt.Errorf("%w: %s", apperrors.ErrInvalidInput, strings.Join(fields, "; "))
}

// Code checks the one-time code is exactly six ASCII digits
func Code(code string) error {
	if !isCode(code) {
		return apperrors.ErrInvalidCodeFormat
	}
	return nil
}

// PasswordPolicy returns the rules the password breaks, nil if it is acceptable
func PasswordPolicy(password string) []string {
	var violations []string

	if len([]rune(password)) < minPasswordLength {
		violations = append(violations, fmt.Sprintf("password must be at least %d characters long", minPasswordLength))
	}
	if !strings.ContainsFunc(password, unicode.IsUpper) {
		violations = append(violations, "password must contain at least one uppercase letter")
	}
	if !strings.ContainsFunc(password, unicode.IsLower) {
		violations = append(violations, "password must contain at least one lowercase letter")
	}
	if !strings.ContainsFunc(password, unicode.IsDigit) {
		violations = append(violations, "password must contain at least one digit")
	}
	if !strings.ContainsAny(password, specialChars) {
		violations = append(violations, "password must contain at least one special character")
	}
	if _, ok := commonPasswords[strings.ToLower(password)]; ok {
		violations = append(violations, "password is too common")
	}

	return violations
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "email":
		return fe.Field() + " is not a valid email"
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "totp":
		return fe.Field() + " must be exactly 6 digits"
	case "password_policy":
		return strings.Join(PasswordPolicy(fmt.Sprint(fe.Value())), ", ")
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}

func isCode(code string) bool {
	if len(code) != codeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

func validateCode(fl validator.FieldLevel) bool {
	return isCode(fl.Field().String())
}

func validatePasswordPolicy(fl validator.FieldLevel) bool {
	return len(PasswordPolicy(fl.Field().String())) == 0
}
