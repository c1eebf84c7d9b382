package handlers

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joehospital/apiserver/internal/services"
	"github.com/joehospital/apiserver/types"
)

var (
	personNamePattern = regexp.MustCompile(`^[A-Za-z\s]+$`)
	phonePattern      = regexp.MustCompile(`^\d{10}$`)
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("personname", func(fl validator.FieldLevel) bool {
		return personNamePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
		return phonePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("strongpassword", func(fl validator.FieldLevel) bool {
		return isStrongPassword(fl.Field().String())
	})
	_ = v.RegisterValidation("maxbytes", func(fl validator.FieldLevel) bool {
		limit, err := strconv.Atoi(fl.Param())
		if err != nil {
			return false
		}
		return len(fl.Field().String()) <= limit
	})
	_ = v.RegisterValidation("role", func(fl validator.FieldLevel) bool {
		return types.Role(fl.Field().String()).Valid()
	})
	return v
}

// isStrongPassword requires an ASCII uppercase letter, lowercase letter and
// digit. Other characters are allowed but count toward none of them.
func isStrongPassword(password string) bool {
	var upper, lower, digit bool
	for i := 0; i < len(password); i++ {
		switch c := password[i]; {
		case 'A' <= c && c <= 'Z':
			upper = true
		case 'a' <= c && c <= 'z':
			lower = true
		case '0' <= c && c <= '9':
			digit = true
		}
	}
	return upper && lower && digit
}

// validateRequest checks req against its validate tags and returns a
// services validation error listing every failing field.
func validateRequest(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make([]services.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, services.FieldError{Field: fe.Field(), Message: fieldMessage(fe)})
	}
	return services.NewValidationError(fields)
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "email":
		return "please provide a valid email"
	case "min", "max":
		if fe.Kind() == reflect.String {
			if fe.Field() == "name" {
				return "name must be between 2 and 50 characters"
			}
			if fe.Tag() == "min" {
				return fmt.Sprintf("%s must be at least %s characters", fe.Field(), fe.Param())
			}
			return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
		}
		if fe.Field() == "age" {
			return "age must be between 1 and 120"
		}
		return fmt.Sprintf("%s is out of range", fe.Field())
	case "personname":
		return "name must contain only letters and spaces"
	case "phone":
		return "phone number must be exactly 10 digits"
	case "maxbytes":
		return fmt.Sprintf("%s must be at most %s bytes", fe.Field(), fe.Param())
	case "strongpassword":
		return "password must contain at least one uppercase letter, one lowercase letter, and one number"
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), strings.ReplaceAll(fe.Param(), " ", ", "))
	case "role":
		roles := make([]string, len(types.Roles))
		for i, r := range types.Roles {
			roles[i] = string(r)
		}
		return "role must be one of: " + strings.Join(roles, ", ")
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}
