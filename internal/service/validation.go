package service

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// maxDeviceIDLength bounds ids so they stay usable as MQTT topic levels and cache keys
const maxDeviceIDLength = 128

var validate *validator.Validate

func init() {
	validate = validator.New()
	registerCustomValidations(validate)
}

// IsValidDeviceID reports whether id can be registered. Ids become MQTT topic
// levels, so separators and wildcards are refused.
func IsValidDeviceID(id string) bool {
	if strings.TrimSpace(id) == "" || len(id) > maxDeviceIDLength {
		return false
	}
	return !strings.ContainsAny(id, "/+#\t\r\n ")
}

func registerCustomValidations(v *validator.Validate) {
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterValidation("device_id", func(fl validator.FieldLevel) bool {
		return IsValidDeviceID(fl.Field().String())
	})
}

// RegisterDeviceRequest is the input of RegisterDevice
type RegisterDeviceRequest struct {
	DeviceID string `json:"device_id" validate:"required,device_id"`
	Name     string `json:"name" validate:"required,max=256"`
	Location string `json:"location" validate:"max=256"`
}

// validateStruct runs tag validation and folds the result into a ValidationError
func validateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	validationErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return NewValidationError(err.Error())
	}

	msgs := make([]string, 0, len(validationErrs))
	for _, fe := range validationErrs {
		msgs = append(msgs, describeFieldError(fe))
	}
	return NewValidationError(strings.Join(msgs, "; "))
}

func describeFieldError(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	case "device_id":
		return fmt.Sprintf("%s must not contain whitespace, '/', '+' or '#'", field)
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}
