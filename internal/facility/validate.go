package facility

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"

	"facilityops/api/internal/workflow"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateContent runs the struct tags and reports failures keyed by JSON field name.
func validateContent(content any) error {
	err := validate.Struct(content)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return workflow.Invalid("content", err.Error())
	}
	out := &workflow.ValidationError{Fields: make(map[string]string, len(fieldErrs))}
	for _, fe := range fieldErrs {
		out.Fields[fe.Field()] = describeRule(fe)
	}
	return out
}

func describeRule(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "email":
		return "must be an email address"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "datetime":
		return "must be a date formatted " + fe.Param()
	case "alphanum":
		return "must contain only letters and digits"
	default:
		return "failed " + fe.Tag()
	}
}

var htmlPolicy = bluemonday.UGCPolicy()

// SanitizeHTML strips scripts, event handlers and unsafe URLs from notice bodies.
func SanitizeHTML(raw string) string {
	if raw == "" {
		return ""
	}
	return htmlPolicy.Sanitize(raw)
}

// PlainText strips all markup, for search documents and mail bodies.
func PlainText(raw string) string {
	return strings.TrimSpace(bluemonday.StrictPolicy().Sanitize(raw))
}
