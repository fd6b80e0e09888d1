package http

import (
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidationDetails maps each failing field to the rule it broke.
func ValidationDetails(err error) map[string]any {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	details := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		details[fe.Field()] = fe.Tag()
	}
	return details
}

// BindJSON decodes the body into v and validates it. On failure it writes the
// error envelope and returns false.
func BindJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := DecodeJSON(r, v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteErrorEnvelope(w, http.StatusRequestEntityTooLarge, CodeRequestTooLarge, "request body too large", nil, traceIDFrom(r))
			return false
		}
		WriteErrorEnvelope(w, http.StatusBadRequest, CodeInvalidJSON, "invalid json", nil, traceIDFrom(r))
		return false
	}
	if err := validate.Struct(v); err != nil {
		WriteErrorEnvelope(w, http.StatusBadRequest, CodeValidationFailed, "request validation failed", ValidationDetails(err), traceIDFrom(r))
		return false
	}
	return true
}

func traceIDFrom(r *http.Request) string {
	return getTraceIDFromContext(r.Context())
}
