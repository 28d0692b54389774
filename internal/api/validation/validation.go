package validation

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"

	"github.com/nkkko/ruleflow/internal/api/errors"
)

// Validator is implemented by request models
type Validator interface {
	Validate() error
}

// ParseAndValidate decodes a JSON body into v and validates it
func ParseAndValidate(r *http.Request, v Validator) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		if stderrors.Is(err, io.EOF) {
			return errors.ValidationError("empty_request_body", "Request body is empty")
		}
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			return errors.ValidationError("request_too_large", fmt.Sprintf("Request body exceeds %d bytes", tooLarge.Limit))
		}
		return errors.ValidationError("invalid_json", "Invalid JSON format: "+err.Error())
	}

	return v.Validate()
}

// Required validates that a string is not empty
func Required(field, value string) error {
	if value == "" {
		return errors.ValidationError("required_field_missing", field+" is required")
	}
	return nil
}

// MaxLength validates that a string is not longer than maxLen
func MaxLength(field, value string, maxLen int) error {
	if len(value) > maxLen {
		return errors.ValidationError("max_length_exceeded",
			fmt.Sprintf("%s must be at most %d characters", field, maxLen))
	}
	return nil
}
