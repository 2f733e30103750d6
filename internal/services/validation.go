package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// ErrorResponse represents error response structure
type ErrorResponse struct {
	Error      string            `json:"error"`                 // Error message
	ReasonCode string            `json:"reason_code,omitempty"` // Provider reason, when declined
	Details    map[string]string `json:"details,omitempty"`     // Validation details
}

// ValidationHelper provides shared validation functionality
type ValidationHelper struct {
	validator *validator.Validate
}

// NewValidationHelper creates a new validation helper
func NewValidationHelper() *ValidationHelper {
	return &ValidationHelper{
		validator: validator.New(),
	}
}

// ValidateStruct validates a struct and returns validation errors
func (vh *ValidationHelper) ValidateStruct(s any) error {
	return vh.validator.Struct(s)
}

// DecodeJSON reads a single JSON object from the request body, capped at
// maxBytes, rejecting unknown fields and trailing content.
func DecodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid request body")
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("request body must only contain a single JSON object")
	}
	return nil
}

// SendJSON writes a JSON response with the given status code.
func SendJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// SendErrorResponse sends a JSON error response
func SendErrorResponse(w http.ResponseWriter, message string, statusCode int, validationErr error) {
	errorResp := ErrorResponse{Error: message}
	if validationErr != nil {
		errorResp.Details = make(map[string]string)
		for _, err := range validationErr.(validator.ValidationErrors) {
			errorResp.Details[err.Field()] = fmt.Sprintf("Field Validation Failed on '%s' tag", err.Tag())
		}
	}

	SendJSON(w, statusCode, errorResp)
}

// SendDomainError maps a domain error onto the HTTP taxonomy. Internal
// faults never leak details to the client.
func SendDomainError(w http.ResponseWriter, err error) {
	status := errorStatus(err)

	resp := ErrorResponse{Error: err.Error()}
	var pd *ProviderDeclinedError
	if errors.As(err, &pd) {
		resp.ReasonCode = pd.ReasonCode
	}
	if status == http.StatusInternalServerError {
		resp.Error = "internal error"
	}

	SendJSON(w, status, resp)
}
