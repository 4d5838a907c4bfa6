package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// ErrorResponse represents error response structure
type ErrorResponse struct {
	Error   string            `json:"error"`             // Error message
	Code    string            `json:"code,omitempty"`    // Machine-readable error code
	Details map[string]string `json:"details,omitempty"` // Validation details
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

// SendErrorResponse sends a JSON error response
func SendErrorResponse(w http.ResponseWriter, message string, statusCode int, validationErr error) {
	writeError(w, statusCode, ErrorResponse{Error: message}, validationErr)
}

// SendWalletError maps a service error onto a status code. Errors that are not business
// errors are logged and reported as a generic internal error.
func SendWalletError(w http.ResponseWriter, err error) {
	we, ok := AsWalletError(err)
	if !ok {
		log.Printf("[HTTP] Internal error: %v", err)
		writeError(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: ErrIntegrity.Code}, nil)
		return
	}
	if we.Kind == KindIntegrity {
		log.Printf("[HTTP] Integrity error: %v", err)
		writeError(w, http.StatusInternalServerError, ErrorResponse{Error: ErrIntegrity.Message, Code: we.Code}, nil)
		return
	}
	writeError(w, StatusForError(we), ErrorResponse{Error: we.Message, Code: we.Code}, nil)
}

// StatusForError returns the HTTP status for a business error
func StatusForError(we *WalletError) int {
	switch we.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		if we.Code == ErrInsufficientFunds.Code || we.Code == ErrLiquidityUnavailable.Code {
			return http.StatusUnprocessableEntity
		}
		return http.StatusConflict
	case KindConcurrency:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, statusCode int, errorResp ErrorResponse, validationErr error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	var fieldErrs validator.ValidationErrors
	if validationErr != nil && errors.As(validationErr, &fieldErrs) {
		errorResp.Details = make(map[string]string)
		for _, err := range fieldErrs {
			errorResp.Details[err.Field()] = fmt.Sprintf("Field Validation Failed on '%s' tag", err.Tag())
		}
	}

	json.NewEncoder(w).Encode(errorResp)
}
