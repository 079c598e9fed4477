package service

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a classified failure. Operational errors carry a message that is
// safe to show to clients; everything else is masked at the HTTP edge.
type Error struct {
	Code        string
	Message     string
	Status      int
	Operational bool
	Details     interface{}
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Code so that copies carrying details or a cause still
// compare equal to their sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// WithDetails returns a copy of e carrying details.
func (e *Error) WithDetails(details interface{}) *Error {
	c := *e
	c.Details = details
	return &c
}

// Wrap returns a copy of e recording cause for operators.
func (e *Error) Wrap(cause error) *Error {
	c := *e
	c.Err = cause
	return &c
}

const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeUserAlreadyExists   = "USER_ALREADY_EXISTS"
	CodeUserNotFound        = "USER_NOT_FOUND"
	CodeInvalidCredentials  = "INVALID_CREDENTIALS"
	CodeWrongPassword       = "WRONG_PASSWORD"
	CodeEmailNotVerified    = "EMAIL_NOT_VERIFIED"
	CodeAccountSuspended    = "ACCOUNT_SUSPENDED"
	CodeAlreadyVerified     = "ALREADY_VERIFIED"
	CodeInvalidOTP          = "INVALID_OTP"
	CodeInvalidToken        = "INVALID_TOKEN"
	CodeAuthRequired        = "AUTHENTICATION_REQUIRED"
	CodeForbidden           = "FORBIDDEN"
	CodeNotFound            = "NOT_FOUND"
	CodeMethodNotAllowed    = "METHOD_NOT_ALLOWED"
	CodeEmailDeliveryFailed = "EMAIL_DELIVERY_FAILED"
	CodeInternal            = "INTERNAL_SERVER_ERROR"
)

// GenericMessage replaces the message of every non-operational error.
const GenericMessage = "Something went wrong. Please try again later."

func operational(code string, status int, message string) *Error {
	return &Error{Code: code, Message: message, Status: status, Operational: true}
}

var (
	ErrValidation         = operational(CodeValidation, http.StatusBadRequest, "Invalid data provided")
	ErrUserAlreadyExists  = operational(CodeUserAlreadyExists, http.StatusConflict, "An account with this email already exists. Please login instead.")
	ErrUserNotFound       = operational(CodeUserNotFound, http.StatusNotFound, "User not found")
	ErrInvalidCredentials = operational(CodeInvalidCredentials, http.StatusUnauthorized, "Invalid email or password")
	ErrWrongPassword      = operational(CodeWrongPassword, http.StatusUnauthorized, "Current password is incorrect")
	ErrEmailNotVerified   = operational(CodeEmailNotVerified, http.StatusForbidden, "Email is not verified. Please verify your email to continue.")
	ErrAccountSuspended   = operational(CodeAccountSuspended, http.StatusForbidden, "Your account is not active. Please contact support.")
	ErrAlreadyVerified    = operational(CodeAlreadyVerified, http.StatusBadRequest, "Email is already verified. Please login.")
	ErrInvalidOTP         = operational(CodeInvalidOTP, http.StatusBadRequest, "Invalid or expired OTP")
	ErrInvalidToken       = operational(CodeInvalidToken, http.StatusUnauthorized, "Invalid or expired token")
	ErrAuthRequired       = operational(CodeAuthRequired, http.StatusUnauthorized, "Authentication required")
	ErrForbidden          = operational(CodeForbidden, http.StatusForbidden, "You do not have permission to perform this action")
	ErrRouteNotFound      = operational(CodeNotFound, http.StatusNotFound, "Endpoint not found")
	ErrMethodNotAllowed   = operational(CodeMethodNotAllowed, http.StatusMethodNotAllowed, "Method not allowed")

	// ErrEmailDelivery is an infrastructure failure and is masked for clients.
	ErrEmailDelivery = &Error{Code: CodeEmailDeliveryFailed, Message: "Failed to send email", Status: http.StatusInternalServerError}
	ErrInternal      = &Error{Code: CodeInternal, Message: GenericMessage, Status: http.StatusInternalServerError}
)

// Validation builds a VALIDATION_ERROR keyed by field name.
func Validation(details map[string]string) *Error {
	return ErrValidation.WithDetails(details)
}

// Internal classifies an unexpected infrastructure failure.
func Internal(op string, err error) *Error {
	return ErrInternal.Wrap(fmt.Errorf("%s: %w", op, err))
}

// AsError classifies any error. Unclassified errors become internal errors.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return ErrInternal.Wrap(err)
}
