// Package errors defines the operational error taxonomy shared by all
// platform services and the HTTP layer.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code identifies a stable error kind. Codes are part of the public API
// contract and must not be renamed.
type Code string

const (
	CodeAuthInvalid     Code = "AUTH_INVALID"
	CodeAuthExpired     Code = "AUTH_EXPIRED"
	CodeAuthForbidden   Code = "AUTH_FORBIDDEN"
	CodeAuthRateLimited Code = "AUTH_RATELIMITED"

	CodeValidationInvalid Code = "VALIDATION_INVALID"
	CodeValidationMissing Code = "VALIDATION_MISSING"

	CodeProviderUnavailable Code = "PROVIDER_UNAVAILABLE"
	CodeProviderTimeout     Code = "PROVIDER_TIMEOUT"
	CodeProviderBadResponse Code = "PROVIDER_BAD_RESPONSE"
	CodeProviderRateLimited Code = "PROVIDER_RATELIMITED"
	CodeOutOfStock          Code = "OUT_OF_STOCK"
	CodeBadService          Code = "BAD_SERVICE"
	CodeBadKey              Code = "BAD_KEY"

	CodeInsufficientFunds Code = "INSUFFICIENT_FUNDS"
	CodeWalletTxFailed    Code = "WALLET_TX_FAILED"
	CodePaymentFailed     Code = "PAYMENT_FAILED"

	CodeActivationFailed  Code = "SMS_ACTIVATION_FAILED"
	CodeNumberUnavailable Code = "SMS_NUMBER_UNAVAILABLE"
	CodeNotRefundable     Code = "NOT_REFUNDABLE"

	CodeSystemDB      Code = "SYSTEM_DB"
	CodeSystemCache   Code = "SYSTEM_CACHE"
	CodeSystemQueue   Code = "SYSTEM_QUEUE"
	CodeSystemUnknown Code = "SYSTEM_UNKNOWN"
)

var statusByCode = map[Code]int{
	CodeAuthInvalid:         http.StatusUnauthorized,
	CodeAuthExpired:         http.StatusUnauthorized,
	CodeAuthForbidden:       http.StatusForbidden,
	CodeAuthRateLimited:     http.StatusTooManyRequests,
	CodeValidationInvalid:   http.StatusBadRequest,
	CodeValidationMissing:   http.StatusBadRequest,
	CodeProviderUnavailable: http.StatusBadGateway,
	CodeProviderTimeout:     http.StatusBadGateway,
	CodeProviderBadResponse: http.StatusBadGateway,
	CodeProviderRateLimited: http.StatusTooManyRequests,
	CodeOutOfStock:          http.StatusConflict,
	CodeBadService:          http.StatusBadRequest,
	CodeBadKey:              http.StatusBadGateway,
	CodeInsufficientFunds:   http.StatusPaymentRequired,
	CodeWalletTxFailed:      http.StatusInternalServerError,
	CodePaymentFailed:       http.StatusPaymentRequired,
	CodeActivationFailed:    http.StatusInternalServerError,
	CodeNumberUnavailable:   http.StatusNotFound,
	CodeNotRefundable:       http.StatusConflict,
	CodeSystemDB:            http.StatusInternalServerError,
	CodeSystemCache:         http.StatusInternalServerError,
	CodeSystemQueue:         http.StatusInternalServerError,
	CodeSystemUnknown:       http.StatusInternalServerError,
}

// ServiceError is an operational error with a stable code, a safe
// user-facing message and an HTTP status. The wrapped cause is never
// serialized to callers.
type ServiceError struct {
	Code       Code
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
	Err        error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Is matches two service errors by code so sentinel comparisons work
// through wrapping.
func (e *ServiceError) Is(target error) bool {
	var se *ServiceError
	if stderrors.As(target, &se) {
		return e.Code == se.Code
	}
	return false
}

// WithDetails returns a copy carrying an extra detail entry. Details are
// for logs and diagnostics, not for API responses.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	out := *e
	out.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		out.Details[k] = v
	}
	out.Details[key] = value
	return &out
}

// WithStatus returns a copy with an overridden HTTP status.
func (e *ServiceError) WithStatus(status int) *ServiceError {
	out := *e
	out.HTTPStatus = status
	return &out
}

// New constructs a ServiceError for the given code.
func New(code Code, message string, cause error) *ServiceError {
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &ServiceError{Code: code, Message: message, HTTPStatus: status, Err: cause}
}

// GetServiceError extracts a ServiceError from err's chain, or nil.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// IsCode reports whether err's chain carries a ServiceError with code.
func IsCode(err error, code Code) bool {
	se := GetServiceError(err)
	return se != nil && se.Code == code
}

func Unauthorized(message string) *ServiceError {
	return New(CodeAuthInvalid, message, nil)
}

func InvalidToken(cause error) *ServiceError {
	return New(CodeAuthInvalid, "Invalid or malformed token", cause)
}

func TokenExpired() *ServiceError {
	return New(CodeAuthExpired, "Token has expired", nil)
}

func Forbidden(message string) *ServiceError {
	return New(CodeAuthForbidden, message, nil)
}

func AuthRateLimited(message string) *ServiceError {
	return New(CodeAuthRateLimited, message, nil)
}

func Validation(message string) *ServiceError {
	return New(CodeValidationInvalid, message, nil)
}

func MissingField(field string) *ServiceError {
	return New(CodeValidationMissing, fmt.Sprintf("Missing required field: %s", field), nil)
}

func NotFound(resource string) *ServiceError {
	return New(CodeValidationInvalid, fmt.Sprintf("%s not found", resource), nil).
		WithStatus(http.StatusNotFound)
}

func ProviderUnavailable(provider string, cause error) *ServiceError {
	return New(CodeProviderUnavailable, "Provider temporarily unavailable", cause).
		WithDetails("provider", provider)
}

func ProviderTimeout(provider string, cause error) *ServiceError {
	return New(CodeProviderTimeout, "Provider request timed out", cause).
		WithDetails("provider", provider)
}

func ProviderBadResponse(provider string, cause error) *ServiceError {
	return New(CodeProviderBadResponse, "Provider returned an unexpected response", cause).
		WithDetails("provider", provider)
}

func ProviderRateLimited(provider string, retryAfterSeconds int) *ServiceError {
	return New(CodeProviderRateLimited, "Provider rate limit reached", nil).
		WithDetails("provider", provider).
		WithDetails("retry_after_seconds", retryAfterSeconds)
}

func OutOfStock() *ServiceError {
	return New(CodeOutOfStock, "No numbers available for this selection", nil)
}

func BadService(service string) *ServiceError {
	return New(CodeBadService, "Service is not supported by this provider", nil).
		WithDetails("service", service)
}

func BadKey(provider string) *ServiceError {
	return New(CodeBadKey, "Provider rejected the configured credentials", nil).
		WithDetails("provider", provider)
}

func InsufficientFunds() *ServiceError {
	return New(CodeInsufficientFunds, "Insufficient wallet balance", nil)
}

func WalletTxFailed(cause error) *ServiceError {
	return New(CodeWalletTxFailed, "Wallet transaction failed", cause)
}

func PaymentFailed(message string, cause error) *ServiceError {
	return New(CodePaymentFailed, message, cause)
}

func ActivationFailed(cause error) *ServiceError {
	return New(CodeActivationFailed, "Activation could not be completed", cause)
}

func NumberUnavailable() *ServiceError {
	return New(CodeNumberUnavailable, "Number is no longer available", nil)
}

func NotRefundable(state string) *ServiceError {
	return New(CodeNotRefundable, "Activation is not refundable in its current state", nil).
		WithDetails("state", state)
}

func Database(cause error) *ServiceError {
	return New(CodeSystemDB, "Storage operation failed", cause)
}

func Cache(cause error) *ServiceError {
	return New(CodeSystemCache, "Cache operation failed", cause)
}

func Queue(cause error) *ServiceError {
	return New(CodeSystemQueue, "Queue operation failed", cause)
}

func Internal(message string, cause error) *ServiceError {
	return New(CodeSystemUnknown, message, cause)
}
