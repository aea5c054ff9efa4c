package transport

import "time"

// Code is a machine readable outcome carried in every envelope.
type Code string

const (
	CodeSuccess Code = "SUCCESS"

	CodeAuthFailed   Code = "AUTH_FAILED"
	CodeTokenInvalid Code = "TOKEN_INVALID"
	CodeTokenMissing Code = "TOKEN_MISSING"

	CodeOrderNotFound          Code = "ORDER_NOT_FOUND"
	CodeOrderIDMissing         Code = "ORDER_ID_MISSING"
	CodeOrderInvalidStatus     Code = "ORDER_INVALID_STATUS"
	CodeOrderInvalidTransition Code = "ORDER_INVALID_TRANSITION"
	CodeOrderAssignmentFailed  Code = "ORDER_DRIVER_ASSIGNMENT_FAILED"
	CodeNoAvailableDriver      Code = "NO_AVAILABLE_DRIVER"

	CodeDriverNotFound      Code = "DRIVER_NOT_FOUND"
	CodeDriverOffline       Code = "DRIVER_OFFLINE"
	CodeDriverBusy          Code = "DRIVER_BUSY"
	CodeLocationInvalid     Code = "LOCATION_INVALID"
	CodeDriverNotAuthorized Code = "DRIVER_NOT_AUTHORIZED"

	CodeInvalidParams    Code = "INVALID_PARAMS"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeServerError      Code = "SERVER_ERROR"
)

// Envelope wraps every reply and notification sent to clients.
type Envelope struct {
	IsSuccess   bool      `json:"is_success"`
	Timestamp   time.Time `json:"timestamp"`
	MessageCode Code      `json:"message_code"`
	Data        any       `json:"data,omitempty"`
}

// Success wraps data in a successful envelope.
func Success(at time.Time, data any) Envelope {
	return Envelope{IsSuccess: true, Timestamp: at, MessageCode: CodeSuccess, Data: data}
}

// Failure builds an error envelope.
func Failure(at time.Time, code Code, data any) Envelope {
	return Envelope{IsSuccess: false, Timestamp: at, MessageCode: code, Data: data}
}
