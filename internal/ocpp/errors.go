// Package ocpp holds the OCPP-J wire types: the CALL/CALLRESULT/CALLERROR
// frame shapes, the RPC error taxonomy, and the small closed lookup tables
// (schema keyword -> error code, valid close codes) that the rest of the
// runtime is built on.
package ocpp

import "fmt"

// Error codes, 1:1 with the OCPP-J CALLERROR error codes.
const (
	ErrGenericError                  = "GenericError"
	ErrNotImplemented                = "NotImplemented"
	ErrNotSupported                  = "NotSupported"
	ErrInternalError                 = "InternalError"
	ErrProtocolError                 = "ProtocolError"
	ErrSecurityError                 = "SecurityError"
	ErrFormationViolation            = "FormationViolation"
	ErrFormatViolation               = "FormatViolation"
	ErrPropertyConstraintViolation   = "PropertyConstraintViolation"
	ErrOccurrenceConstraintViolation = "OccurrenceConstraintViolation"
	// ErrOccurenceConstraintViolation is the legacy misspelling. Encoders
	// emitting a new error must use the correctly spelled constant above;
	// decoders must still accept this one on the wire.
	ErrOccurenceConstraintViolation = "OccurenceConstraintViolation"
	ErrTypeConstraintViolation      = "TypeConstraintViolation"
	ErrMessageTypeNotSupported      = "MessageTypeNotSupported"
	ErrRpcFrameworkError            = "RpcFrameworkError"
)

// RPCError is a CALLERROR in Go error clothing: a code, a human
// description, and optional structured details.
type RPCError struct {
	Code        string
	Description string
	Details     any
}

func (e *RPCError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Description)
	}
	return e.Code
}

// NewRPCError builds an RPCError with empty details.
func NewRPCError(code, description string) *RPCError {
	return &RPCError{Code: code, Description: description}
}

// NewRPCErrorDetails builds an RPCError carrying structured details.
func NewRPCErrorDetails(code, description string, details any) *RPCError {
	return &RPCError{Code: code, Description: description, Details: details}
}

// Transport-level errors. These never cross the wire as CALLERROR frames;
// they describe failures of the connection itself.
type TimeoutError struct{ Msg string }

func (e *TimeoutError) Error() string { return "timeout: " + e.Msg }

type UnexpectedHttpResponse struct {
	StatusCode int
	Msg        string
}

func (e *UnexpectedHttpResponse) Error() string {
	return fmt.Sprintf("unexpected http response (%d): %s", e.StatusCode, e.Msg)
}

type WebsocketUpgradeError struct{ Msg string }

func (e *WebsocketUpgradeError) Error() string { return "websocket upgrade error: " + e.Msg }

// ConnectionClosed is the rejection reason given to every pending call when
// a connection transitions to CLOSED.
type ConnectionClosed struct {
	Code   int
	Reason string
}

func (e *ConnectionClosed) Error() string {
	return fmt.Sprintf("connection closed (code %d): %s", e.Code, e.Reason)
}

// keywordErrorTable is the authoritative, closed JSON-Schema
// keyword -> OCPP error code mapping (spec §4.1). It is a plain lookup
// table, never runtime reflection over the schema library's keyword set.
var keywordErrorTable = map[string]string{
	"type": ErrTypeConstraintViolation,

	"required":             ErrOccurrenceConstraintViolation,
	"minItems":             ErrOccurrenceConstraintViolation,
	"maxItems":             ErrOccurrenceConstraintViolation,
	"minProperties":        ErrOccurrenceConstraintViolation,
	"maxProperties":        ErrOccurrenceConstraintViolation,
	"additionalProperties": ErrOccurrenceConstraintViolation,
	"additionalItems":      ErrOccurrenceConstraintViolation,
	"exclusiveMinimum":     ErrOccurrenceConstraintViolation,
	"exclusiveMaximum":     ErrOccurrenceConstraintViolation,
	"multipleOf":           ErrOccurrenceConstraintViolation,

	"enum":  ErrPropertyConstraintViolation,
	"const": ErrPropertyConstraintViolation,

	"minLength": ErrFormatViolation,
	"maxLength": ErrFormatViolation,
	"minimum":   ErrFormatViolation,
	"maximum":   ErrFormatViolation,
	"pattern":   ErrFormatViolation,
	"format":    ErrFormatViolation,
	"anyOf":     ErrFormatViolation,
	"oneOf":     ErrFormatViolation,
	"not":       ErrFormatViolation,
	"if":        ErrFormatViolation,
}

// KeywordToErrorCode maps a JSON-Schema validation keyword to the OCPP-J
// error code it should be reported as. Unknown keywords map to
// FormatViolation, per spec.
func KeywordToErrorCode(keyword string) string {
	if code, ok := keywordErrorTable[keyword]; ok {
		return code
	}
	return ErrFormatViolation
}
