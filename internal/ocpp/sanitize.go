package ocpp

import (
	"runtime/debug"
	"strings"

	"github.com/ocppware/ocppws-go/internal/logger"
)

// sensitivePatterns and internalErrorPatterns mirror the donor's error
// sanitizer (internal/mcp/errors.go): substrings that must never reach a
// charging station's CALLERROR description, logged in full locally
// instead.
var sensitivePatterns = []string{
	"api_key", "apikey", "token", "password", "secret", "credential", "authorization",
}

var internalErrorPatterns = []string{
	"connection refused", "no such file", "permission denied", "eof",
	"context canceled", "context deadline exceeded",
}

// ToCallError turns an arbitrary handler error into the *RPCError that
// should be sent as a CALLERROR. An error already carrying an OCPP-J
// code passes through unchanged. Anything else becomes InternalError,
// with its message sanitized unless respondWithDetailedErrors is set,
// in which case the original message (and a stack trace in Details) is
// preserved for debugging (spec §7).
func ToCallError(err error, action string, respondWithDetailedErrors bool) *RPCError {
	if rpcErr, ok := err.(*RPCError); ok {
		return rpcErr
	}

	msg := err.Error()
	logger.Error("handler for %s returned an internal error: %v", action, err)

	if respondWithDetailedErrors {
		return NewRPCErrorDetails(ErrInternalError, msg, map[string]any{"stack": string(debug.Stack())})
	}

	lower := strings.ToLower(msg)
	for _, p := range sensitivePatterns {
		if strings.Contains(lower, p) {
			return NewRPCError(ErrInternalError, "internal configuration error")
		}
	}
	for _, p := range internalErrorPatterns {
		if strings.Contains(lower, p) {
			return NewRPCError(ErrInternalError, "internal error")
		}
	}
	return NewRPCError(ErrInternalError, "an unexpected error occurred")
}

// RecoverAsError converts a recovered panic value into an error, for use
// at the top of handler invocation so a panicking action handler
// degrades to an InternalError CALLERROR instead of crashing the
// connection's goroutine.
func RecoverAsError(r any) error {
	if r == nil {
		return nil
	}
	if err, ok := r.(error); ok {
		return err
	}
	return NewRPCError(ErrInternalError, "handler panicked")
}
