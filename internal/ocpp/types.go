package ocpp

import (
	"encoding/json"
	"fmt"
)

// Variant identifies a negotiated OCPP-J subprotocol. The three built-in
// values are recognized everywhere; callers may register additional
// strings with their own router/handler tables.
type Variant string

const (
	Variant16  Variant = "ocpp1.6"
	Variant201 Variant = "ocpp2.0.1"
	Variant21  Variant = "ocpp2.1"
)

// Message type identifiers, first element of every OCPP-J frame array.
const (
	TypeCall       = 2
	TypeCallResult = 3
	TypeCallError  = 4
)

// Frame is a parsed OCPP-J RPC frame. RawMsgID retains the msgId exactly
// as it appeared on the wire so a CALLERROR can echo it even when it
// wasn't a JSON string - a deliberate compatibility quirk (spec §3).
type Frame struct {
	TypeID   int
	RawMsgID json.RawMessage
	MsgID    string
	IsString bool

	Action  string          // set for TypeCall
	Payload json.RawMessage // set for TypeCall and TypeCallResult

	ErrorCode        string // set for TypeCallError
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

// ParseFrame decodes a raw OCPP-J text frame into a Frame, or returns a
// *RPCError carrying FormationViolation, FormatViolation (non-string
// msgId) or MessageTypeNotSupported (unknown typeId) when the frame is
// invalid. RawMsgID is populated whenever the array has at least two
// elements, even when the rest of the frame is malformed, so callers
// can still echo it in a CALLERROR reply; the one exception is a 3-5
// element array whose typeId is not a number, which yields a nil Frame.
func ParseFrame(raw []byte) (*Frame, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return nil, NewRPCError(ErrFormationViolation, "frame is not a JSON array")
	}
	if len(arr) < 3 || len(arr) > 5 {
		f := &Frame{}
		if len(arr) >= 2 {
			f.RawMsgID = arr[1]
			f.MsgID, f.IsString = decodeMsgID(arr[1])
		}
		return f, NewRPCError(ErrFormationViolation, "frame array length out of range [3,5]")
	}

	var typeID int
	if err := json.Unmarshal(arr[0], &typeID); err != nil {
		return nil, NewRPCError(ErrFormationViolation, "typeId is not a number")
	}

	f := &Frame{TypeID: typeID, RawMsgID: arr[1]}
	f.MsgID, f.IsString = decodeMsgID(arr[1])
	if !f.IsString {
		// msgId must be a string; still echoable via RawMsgID.
		return f, NewRPCError(ErrFormatViolation, "msgId must be a string")
	}

	switch typeID {
	case TypeCall:
		if len(arr) != 4 {
			return f, NewRPCError(ErrFormationViolation, "CALL requires exactly 4 elements")
		}
		var action string
		if err := json.Unmarshal(arr[2], &action); err != nil {
			return f, NewRPCError(ErrFormationViolation, "action is not a string")
		}
		if !isJSONObject(arr[3]) {
			return f, NewRPCError(ErrFormationViolation, "payload is not a JSON object")
		}
		f.Action = action
		f.Payload = arr[3]
	case TypeCallResult:
		if len(arr) != 3 {
			return f, NewRPCError(ErrFormationViolation, "CALLRESULT requires exactly 3 elements")
		}
		f.Payload = arr[2]
	case TypeCallError:
		if len(arr) != 5 {
			return f, NewRPCError(ErrFormationViolation, "CALLERROR requires exactly 5 elements")
		}
		var code, desc string
		if err := json.Unmarshal(arr[2], &code); err != nil {
			return f, NewRPCError(ErrFormationViolation, "errorCode is not a string")
		}
		_ = json.Unmarshal(arr[3], &desc)
		f.ErrorCode = code
		f.ErrorDescription = desc
		f.ErrorDetails = arr[4]
	default:
		return f, NewRPCError(ErrMessageTypeNotSupported, fmt.Sprintf("unknown typeId %d", typeID))
	}
	return f, nil
}

func decodeMsgID(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	return "", false
}

func isJSONObject(raw json.RawMessage) bool {
	var m map[string]json.RawMessage
	return json.Unmarshal(raw, &m) == nil
}

// EncodeCall serializes a CALL frame: [2, msgId, action, payload].
func EncodeCall(msgID, action string, payload any) ([]byte, error) {
	return json.Marshal([]any{TypeCall, msgID, action, payload})
}

// EncodeCallResult serializes a CALLRESULT frame: [3, msgId, payload].
func EncodeCallResult(msgID string, payload any) ([]byte, error) {
	return json.Marshal([]any{TypeCallResult, msgID, payload})
}

// EncodeCallError serializes a CALLERROR frame: [4, msgId, code, description, details].
// rawMsgID lets the caller echo a non-string msgId verbatim; pass nil to
// emit the string msgID instead.
func EncodeCallError(rawMsgID json.RawMessage, msgID string, code, description string, details any) ([]byte, error) {
	if details == nil {
		details = map[string]any{}
	}
	var idElem any = msgID
	if rawMsgID != nil {
		idElem = rawMsgID
	}
	return json.Marshal([]any{TypeCallError, idElem, code, description, details})
}

// IsValidCloseCode reports whether code is a close code this runtime may
// emit: [1000,1014] \ {1004,1005,1006}, or [3000,4999].
func IsValidCloseCode(code int) bool {
	switch {
	case code >= 1000 && code <= 1014:
		return code != 1004 && code != 1005 && code != 1006
	case code >= 3000 && code <= 4999:
		return true
	default:
		return false
	}
}

// NormalizeCloseCode returns code if it is valid, otherwise 1000.
func NormalizeCloseCode(code int) int {
	if IsValidCloseCode(code) {
		return code
	}
	return 1000
}

// Standard close codes this runtime emits (spec §6).
const (
	CloseNormal     = 1000
	CloseEviction   = 1001
	CloseProtocol   = 1002
	CloseTooManyBad = 1007
	ClosePolicy     = 1008
	CloseOversize   = 1009
)
