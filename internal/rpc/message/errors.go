package message

import "encoding/json"

// Standard JSON-RPC 2.0 error codes.
const (
	// ParseError indicates invalid JSON was received.
	ParseError = -32700

	// InvalidRequest indicates the JSON is not a valid Request object.
	InvalidRequest = -32600

	// MethodNotFound indicates the method does not exist.
	MethodNotFound = -32601

	// InvalidParams indicates invalid method parameters.
	InvalidParams = -32602

	// InternalError indicates an internal JSON-RPC error.
	InternalError = -32603
)

// Proxy-specific error codes (-32001 to -32004).
// These are reported to the client when the proxy cannot obtain a usable
// backend for a request.
const (
	// BackendSpawnFailed indicates the backend process could not be started.
	BackendSpawnFailed = -32001

	// BackendUnavailable indicates the backend died or cannot accept work.
	BackendUnavailable = -32002

	// BackendTimeout indicates the backend did not answer within the
	// configured request timeout.
	BackendTimeout = -32003

	// RoutingFailed indicates no workspace root could be resolved for the
	// request, or the proxy is shutting down.
	RoutingFailed = -32004
)

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// NewError creates a new JSON-RPC error.
func NewError(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// NewErrorWithData creates a new JSON-RPC error with additional data.
func NewErrorWithData(code int, message string, data interface{}) *Error {
	err := &Error{
		Code:    code,
		Message: message,
	}

	if data != nil {
		if d, e := json.Marshal(data); e == nil {
			err.Data = d
		}
	}

	return err
}

// Standard error constructors.

// ErrParseError creates a parse error.
func ErrParseError(message string) *Error {
	if message == "" {
		message = "Parse error"
	}
	return NewError(ParseError, message)
}

// ErrInvalidRequest creates an invalid request error.
func ErrInvalidRequest(message string) *Error {
	if message == "" {
		message = "Invalid Request"
	}
	return NewError(InvalidRequest, message)
}

// ErrInternalError creates an internal error.
func ErrInternalError(message string) *Error {
	if message == "" {
		message = "Internal error"
	}
	return NewError(InternalError, message)
}

// Proxy-specific error constructors. The workspace root is carried in the
// error data so the client can tell which backend failed.

// ErrBackendSpawnFailed creates a backend spawn failure error.
func ErrBackendSpawnFailed(root, message string) *Error {
	return NewErrorWithData(BackendSpawnFailed, "Backend spawn failed: "+message, map[string]string{
		"root": root,
	})
}

// ErrBackendUnavailable creates a backend unavailable error.
func ErrBackendUnavailable(root, message string) *Error {
	return NewErrorWithData(BackendUnavailable, "Backend unavailable: "+message, map[string]string{
		"root": root,
	})
}

// ErrBackendTimeout creates a backend timeout error.
func ErrBackendTimeout(root, message string) *Error {
	return NewErrorWithData(BackendTimeout, "Backend timeout: "+message, map[string]string{
		"root": root,
	})
}

// ErrRoutingFailed creates a routing failure error.
func ErrRoutingFailed(message string) *Error {
	if message == "" {
		message = "No workspace root available for routing"
	}
	return NewError(RoutingFailed, message)
}

// ErrorCodeName returns a human-readable name for an error code.
func ErrorCodeName(code int) string {
	switch code {
	case ParseError:
		return "ParseError"
	case InvalidRequest:
		return "InvalidRequest"
	case MethodNotFound:
		return "MethodNotFound"
	case InvalidParams:
		return "InvalidParams"
	case InternalError:
		return "InternalError"
	case BackendSpawnFailed:
		return "BackendSpawnFailed"
	case BackendUnavailable:
		return "BackendUnavailable"
	case BackendTimeout:
		return "BackendTimeout"
	case RoutingFailed:
		return "RoutingFailed"
	default:
		return "UnknownError"
	}
}
