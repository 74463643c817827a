package types

import (
	"errors"
	"fmt"
)

const (
	CodeRelayUnreachable  = "RELAY_UNREACHABLE"
	CodeConnectTimeout    = "CONNECT_TIMEOUT"
	CodeConnectFailed     = "CONNECT_FAILED"
	CodeHandshakeRejected = "HANDSHAKE_REJECTED"
	CodeNotConnected      = "NOT_CONNECTED"
	CodeAttachFailed      = "ATTACH_FAILED"
	CodeTabBusy           = "TAB_BUSY"
	CodeNoAttachedTab     = "NO_ATTACHED_TAB"
	CodeUnknownCommand    = "UNKNOWN_COMMAND"
	CodeValidation        = "VALIDATION"
	CodeConfigInvalid     = "CONFIG_INVALID"
	CodeHostUnavailable   = "HOST_UNAVAILABLE"
	CodeNotFound          = "NOT_FOUND"
)

// CodedError is a typed error used for stable mapping onto relay replies and
// HTTP statuses.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

// NewError builds a *CodedError.
func NewError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// Errorf builds a *CodedError with a formatted message and no cause.
func Errorf(code, format string, args ...any) error {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of the first CodedError in err's chain, or "".
func CodeOf(err error) string {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// Message returns the human-readable part of err. Relay replies carry this
// text so remote callers see "No attached tab for method X" rather than the
// code prefix.
func Message(err error) string {
	var coded *CodedError
	if errors.As(err, &coded) {
		if coded.Cause != nil {
			return coded.Message + ": " + coded.Cause.Error()
		}
		return coded.Message
	}
	return err.Error()
}
