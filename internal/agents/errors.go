package agents

import (
	"fmt"
	"strings"
)

// TransferError reports a transfer to an unknown or unusable agent.
type TransferError struct {
	Target    string
	Available []string
	Message   string
}

func (e *TransferError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = fmt.Sprintf("unknown agent %q", e.Target)
	}
	if len(e.Available) > 0 {
		return fmt.Sprintf("%s (available: %s)", msg, strings.Join(e.Available, ", "))
	}
	return msg
}

// NewTransferError builds a TransferError for the target with the agents
// that could have been addressed instead.
func NewTransferError(target string, available []string) *TransferError {
	return &TransferError{Target: target, Available: available}
}

// WithMessage overrides the default message.
func (e *TransferError) WithMessage(msg string) *TransferError {
	e.Message = msg
	return e
}
