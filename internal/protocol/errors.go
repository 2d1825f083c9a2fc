package protocol

import (
	"errors"
	"fmt"
)

// ErrConnectionClosed is returned by operations on a hung-up connection.
var ErrConnectionClosed = errors.New("protocol: connection closed")

// ProtocolError reports a message variant a component does not accept.
type ProtocolError struct {
	Component string
	Got       Kind
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s received unexpected %s", e.Component, e.Got)
}

// Unexpected builds a ProtocolError for m.
func Unexpected(component string, m Message) error {
	var k Kind
	if m != nil {
		k = m.Kind()
	}
	return &ProtocolError{Component: component, Got: k}
}

// IsProtocolError reports whether err is or wraps a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
