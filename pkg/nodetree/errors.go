package nodetree

import (
	"errors"
	"fmt"

	"labkit/internal/protocol"
)

var (
	// ErrNodeNotFound is returned when a path does not name a known node.
	ErrNodeNotFound = errors.New("node not found")
	// ErrReadOnly is returned when writing a node without the Write property.
	ErrReadOnly = errors.New("node is read-only")
	// ErrTypeMismatch is returned when a value cannot be coerced to the
	// node's type.
	ErrTypeMismatch = errors.New("value type mismatch")
	// ErrNoMatches is returned when a wildcard pattern resolves to nothing.
	ErrNoMatches = errors.New("no nodes match pattern")
	// ErrNotSupported is returned when the hub rejects an operation as
	// unsupported for the target, e.g. node docs on MK1 devices.
	ErrNotSupported = errors.New("operation not supported")
	// ErrTxDone is returned when a committed transaction is reused.
	ErrTxDone = errors.New("transaction already committed")
)

// wrapHubError maps hub protocol error codes onto package sentinels so
// callers can test with errors.Is while keeping the hub message.
func wrapHubError(err error) error {
	if err == nil {
		return nil
	}
	var he *protocol.Error
	if !errors.As(err, &he) {
		return err
	}
	switch he.Code {
	case protocol.CodeNodeNotFound:
		return fmt.Errorf("%w: %s", ErrNodeNotFound, he.Message)
	case protocol.CodeReadOnly:
		return fmt.Errorf("%w: %s", ErrReadOnly, he.Message)
	case protocol.CodeTypeMismatch:
		return fmt.Errorf("%w: %s", ErrTypeMismatch, he.Message)
	case protocol.CodeUnsupported:
		return fmt.Errorf("%w: %s", ErrNotSupported, he.Message)
	}
	return err
}
