package tracker

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidRequest is returned when an operation is not valid in the tracker's current
	// state. The state is left unchanged.
	ErrInvalidRequest = errors.New("request not valid in current tracker state")

	// ErrIndexOutOfRange is returned when a port or tool index does not name a tool. The call
	// has no effect.
	ErrIndexOutOfRange = errors.New("port or tool index out of range")

	// ErrNoReferenceTool is returned when poses are to be expressed relative to a reference tool
	// that the tracker does not have, e.g. after the tools were deactivated.
	ErrNoReferenceTool = errors.New("reference tool not available")
)

// OperationError reports a lifecycle operation or poll cycle whose hardware call failed. State is
// the state the tracker fell back to.
type OperationError struct {
	Op    string
	State State
	Err   error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("tracker %s failed, state is %s: %v", e.Op, e.State, e.Err)
}

// Unwrap returns the adapter error.
func (e *OperationError) Unwrap() error {
	return e.Err
}

func newInvalidRequestError(request input, state State) error {
	return errors.Wrapf(ErrInvalidRequest, "%s requested while %s", request, state)
}

func newIndexOutOfRangeError(port, tool int) error {
	return errors.Wrapf(ErrIndexOutOfRange, "port %d tool %d", port, tool)
}
