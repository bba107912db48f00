package remote

import "fmt"

// ConnectionError reports a failure to establish the remote session:
// dial, handshake, host key verification or authentication.
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ExecutionError reports a command that could not be dispatched or completed
// after the session was established. A non-zero exit status is not an ExecutionError.
type ExecutionError struct {
	Address string
	Command string
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute %q on %s: %v", e.Command, e.Address, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
