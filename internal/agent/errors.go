package agent

import (
	"fmt"

	"github.com/Kanishq-routerarchitects/sqlagent/internal/protocol"
)

// TimeoutError reports that no response for the given request id arrived
// before the per-request deadline. The id has been evicted from the
// pending table; a retry needs a fresh send.
type TimeoutError struct {
	ID int64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request timeout for message id %d", e.ID)
}

// RemoteError surfaces a JSON-RPC error object returned by the tool
// server, verbatim. It is scoped to the single request that produced it.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

func remoteError(pe *protocol.Error) *RemoteError {
	return &RemoteError{Code: pe.Code, Message: pe.Message}
}

// SessionClosedError reports that the session was shut down while the
// request was still pending, or that an operation was attempted on a
// closed session. It is terminal; there is nothing to retry against.
type SessionClosedError struct{}

func (e *SessionClosedError) Error() string { return "session closed" }
