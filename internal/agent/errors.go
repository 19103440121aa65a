// ABOUTME: Error taxonomy surfaced by the pool and dispatcher
// ABOUTME: Sentinels are matched with errors.Is; ProtocolError carries the agent payload

package agent

import (
	"errors"
	"fmt"
)

// ErrConnection indicates establishing a connection to the agent failed.
var ErrConnection = errors.New("agent connection failed")

// ErrProtocol indicates the agent explicitly reported a failed turn.
var ErrProtocol = errors.New("agent protocol error")

// ErrTransport indicates the stream broke while a turn was in progress.
var ErrTransport = errors.New("agent transport failed")

// ErrTurnTimeout indicates the turn deadline passed before the stream ended.
var ErrTurnTimeout = errors.New("agent turn timed out")

// ProtocolError is the failure reported by the agent mid-stream.
type ProtocolError struct {
	UserID  string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("agent error: %s", e.Message)
}

// Is reports whether target is ErrProtocol.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}
