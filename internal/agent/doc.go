// Package agent multiplexes chat users onto persistent agent connections.
//
// # Overview
//
// Each user gets exactly one Connection to the external agent. The
// connection is created lazily on that user's first turn and reused for
// every later turn until something goes wrong, at which point it is reset
// and the next turn starts from a fresh connection.
//
// # Pool
//
// The Pool tracks connections by user ID:
//
//	pool := agent.NewPool(transport, logger)
//
// Key operations:
//
//   - GetOrCreate(ctx, userID): return the live connection or connect one
//   - Reset(userID): close and forget the user's connection (never fails)
//   - Has(userID), Len(): introspection
//   - Close(): reset everything on shutdown
//
// A failed connect leaves no entry behind. Concurrent connects for the
// same user collapse into a single dial.
//
// # Dispatcher
//
// The Dispatcher runs one turn:
//
//  1. Ensures the connection completed its handshake
//  2. Sends the user's text
//  3. Consumes StreamEvents until a terminal event or io.EOF
//  4. Returns the newline-joined text
//
// Event handling:
//
//   - EventText: appended in arrival order
//   - EventResult: summary appended unless it repeats the fragments
//   - EventError: connection reset, *ProtocolError returned
//   - EventToolCall: ToolInvoker runs the capability, result sent back
//
// Transport failures and exceeded deadlines also reset the connection,
// so a broken stream never leaks into the user's next turn.
//
// # Thread Safety
//
// Pool and Connection are safe for concurrent use. A single Connection
// carries one turn at a time; callers must not overlap turns for the same
// user.
package agent
