// Package chat holds the frontend-neutral message handler and the local
// console frontend.
//
// A frontend converts its native events into a Message and calls
// Handler.Handle. The handler posts a placeholder through the frontend's
// Messenger, blocks on the relay for the agent's answer and then replaces
// the placeholder with the answer, an "Error: ..." text, or a fixed notice
// when the agent returned nothing.
package chat
