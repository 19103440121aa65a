// Package matrix is the Matrix chat frontend.
//
// Bot syncs with an access token, turns text messages from allowed rooms
// into chat.Message values and posts answers as notices that are later
// edited in place. It also serves as the file delivery sink: documents are
// uploaded to the media repository and announced with an m.file event.
// End-to-end encryption is not supported.
package matrix
