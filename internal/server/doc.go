// Package server implements the linechat chat server: the TCP accept loop, the
// per-connection sessions, the command dispatcher, and the HTTP surface that
// serves health, status and a WebSocket transport for the same protocol.
//
// The implementation is organized into specialized files for configuration, hub
// management, sessions, dispatch, routing, and HTTP handlers.
package server
