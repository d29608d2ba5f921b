// Package protocol owns the wire contract shared by server, client and commands.
//
// Ownership boundary:
// - frame/header primitives (protocol/frame)
// - tag dispatch and the command registry (protocol/dispatch)
// - the command error taxonomy and its numeric codes
package protocol
