// Package commands owns the built-in command handlers registered at startup.
//
// Ownership boundary:
// - tag and name assignments for built-in commands
// - payload formats of those commands
// - installation into a dispatch.Builder before it is frozen
package commands
