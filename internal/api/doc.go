// Package api holds the types shared by every mcphub component: launch
// specifications, process records, the server state machine and the error
// taxonomy.
//
// The package has no dependencies on other mcphub packages so that the
// registry, the lifecycle controller, the stdio session and the CLI can all
// speak the same vocabulary without import cycles.
//
// # State machine
//
//	NotStarted -> Starting -> Running -> Stopping -> Stopped
//	                             |                      |
//	                             +--> Crashed ----------+--> Starting
//
// Zombie and Unknown are reached only by probing the OS process table.
// ValidateTransition enforces the table; callers never assign a state
// without going through it.
//
// # Errors
//
// Every error names the server it concerns. Setup and transport errors also
// carry the tail of the captured stderr so the CLI can show why a server
// failed without a second lookup. Use the Is* helpers, which unwrap, rather
// than type assertions.
package api
