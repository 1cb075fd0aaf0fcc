// Package app wires the mcphub components together for the commands.
//
// NewApplication loads the configuration (walking up from the working
// directory unless a path is given), opens the shared process state file
// and builds the process table, registry, port allocator, discovery scanner,
// lifecycle controller and tool hub. The Mode decides how spawned servers
// are connected:
//
//   - ModeAttached: stdio pipes owned by this process, used by serve, repl,
//     tools and call.
//   - ModeForeground: the server inherits the terminal, used by run.
//   - ModeDetached: stdio goes to /dev/null so the server outlives the
//     command, used by start and restart.
//
// Serve runs the long-lived hub: it starts every enabled server, keeps the
// aggregated tool list in sync, serves the operator HTTP API and reloads the
// configuration when the file changes.
package app
