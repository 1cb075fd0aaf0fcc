// Package repl provides an interactive shell for managing servers and
// calling their tools.
//
// The shell uses readline for history and tab completion. Commands are
// small handlers registered by name; completion offers server names and,
// once a server is chosen, the names of its tools.
package repl
