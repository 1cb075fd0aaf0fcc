// Package cli holds the presentation helpers shared by the mcphub commands:
// output flags, table rendering with go-pretty, JSON and YAML output,
// state colouring, progress spinners and "did you mean" suggestions.
//
// Commands build their rows from api types and hand them to a Table; the
// table decides between the rounded interactive style and a plain,
// kubectl-like layout suited to piping.
package cli
