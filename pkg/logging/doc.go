// Package logging provides the subsystem-tagged logger used across mcphub.
//
// It is a thin layer over log/slog. Every entry carries a subsystem
// attribute so output from the lifecycle controller, the stdio sessions and
// the discovery scanner can be told apart:
//
//	logging.InitForCLI(logging.LevelInfo, os.Stderr)
//	logging.Info("Lifecycle", "Started %s (pid %d)", name, pid)
//	logging.Error("Session", err, "Request %d failed", id)
//
// The CLI uses a text handler. `mcphub serve` switches to a JSON handler via
// InitForServe. Both write to stderr because stdout may carry protocol
// traffic.
package logging
