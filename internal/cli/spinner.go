package cli

import (
	"io"
	"time"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Progress runs fn behind a spinner showing msg. The spinner is skipped
// when quiet is set. A failure leaves a red line in place of the spinner.
func Progress(w io.Writer, quiet bool, msg string, fn func() error) error {
	if quiet {
		return fn()
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(w))
	s.Suffix = " " + msg
	s.Start()
	err := fn()
	if err != nil {
		s.FinalMSG = text.FgRed.Sprint("✗ "+msg) + "\n"
	}
	s.Stop()
	return err
}
