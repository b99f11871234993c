// Package logging configures the process-wide logrus logger.
package logging

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

// Init sets the level and output of the standard logger. Diagnostics go to
// stderr by default so they never mix with command output.
func Init(level string, out io.Writer) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	if out == nil {
		out = os.Stderr
	}
	log.SetOutput(out)
	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{
		DisableTimestamp: lvl < log.DebugLevel,
		FullTimestamp:    true,
	})
	return nil
}
