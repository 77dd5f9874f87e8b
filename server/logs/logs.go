/******************************************************************************
 *
 *  Description :
 *    Package exposes info, warning and error loggers.
 *
 *****************************************************************************/
package logs

import (
	"log"
	"os"
)

var (
	// Info logger for non-error messages.
	Info *log.Logger
	// Warn logger for recoverable problems.
	Warn *log.Logger
	// Err logger for errors.
	Err *log.Logger
)

func init() {
	Init(log.LstdFlags | log.Lshortfile)
}

// Init initializes the loggers with the given flags.
func Init(flags int) {
	Info = log.New(os.Stdout, "I", flags)
	Warn = log.New(os.Stdout, "W", flags)
	Err = log.New(os.Stderr, "E", flags)
}
