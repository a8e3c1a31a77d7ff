package util

import (
	"fmt"
	"os"
	"regexp"
	"runtime/debug"

	"github.com/fatih/color"
	"github.com/inconshreveable/log15"
)

// Log is the root logger. Commands hand out child loggers from here so that
// every message carries at least a subsystem key.
var Log = log15.New()

func init() {
	Log.SetHandler(log15.LvlFilterHandler(log15.LvlInfo, log15.StderrHandler))
}

// SetDebug lowers the root logger's level filter to debug.
func SetDebug() {
	Log.SetHandler(log15.LvlFilterHandler(log15.LvlDebug, log15.StderrHandler))
}

// Automatically print to stderr
func Println(a ...interface{}) {
	fmt.Fprintln(os.Stderr, a...)
}

// Unchecked errors
func Check(err error) {
	if err != nil {
		Println(err)
		Fatal(1)
	}
}

// Aims to match the $GOPATH/src this binary was compiled with, during stack trace output.
// Newline, tab, bunch of non-whitespace, "/src/", useful path, colon, line number.
var matchGoSrc = regexp.MustCompile(`(\n\t)/\S+/src/(\S+:[0-9]+)`)

// GracefulRecover will recover any panic, printing a stack trace then anything passed afterwards. Useful for reporting crashes to end-users.
func GracefulRecover(postamble ...interface{}) {
	if r := recover(); r != nil {
		stack := string(debug.Stack())
		stack = matchGoSrc.ReplaceAllString(stack, "$1$2")

		Println()
		Println(stack)
		Println("Crash report:", r)
		Println(postamble...)
		Println()
		Println(VersionString)
	}
}

func Fatal(exitCode int) {
	Println()
	Println(color.HiBlackString(VersionString))
	Println()
	os.Exit(exitCode)
}

// Exit with message
func FatalWithMessage(a ...interface{}) {
	Println(a...)
	Fatal(1)
}

// Populated by command.BuildCommand
var VersionString = ""
