package detsim

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strings"
	"sync"
	"time"

	"4d63.com/tz"
)

// for tons of debug output
var verbose bool = false

var utcTz *time.Location
var gtz *time.Location

func init() {
	var err error
	utcTz, err = tz.LoadLocation("UTC")
	panicOn(err)
	gtz = utcTz
}

const rfc3339NanoNumericTZ0pad = "2006-01-02T15:04:05.000000000-07:00"

func nice9(tm time.Time) string {
	return tm.In(gtz).Format(rfc3339NanoNumericTZ0pad)
}

func vv(format string, a ...interface{}) {
	if verbose {
		tsPrintf(format, a...)
	}
}

func alwaysPrintf(format string, a ...interface{}) {
	tsPrintf(format, a...)
}

// TsPrintfMut keeps log lines from interleaving.
var TsPrintfMut sync.Mutex

// time-stamped printf
func tsPrintf(format string, a ...interface{}) {
	TsPrintfMut.Lock()
	printf("\n%s %s ", fileLine(3), ts())
	printf(format+"\n", a...)
	TsPrintfMut.Unlock()
}

// get timestamp for logging purposes
func ts() string {
	return time.Now().In(gtz).Format(rfc3339NanoNumericTZ0pad)
}

// so we can multi write easily, use our own printf
var ourStdout io.Writer = os.Stdout

func printf(format string, a ...interface{}) (n int, err error) {
	return fmt.Fprintf(ourStdout, format, a...)
}

func fileLine(depth int) string {
	_, fileName, fileLine, ok := runtime.Caller(depth)
	var s string
	if ok {
		s = fmt.Sprintf("%s:%d", path.Base(fileName), fileLine)
	} else {
		s = ""
	}
	return s
}

// logf is the runtime's own event log. Lines are stamped
// with virtual time, so they are identical across replays.
func (rt *Runtime) logf(format string, a ...interface{}) {
	if !rt.cfg.Verbose {
		return
	}
	TsPrintfMut.Lock()
	defer TsPrintfMut.Unlock()
	who := ""
	if rt.current != nil {
		who = fmt.Sprintf(" [%v@%v]", rt.current.id, rt.current.addr)
	}
	msg := fmt.Sprintf(format, a...)
	printf("%s%s %s\n", rt.clock.Now().StringWall(rt.cfg.Epoch), who, strings.TrimRight(msg, "\n"))
}
