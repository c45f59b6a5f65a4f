/*
Maitred - programmable mail transfer agent.
Copyright © 2024-2026 The Maitred Authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package log implements a minimalistic logging library used
// across the server.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/maitred-mta/maitred/framework/exterrors"
	"go.uber.org/zap"
)

// Logger writes formatted messages to the underlying log.Output object.
//
// Logger is stateless and can be copied freely. The underlying log.Output,
// however, is shared between copies.
//
// Each message is prefixed with the logger name. Timestamp and debug flag
// rendering is the responsibility of log.Output.
//
// Logger does not serialize writes, it is up to the log.Output to provide
// goroutine-safety if it is needed.
type Logger struct {
	Out   Output
	Name  string
	Debug bool

	// Additional fields added to every Msg/Error output of this logger.
	Fields map[string]interface{}
}

// Zap returns a *zap.Logger that forwards entries to this Logger.
//
// It exists for libraries that insist on a zap logger (see the ACME
// certificate loader).
func (l Logger) Zap() *zap.Logger {
	return zap.New(zapCore{l: l})
}

func (l Logger) Debugf(format string, val ...interface{}) {
	if !l.Debug {
		return
	}
	l.log(true, l.formatMsg(fmt.Sprintf(format, val...), nil))
}

func (l Logger) Debugln(val ...interface{}) {
	if !l.Debug {
		return
	}
	l.log(true, l.formatMsg(strings.TrimRight(fmt.Sprintln(val...), "\n"), nil))
}

func (l Logger) Printf(format string, val ...interface{}) {
	l.log(false, l.formatMsg(fmt.Sprintf(format, val...), nil))
}

func (l Logger) Println(val ...interface{}) {
	l.log(false, l.formatMsg(strings.TrimRight(fmt.Sprintln(val...), "\n"), nil))
}

// Msg writes an event log message in a machine-readable format:
//
//	name: msg\t{"key":"value","key2":"value2"}
//
// The fields slice contains key strings each followed by the corresponding
// value, e.g. []interface{}{"key", "value", "key2", "value2"}.
//
// If a value implements LogFormatter, it is represented by the string
// returned by FormatLog. The same applies to fmt.Stringer and error values.
// time.Time is rendered as ISO 8601, time.Duration via String.
func (l Logger) Msg(msg string, fields ...interface{}) {
	m := make(map[string]interface{}, len(fields)/2)
	fieldsToMap(fields, m)
	l.log(false, l.formatMsg(msg, m))
}

// Error writes an event log message describing the error. If err carries
// structured fields (see exterrors.Fields), they are merged into the
// message, followed by values from the fields slice as handled by Msg.
//
// msg should name the top-level context in which the error is *handled*,
// e.g. "DATA error" when the error leads to the rejection of a DATA
// command.
func (l Logger) Error(msg string, err error, fields ...interface{}) {
	if err == nil {
		return
	}

	errFields := exterrors.Fields(err)
	allFields := make(map[string]interface{}, len(fields)+len(errFields)+2)
	for k, v := range errFields {
		allFields[k] = v
	}

	// An existing 'reason' field usually explains the failure better than
	// the error text itself.
	if allFields["reason"] == nil {
		allFields["reason"] = err.Error()
	}
	fieldsToMap(fields, allFields)

	l.log(false, l.formatMsg(msg, allFields))
}

func (l Logger) DebugMsg(kind string, fields ...interface{}) {
	if !l.Debug {
		return
	}
	m := make(map[string]interface{}, len(fields)/2)
	fieldsToMap(fields, m)
	l.log(true, l.formatMsg(kind, m))
}

func fieldsToMap(fields []interface{}, out map[string]interface{}) {
	var lastKey string
	for i, val := range fields {
		if i%2 == 0 {
			key, ok := val.(string)
			if !ok {
				// Misformatted arguments, attempt to provide a useful
				// message anyway.
				out[fmt.Sprint("field", i)] = key
				continue
			}
			lastKey = key
		} else {
			out[lastKey] = val
		}
	}
}

func (l Logger) formatMsg(msg string, fields map[string]interface{}) string {
	formatted := strings.Builder{}

	formatted.WriteString(msg)
	formatted.WriteRune('\t')

	if len(l.Fields)+len(fields) != 0 {
		if fields == nil {
			fields = make(map[string]interface{})
		}
		for k, v := range l.Fields {
			fields[k] = v
		}
		if err := marshalOrderedJSON(&formatted, fields); err != nil {
			// Fall back to printing the message with minimal processing.
			return fmt.Sprintf("[BROKEN FORMATTING: %v] %v %+v", err, msg, fields)
		}
	}

	return formatted.String()
}

// LogFormatter is implemented by values that want to control their
// rendering in structured log fields.
type LogFormatter interface {
	FormatLog() string
}

// Write implements io.Writer, every byte slice sent to it is written as a
// separate log message. No line buffering is done.
func (l Logger) Write(s []byte) (int, error) {
	l.log(false, strings.TrimRight(string(s), "\n"))
	return len(s), nil
}

// DebugWriter returns a writer that acts like Logger.Write but marks
// messages as debug. If Logger.Debug is false, the returned writer
// discards everything.
func (l Logger) DebugWriter() io.Writer {
	if !l.Debug {
		return io.Discard
	}
	l.Debug = true
	return &l
}

func (l Logger) log(debug bool, s string) {
	if l.Name != "" {
		s = l.Name + ": " + s
	}

	if l.Out != nil {
		l.Out.Write(time.Now(), debug, s)
		return
	}
	if DefaultLogger.Out != nil {
		DefaultLogger.Out.Write(time.Now(), debug, s)
		return
	}

	// Logging is disabled - do nothing.
}

// DefaultLogger is the global Logger object used by package-level logging
// functions and by Loggers with a nil Out.
//
// As with all other Loggers, it is not goroutine-safe on its own, the
// underlying log.Output may provide necessary serialization.
var DefaultLogger = Logger{Out: WriterOutput(os.Stderr, false)}

func Debugf(format string, val ...interface{}) { DefaultLogger.Debugf(format, val...) }
func Debugln(val ...interface{})               { DefaultLogger.Debugln(val...) }
func Printf(format string, val ...interface{}) { DefaultLogger.Printf(format, val...) }
func Println(val ...interface{})               { DefaultLogger.Println(val...) }
