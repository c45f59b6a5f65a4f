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

// Package parser reads back the server's own log format, one message
// per line:
//
//	2006-01-02T15:04:05.000Z [debug] module: message\t{"json":"context"}
//
// It is meant for log post-processing tools, the server itself only
// writes this format.
package parser

import (
	"encoding/json"
	"strings"
	"time"
)

// Msg is a single parsed log message.
type Msg struct {
	Stamp   time.Time
	Debug   bool
	Module  string
	Message string
	Context map[string]interface{}
}

// MalformedMsg is returned by Parse for lines that do not follow the
// format. Desc is a short human-readable summary of what is wrong.
type MalformedMsg struct {
	Line string
	Desc string
}

func (m MalformedMsg) Error() string {
	return "logparser: malformed message: " + m.Desc
}

const stampLayout = "2006-01-02T15:04:05.000Z"

// Parse decodes one log line, without the trailing newline.
func Parse(line string) (Msg, error) {
	sep := strings.IndexByte(line, '\t')
	if sep == -1 {
		return Msg{}, MalformedMsg{Line: line, Desc: "missing a tab separator"}
	}
	head := line[:sep]
	ctxJSON := line[sep+1:]

	firstSpace := strings.IndexByte(head, ' ')
	if firstSpace == -1 {
		return Msg{}, MalformedMsg{Line: line, Desc: "missing a timestamp"}
	}
	stamp, err := time.Parse(stampLayout, head[:firstSpace])
	if err != nil {
		return Msg{}, MalformedMsg{Line: line, Desc: "timestamp parse"}
	}

	msg := Msg{
		Stamp:   stamp,
		Context: map[string]interface{}{},
	}

	rest := head[firstSpace+1:]
	if strings.HasPrefix(rest, "[debug] ") {
		msg.Debug = true
		rest = strings.TrimPrefix(rest, "[debug] ")
	}

	// The module name is the part before the first ": ", unless it
	// contains spaces and therefore is part of the message itself.
	if colon := strings.Index(rest, ": "); colon != -1 && !strings.Contains(rest[:colon], " ") {
		msg.Module = rest[:colon]
		rest = rest[colon+2:]
	}
	msg.Message = rest

	if len(ctxJSON) != 0 {
		if err := json.Unmarshal([]byte(ctxJSON), &msg.Context); err != nil {
			return Msg{}, MalformedMsg{Line: line, Desc: "context parse"}
		}
	}

	return msg, nil
}
