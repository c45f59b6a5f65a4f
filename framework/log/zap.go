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

package log

import (
	"go.uber.org/zap/zapcore"
)

// zapCore adapts Logger to zapcore.Core for libraries that require a
// zap logger.

type zapCore struct {
	l Logger
}

func (c zapCore) Enabled(level zapcore.Level) bool {
	if c.l.Debug {
		return true
	}
	return level > zapcore.DebugLevel
}

func (c zapCore) With(fields []zapcore.Field) zapcore.Core {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}
	newF := make(map[string]interface{}, len(c.l.Fields)+len(enc.Fields))
	for k, v := range c.l.Fields {
		newF[k] = v
	}
	for k, v := range enc.Fields {
		newF[k] = v
	}
	c.l.Fields = newF
	return c
}

func (c zapCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return ce.AddCore(entry, c)
	}
	return ce
}

func (c zapCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}
	if entry.LoggerName != "" {
		c.l.Name += "/" + entry.LoggerName
	}
	c.l.log(entry.Level == zapcore.DebugLevel, c.l.formatMsg(entry.Message, enc.Fields))
	return nil
}

func (zapCore) Sync() error {
	return nil
}
