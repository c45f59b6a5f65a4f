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

// Package target provides utilities shared by the modules that consume
// sessions from the relay queue and push them towards their final
// destination.
package target

import (
	"github.com/maitred-mta/maitred/framework/log"
	"github.com/maitred-mta/maitred/internal/session"
)

// DeliveryLogger returns a copy of l that attaches the session id to
// every logged message.
func DeliveryLogger(l log.Logger, s *session.Session) log.Logger {
	fields := make(map[string]interface{}, len(l.Fields)+1)
	for k, v := range l.Fields {
		fields[k] = v
	}
	fields["session"] = s.ID
	l.Fields = fields
	return l
}
