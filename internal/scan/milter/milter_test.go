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

package milter

import (
	"testing"

	"github.com/maitred-mta/maitred/framework/config"
)

func TestAcceptValidEndpoints(t *testing.T) {
	for _, endpoint := range []string{
		"tcp://0.0.0.0:10025",
		"tcp://[::]:10025",
		"tcp:127.0.0.1:10025",
		"unix://path",
		"unix:path",
		"unix:/path",
		"unix:///path",
		"unix://also/path",
		"unix:///also/path",
	} {
		s := &Scanner{milterURL: endpoint}

		err := s.Init(&config.Map{})
		if err != nil {
			t.Errorf("Unexpected failure for %s: %v", endpoint, err)
			return
		}
	}
}

func TestRejectInvalidEndpoints(t *testing.T) {
	for _, endpoint := range []string{
		"tls://0.0.0.0:10025",
		"tls:0.0.0.0:10025",
	} {
		s := &Scanner{milterURL: endpoint}
		err := s.Init(&config.Map{})
		if err == nil {
			t.Errorf("Accepted invalid endpoint: %s", endpoint)
			return
		}
	}
}
