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

// Package netresource tracks listening sockets across configuration
// reloads and hands out duplicated listeners to endpoints, so an
// endpoint restart does not drop the port. It also supports inherited
// sockets (systemd socket activation) via the fd and fdname networks.
package netresource

import (
	"fmt"
	"net"
	"strconv"

	"github.com/maitred-mta/maitred/framework/log"
)

var tracker = NewListenerTracker(log.Logger{Name: "netresource"})

// CloseUnusedListeners closes all tracked listeners that were not
// requested since the last ResetListenersUsage call.
func CloseUnusedListeners() error {
	return tracker.CloseUnused()
}

// CloseListeners closes all tracked listeners. Called on shutdown.
func CloseListeners() error {
	return tracker.Close()
}

func ResetListenersUsage() {
	tracker.ResetUsage()
}

func Listen(network, addr string) (net.Listener, error) {
	switch network {
	case "fd":
		fd, err := strconv.ParseUint(addr, 10, strconv.IntSize)
		if err != nil {
			return nil, fmt.Errorf("invalid FD number: %v", addr)
		}
		return ListenFD(uint(fd))
	case "fdname":
		return ListenFDName(addr)
	case "tcp", "tcp4", "tcp6", "unix":
		return tracker.Get(network, addr)
	default:
		return nil, fmt.Errorf("unsupported network: %v", network)
	}
}
