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

package netresource

import (
	"fmt"
	"net"

	"github.com/maitred-mta/maitred/framework/log"
	"github.com/maitred-mta/maitred/framework/resource"
)

type ListenerTracker struct {
	logger log.Logger
	tcp    *resource.Tracker[*net.TCPListener]
	unix   *resource.Tracker[*net.UnixListener]
}

func (lt *ListenerTracker) Get(network, addr string) (net.Listener, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
		l, err := lt.tcp.GetOpen(addr, func() (*net.TCPListener, error) {
			tcpAddr, err := net.ResolveTCPAddr(network, addr)
			if err != nil {
				return nil, err
			}
			lt.logger.DebugMsg("new listener", "network", network, "address", addr)
			return net.ListenTCP(network, tcpAddr)
		})
		if err != nil {
			return nil, err
		}

		// A duplicated listener is returned so that closing it in the
		// endpoint does not stop listening on the port.
		l2, err := dupTCPListener(l)
		if err != nil {
			return nil, err
		}
		return l2, nil
	case "unix":
		l, err := lt.unix.GetOpen(addr, func() (*net.UnixListener, error) {
			addr, err := net.ResolveUnixAddr(network, addr)
			if err != nil {
				return nil, err
			}
			lt.logger.DebugMsg("new listener", "network", network, "address", addr)
			return net.ListenUnix(network, addr)
		})
		if err != nil {
			return nil, err
		}

		l2, err := dupUnixListener(l)
		if err != nil {
			return nil, err
		}
		return l2, nil
	default:
		return nil, fmt.Errorf("unsupported network type: %s", network)
	}
}

func (lt *ListenerTracker) ResetUsage() {
	lt.tcp.MarkAllUnused()
	lt.unix.MarkAllUnused()
}

func (lt *ListenerTracker) CloseUnused() error {
	lt.tcp.CloseUnused(func(key string) bool {
		return false
	})
	lt.unix.CloseUnused(func(key string) bool {
		return false
	})
	return nil
}

func (lt *ListenerTracker) Close() error {
	lt.tcp.Close()
	lt.unix.Close()
	return nil
}

func NewListenerTracker(log log.Logger) *ListenerTracker {
	return &ListenerTracker{
		logger: log,
		tcp:    resource.NewTracker[*net.TCPListener](resource.NewSingleton[*net.TCPListener]()),
		unix:   resource.NewTracker[*net.UnixListener](resource.NewSingleton[*net.UnixListener]()),
	}
}
