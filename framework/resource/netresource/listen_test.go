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
	"testing"

	"github.com/maitred-mta/maitred/framework/log"
)

func TestListenerTracker_ReusesSocket(t *testing.T) {
	lt := NewListenerTracker(log.Logger{Name: "test"})
	defer lt.Close()

	l1, err := lt.Get("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l1.Addr().String()

	// Closing the handed-out listener must not release the tracked
	// socket. A second request for the same key gets the same port.
	if err := l1.Close(); err != nil {
		t.Fatal(err)
	}

	l2, err := lt.Get("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Close()

	if l2.Addr().String() != addr {
		t.Errorf("second Get returned %s, want the tracked socket %s", l2.Addr(), addr)
	}
}

func TestListenerTracker_CloseUnused(t *testing.T) {
	lt := NewListenerTracker(log.Logger{Name: "test"})
	defer lt.Close()

	l1, err := lt.Get("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	l1.Close()

	lt.ResetUsage()
	if err := lt.CloseUnused(); err != nil {
		t.Fatal(err)
	}

	// The tracked socket is gone, a new Get binds a fresh one.
	l2, err := lt.Get("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	l2.Close()
}

func TestListen_UnsupportedNetwork(t *testing.T) {
	if _, err := Listen("udp", "127.0.0.1:0"); err == nil {
		t.Error("expected an error for udp")
	}
}
