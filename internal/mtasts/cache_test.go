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

package mtasts

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/maitred-mta/maitred/internal/testutils"
)

func TestNewFSStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "mtasts-cache")

	c, err := New("fs", dir, net.DefaultResolver, testutils.Logger(t, "mtasts"))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatal("store directory was not created:", err)
	}
	if !info.IsDir() {
		t.Fatal("store location is not a directory")
	}
	if c.Get == nil {
		t.Fatal("Get callback is not set")
	}
}

func TestNewRAMStore(t *testing.T) {
	c, err := New("ram", "", net.DefaultResolver, testutils.Logger(t, "mtasts"))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if c.Get == nil {
		t.Fatal("Get callback is not set")
	}
}

func TestGetCallbackOverride(t *testing.T) {
	c, err := New("ram", "", net.DefaultResolver, testutils.Logger(t, "mtasts"))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	c.Get = func(ctx context.Context, domain string) (*Policy, error) {
		return &Policy{
			Mode:   ModeEnforce,
			MaxAge: 300,
			MX:     []string{"mx.example.invalid"},
		}, nil
	}

	pol, err := c.Get(context.Background(), "example.invalid")
	if err != nil {
		t.Fatal(err)
	}
	if pol.Mode != ModeEnforce {
		t.Errorf("wrong policy mode: %v", pol.Mode)
	}
	if !pol.Match("mx.example.invalid") {
		t.Error("policy does not match its own MX")
	}
	if pol.Match("other.example.invalid") {
		t.Error("policy matches a foreign MX")
	}
}

func TestUpdaterStartClose(t *testing.T) {
	// Empty store, so the initial refresh is a no-op and no network I/O
	// happens. The test checks Close correctly stops the goroutine.
	c, err := New("ram", "", net.DefaultResolver, testutils.Logger(t, "mtasts"))
	if err != nil {
		t.Fatal(err)
	}

	c.StartUpdater()

	done := make(chan struct{})
	go func() {
		if err := c.Close(); err != nil {
			t.Error(err)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not stop the updater")
	}
}

func TestCloseWithoutUpdater(t *testing.T) {
	c, err := New("ram", "", net.DefaultResolver, testutils.Logger(t, "mtasts"))
	if err != nil {
		t.Fatal(err)
	}

	// No StartUpdater call, Close should still be safe.
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
}
