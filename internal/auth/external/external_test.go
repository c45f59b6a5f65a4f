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

package external

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/maitred-mta/maitred/framework/module"
)

func testHelper(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	// Accepts only jdoe:letmein.
	const script = `#!/bin/sh
read user
read pass
[ "$user" = "jdoe" ] && [ "$pass" = "letmein" ] && exit 0
exit 1
`
	path := filepath.Join(t.TempDir(), "auth-helper")
	if err := os.WriteFile(path, []byte(script), 0o700); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAuthUsingHelper(t *testing.T) {
	helper := testHelper(t)

	if err := AuthUsingHelper(helper, "jdoe", "letmein"); err != nil {
		t.Error("Valid credentials rejected:", err)
	}
	if err := AuthUsingHelper(helper, "jdoe", "wrong"); !errors.Is(err, module.ErrUnknownCredentials) {
		t.Error("Wrong error for invalid password:", err)
	}
	if err := AuthUsingHelper(filepath.Join(t.TempDir(), "missing"), "jdoe", "letmein"); err == nil {
		t.Error("Missing helper accepted")
	}
}
