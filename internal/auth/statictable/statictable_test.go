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

package statictable

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/GehirnInc/crypt"

	"github.com/maitred-mta/maitred/framework/module"
	"github.com/maitred-mta/maitred/internal/testutils"
)

func testTable(t *testing.T, lines string) *Auth {
	t.Helper()

	path := filepath.Join(t.TempDir(), "credentials")
	if err := os.WriteFile(path, []byte(lines), 0o600); err != nil {
		t.Fatal(err)
	}

	mod, err := New(modName, "", nil, []string{path})
	if err != nil {
		t.Fatal(err)
	}
	a := mod.(*Auth)
	a.log = testutils.Logger(t, modName)
	if err := a.Reload(); err != nil {
		t.Fatal(err)
	}
	return a
}

func TestAuthPlain(t *testing.T) {
	hash, err := HashCompute[HashBcrypt](HashOpts{BcryptCost: 10}, "letmein")
	if err != nil {
		t.Fatal(err)
	}

	a := testTable(t, "# test credentials\n\njdoe:bcrypt:"+hash+"\n")

	if err := a.AuthPlain("jdoe", "letmein"); err != nil {
		t.Error("Valid credentials rejected:", err)
	}
	if err := a.AuthPlain("jdoe", "wrong"); err == nil {
		t.Error("Invalid password accepted")
	}
	if err := a.AuthPlain("nonexistent", "letmein"); !errors.Is(err, module.ErrUnknownCredentials) {
		t.Error("Wrong error for unknown user:", err)
	}
}

func TestAuthPlainArgon2(t *testing.T) {
	hash, err := HashCompute[HashArgon2](HashOpts{
		Argon2Time:    1,
		Argon2Memory:  1024,
		Argon2Threads: 1,
	}, "letmein")
	if err != nil {
		t.Fatal(err)
	}

	a := testTable(t, "jdoe:argon2:"+hash+"\n")

	if err := a.AuthPlain("jdoe", "letmein"); err != nil {
		t.Error("Valid credentials rejected:", err)
	}
	if err := a.AuthPlain("jdoe", "wrong"); err == nil {
		t.Error("Invalid password accepted")
	}
}

func TestAuthPlainSHA256(t *testing.T) {
	hash, err := HashCompute[HashSHA256](HashOpts{}, "letmein")
	if err != nil {
		t.Fatal(err)
	}

	a := testTable(t, "jdoe:sha256:"+hash+"\n")

	if err := a.AuthPlain("jdoe", "letmein"); err != nil {
		t.Error("Valid credentials rejected:", err)
	}
	if err := a.AuthPlain("jdoe", "wrong"); err == nil {
		t.Error("Invalid password accepted")
	}
}

func TestAuthPlainCrypt(t *testing.T) {
	hash, err := crypt.SHA256.New().Generate([]byte("letmein"), nil)
	if err != nil {
		t.Fatal(err)
	}

	a := testTable(t, "jdoe:crypt:"+hash+"\n")

	if err := a.AuthPlain("jdoe", "letmein"); err != nil {
		t.Error("Valid credentials rejected:", err)
	}
	if err := a.AuthPlain("jdoe", "wrong"); err == nil {
		t.Error("Invalid password accepted")
	}
}

func TestExists(t *testing.T) {
	hash, err := HashCompute[HashBcrypt](HashOpts{BcryptCost: 10}, "letmein")
	if err != nil {
		t.Fatal(err)
	}

	a := testTable(t, "jdoe:bcrypt:"+hash+"\n")

	ok, err := a.Exists(context.Background(), "jdoe")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("Existing user not found")
	}

	ok, err = a.Exists(context.Background(), "nonexistent")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("Nonexistent user found")
	}
}

func TestMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials")
	if err := os.WriteFile(path, []byte("no-colon-here\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	mod, err := New(modName, "", nil, []string{path})
	if err != nil {
		t.Fatal(err)
	}
	a := mod.(*Auth)
	a.log = testutils.Logger(t, modName)
	if err := a.Reload(); err == nil {
		t.Error("Malformed file accepted")
	}
}
