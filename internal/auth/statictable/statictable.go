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

// Package statictable implements auth.static module that verifies
// credentials against a hashed password file.
//
// Each line of the file is
//
//	username:hash_name:hash_data
//
// where hash_name selects the verification function (bcrypt, argon2,
// sha256 or crypt). Empty lines and lines starting with # are skipped.
package statictable

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/text/secure/precis"

	"github.com/maitred-mta/maitred/framework/config"
	"github.com/maitred-mta/maitred/framework/log"
	"github.com/maitred-mta/maitred/framework/module"
)

const modName = "auth.static"

type Auth struct {
	instName string
	path     string
	log      log.Logger

	mu      sync.RWMutex
	entries map[string]string
}

func New(_, instName string, _, inlineArgs []string) (module.Module, error) {
	a := &Auth{
		instName: instName,
		log:      log.Logger{Name: modName},
	}
	switch len(inlineArgs) {
	case 1:
		a.path = inlineArgs[0]
	case 0:
	default:
		return nil, fmt.Errorf("%s: unexpected amount of arguments, want 1 or 0", modName)
	}
	return a, nil
}

func (a *Auth) Name() string {
	return modName
}

func (a *Auth) InstanceName() string {
	return a.instName
}

func (a *Auth) Init(cfg *config.Map) error {
	cfg.Bool("debug", true, false, &a.log.Debug)
	cfg.String("file", false, false, a.path, &a.path)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	if a.path == "" {
		return fmt.Errorf("%s: credentials file is not set", modName)
	}

	return a.Reload()
}

// Reload re-reads the credentials file. Safe to call while the server is
// accepting connections.
func (a *Auth) Reload() error {
	f, err := os.Open(a.path)
	if err != nil {
		return fmt.Errorf("%s: %w", modName, err)
	}
	defer f.Close()

	entries := make(map[string]string)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			return fmt.Errorf("%s: %s:%d: malformed entry", modName, a.path, lineNo)
		}

		key, err := precis.UsernameCaseMapped.CompareKey(parts[0])
		if err != nil {
			return fmt.Errorf("%s: %s:%d: %w", modName, a.path, lineNo, err)
		}
		entries[key] = parts[1]
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%s: %w", modName, err)
	}

	a.mu.Lock()
	a.entries = entries
	a.mu.Unlock()

	a.log.DebugMsg("credentials loaded", "path", a.path, "entries", len(entries))
	return nil
}

func (a *Auth) lookup(username string) (string, bool, error) {
	key, err := precis.UsernameCaseMapped.CompareKey(username)
	if err != nil {
		return "", false, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	hash, ok := a.entries[key]
	return hash, ok, nil
}

func (a *Auth) AuthPlain(username, password string) error {
	hash, ok, err := a.lookup(username)
	if err != nil {
		return err
	}
	if !ok {
		return module.ErrUnknownCredentials
	}

	parts := strings.SplitN(hash, ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("%s: no hash tag", modName)
	}
	hashVerify := HashVerify[parts[0]]
	if hashVerify == nil {
		return fmt.Errorf("%s: unknown hash: %s", modName, parts[0])
	}
	return hashVerify(password, parts[1])
}

func (a *Auth) Exists(_ context.Context, username string) (bool, error) {
	_, ok, err := a.lookup(username)
	if err != nil {
		return false, err
	}
	return ok, nil
}

var (
	_ module.PlainAuth  = &Auth{}
	_ module.UserLookup = &Auth{}
)

func init() {
	module.Register(modName, New)
}
