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

package testutils

import (
	"context"

	"github.com/maitred-mta/maitred/framework/config"
	"github.com/maitred-mta/maitred/framework/module"
)

// Auth is a PlainAuth fake backed by a plaintext credentials map.
type Auth struct {
	InstName string

	DB  map[string]string
	Err error

	AuthCalls int
}

func (a *Auth) Init(*config.Map) error {
	return nil
}

func (a *Auth) Name() string {
	return "test_auth"
}

func (a *Auth) InstanceName() string {
	if a.InstName != "" {
		return a.InstName
	}
	return "test_auth"
}

func (a *Auth) AuthPlain(username, password string) error {
	a.AuthCalls++
	if a.Err != nil {
		return a.Err
	}
	pass, ok := a.DB[username]
	if !ok || pass != password {
		return module.ErrUnknownCredentials
	}
	return nil
}

func (a *Auth) Exists(ctx context.Context, username string) (bool, error) {
	if a.Err != nil {
		return false, a.Err
	}
	_, ok := a.DB[username]
	return ok, nil
}

func init() {
	module.Register("test_auth", func(_, _ string, _, _ []string) (module.Module, error) {
		return &Auth{}, nil
	})
	module.RegisterInstance(&Auth{}, nil)
}
