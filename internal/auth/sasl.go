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

// Package auth wires credential-store modules into the SASL mechanisms
// offered by the receipt engine.
package auth

import (
	"errors"
	"fmt"
	"net"

	"github.com/emersion/go-sasl"
	"golang.org/x/text/secure/precis"

	"github.com/maitred-mta/maitred/framework/config"
	modconfig "github.com/maitred-mta/maitred/framework/config/module"
	"github.com/maitred-mta/maitred/framework/log"
	"github.com/maitred-mta/maitred/framework/module"
)

var ErrUnsupportedMech = errors.New("auth: unsupported SASL mechanism")

// SASLAuth constructs sasl.Server instances backed by the configured
// credential providers. Multiple providers can be stacked, the first one
// that accepts the credentials wins.
type SASLAuth struct {
	Log log.Logger

	Plain []module.PlainAuth
}

// SASLMechanisms returns the mechanism names that can be advertised in
// the EHLO response.
func (s *SASLAuth) SASLMechanisms() []string {
	if len(s.Plain) == 0 {
		return nil
	}
	return []string{sasl.Plain, sasl.Login}
}

// AuthPlain checks the username:password pair against every provider.
func (s *SASLAuth) AuthPlain(username, password string) error {
	if len(s.Plain) == 0 {
		return ErrUnsupportedMech
	}

	var lastErr error
	for _, p := range s.Plain {
		if err := p.AuthPlain(username, password); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("no auth. provider accepted creds, last err: %w", lastErr)
}

// CreateSASL creates the sasl.Server for the requested mechanism.
//
// successCb is called with the authenticated username. If it fails,
// authentication fails too.
func (s *SASLAuth) CreateSASL(mech string, remoteAddr net.Addr, successCb func(username string) error) sasl.Server {
	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			if identity != "" && !precis.UsernameCaseMapped.Compare(identity, username) {
				s.Log.Msg("not authorized", "username", username, "identity", identity, "src_ip", remoteAddr)
				return errors.New("auth: invalid credentials")
			}
			if err := s.AuthPlain(username, password); err != nil {
				s.Log.Error("authentication failed", err, "username", username, "src_ip", remoteAddr)
				return errors.New("auth: invalid credentials")
			}
			return successCb(username)
		})
	case sasl.Login:
		return sasl.NewLoginServer(func(username, password string) error {
			if err := s.AuthPlain(username, password); err != nil {
				s.Log.Error("authentication failed", err, "username", username, "src_ip", remoteAddr)
				return errors.New("auth: invalid credentials")
			}
			return successCb(username)
		})
	}
	return FailingSASLServ{Err: ErrUnsupportedMech}
}

// AddProvider resolves the 'auth' configuration directive into a
// credential provider and adds it to the stack.
func (s *SASLAuth) AddProvider(m *config.Map, node config.Node) error {
	var provider module.PlainAuth
	if err := modconfig.ModuleFromNode("auth", node.Args, node, m.Globals, &provider); err != nil {
		return err
	}
	s.Plain = append(s.Plain, provider)
	return nil
}

// FailingSASLServ is a sasl.Server that always fails with a fixed error.
type FailingSASLServ struct{ Err error }

func (s FailingSASLServ) Next([]byte) ([]byte, bool, error) {
	return nil, true, s.Err
}
