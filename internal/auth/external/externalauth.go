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

// Package external implements auth.external module that delegates
// credentials verification to a helper binary.
package external

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/maitred-mta/maitred/framework/config"
	"github.com/maitred-mta/maitred/framework/log"
	"github.com/maitred-mta/maitred/framework/module"
	"github.com/maitred-mta/maitred/internal/auth"
)

const modName = "auth.external"

type ExternalAuth struct {
	instName   string
	helperPath string

	perDomain bool
	domains   []string

	log log.Logger
}

func New(_, instName string, _, inlineArgs []string) (module.Module, error) {
	ea := &ExternalAuth{
		instName: instName,
		log:      log.Logger{Name: modName},
	}

	if len(inlineArgs) != 0 {
		return nil, errors.New(modName + ": inline arguments are not used")
	}

	return ea, nil
}

func (ea *ExternalAuth) Name() string {
	return modName
}

func (ea *ExternalAuth) InstanceName() string {
	return ea.instName
}

func (ea *ExternalAuth) Init(cfg *config.Map) error {
	cfg.Bool("debug", true, false, &ea.log.Debug)
	cfg.Bool("perdomain", false, false, &ea.perDomain)
	cfg.StringList("domains", false, false, nil, &ea.domains)
	cfg.String("helper", false, false, "", &ea.helperPath)
	if _, err := cfg.Process(); err != nil {
		return err
	}
	if ea.perDomain && ea.domains == nil {
		return errors.New(modName + ": domains must be set if perdomain is used")
	}

	if ea.helperPath == "" {
		ea.helperPath = filepath.Join(config.LibexecDirectory, "maitred-auth-helper")
	}
	if _, err := os.Stat(ea.helperPath); err != nil {
		return fmt.Errorf("%s: %s doesn't exist", modName, ea.helperPath)
	}

	ea.log.Debugln("using helper:", ea.helperPath)

	return nil
}

func (ea *ExternalAuth) AuthPlain(username, password string) error {
	accountName, ok := auth.CheckDomainAuth(username, ea.perDomain, ea.domains)
	if !ok {
		return module.ErrUnknownCredentials
	}

	return AuthUsingHelper(ea.helperPath, accountName, password)
}

var _ module.PlainAuth = &ExternalAuth{}

func init() {
	module.Register(modName, New)
}
