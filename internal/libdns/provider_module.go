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

// Package libdns wraps libdns record providers as modules in the
// libdns. namespace for use with the ACME dns-01 challenge solver.
package libdns

import (
	"github.com/libdns/libdns"

	"github.com/maitred-mta/maitred/framework/config"
)

type ProviderModule struct {
	libdns.RecordDeleter
	libdns.RecordAppender
	setConfig func(c *config.Map)

	instName string
	modName  string
}

func (p *ProviderModule) Init(cfg *config.Map) error {
	p.setConfig(cfg)
	_, err := cfg.Process()
	return err
}

func (p *ProviderModule) Name() string {
	return p.modName
}

func (p *ProviderModule) InstanceName() string {
	return p.instName
}
