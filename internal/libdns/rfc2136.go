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

package libdns

import (
	"github.com/libdns/rfc2136"

	"github.com/maitred-mta/maitred/framework/config"
	"github.com/maitred-mta/maitred/framework/module"
)

func init() {
	module.Register("libdns.rfc2136", func(modName, instName string, _, _ []string) (module.Module, error) {
		p := rfc2136.Provider{}
		return &ProviderModule{
			RecordDeleter:  &p,
			RecordAppender: &p,
			setConfig: func(c *config.Map) {
				c.String("key_name", false, true, "", &p.KeyName)
				c.String("key", false, true, "", &p.Key)
				c.String("key_alg", false, true, "", &p.KeyAlg)
				c.String("server", false, true, "", &p.Server)
			},
			instName: instName,
			modName:  modName,
		}, nil
	})
}
