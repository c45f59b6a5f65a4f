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

package auth

import "strings"

// CheckDomainAuth maps the login name a client sent to the account name a
// credential store knows, optionally restricting which domains may appear
// in the login.
//
// With perDomain the full user@domain string is the account name and a
// domain is mandatory. Without it the local part alone names the account
// and the domain, when present, is only validated.
func CheckDomainAuth(username string, perDomain bool, allowedDomains []string) (loginName string, allowed bool) {
	var accountName, domain string
	if perDomain {
		parts := strings.Split(username, "@")
		if len(parts) != 2 {
			return "", false
		}
		domain = parts[1]
		accountName = username
	} else {
		parts := strings.Split(username, "@")
		accountName = parts[0]
		if len(parts) == 2 {
			domain = parts[1]
		}
	}

	allowed = domain == ""
	if allowedDomains != nil && domain != "" {
		for _, allowedDomain := range allowedDomains {
			if strings.EqualFold(domain, allowedDomain) {
				allowed = true
			}
		}
		if !allowed {
			return "", false
		}
	}

	return accountName, allowed
}
