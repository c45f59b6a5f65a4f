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

package target

import (
	"net"
	"strings"
	"time"

	"github.com/maitred-mta/maitred/framework/address"
	"github.com/maitred-mta/maitred/framework/dns"
	"github.com/maitred-mta/maitred/internal/session"
)

func SanitizeForHeader(raw string) string {
	return strings.Replace(raw, "\n", "", -1)
}

// GenerateReceived builds the Received trace header value for one
// envelope of a relayed session.
//
// Everything in the value comes from facts stored in the session record,
// so the header can be generated at transmit time, long after acceptance
// and across restarts, and the stored message artifact itself stays
// untouched. The timestamp is the session creation time, which is what
// the header's clauses describe.
func GenerateReceived(s *session.Session, env *session.Envelope, ourHostname string) string {
	builder := strings.Builder{}
	builder.Grow(256 + len(s.Hostname))

	if strings.Contains(s.Proto, "SMTP") || strings.Contains(s.Proto, "LMTP") {
		// INTERNATIONALIZATION: See RFC 6531 Section 3.7.3.
		hostname, err := dns.SelectIDNA(env.UTF8, s.Hostname)
		if err == nil && hostname != "" {
			builder.WriteString("from ")
			builder.WriteString(SanitizeForHeader(hostname))
		}

		if ip := remoteIP(s.RemoteAddr); ip != "" {
			builder.WriteString(" (")
			if s.RDNSName != "" {
				encoded, err := dns.SelectIDNA(env.UTF8, s.RDNSName)
				if err == nil {
					builder.WriteString(SanitizeForHeader(encoded))
					builder.WriteRune(' ')
				}
			}
			builder.WriteRune('[')
			builder.WriteString(ip)
			builder.WriteString("])")
		}
	}

	ourHostname, err := dns.SelectIDNA(env.UTF8, ourHostname)
	if err == nil {
		builder.WriteString(" by ")
		builder.WriteString(SanitizeForHeader(ourHostname))
	}

	// INTERNATIONALIZATION: See RFC 6531 Section 3.7.3.
	sender, err := address.SelectIDNA(env.UTF8, env.Sender)
	if err == nil && sender != "" {
		builder.WriteString(" (envelope-sender <")
		builder.WriteString(SanitizeForHeader(sender))
		builder.WriteString(">)")
	}

	if s.Proto != "" {
		builder.WriteString(" with ")
		if env.UTF8 {
			builder.WriteString("UTF8")
		}
		builder.WriteString(s.Proto)
	}
	if s.TLS.Negotiated {
		builder.WriteString(" (")
		builder.WriteString(s.TLS.Version)
		if s.TLS.Cipher != "" {
			builder.WriteString(" cipher ")
			builder.WriteString(s.TLS.Cipher)
		}
		builder.WriteRune(')')
	}

	builder.WriteString(" id ")
	builder.WriteString(s.ID)
	builder.WriteString("; ")
	builder.WriteString(s.Created.Format(time.RFC1123Z))

	return builder.String()
}

func remoteIP(addr string) string {
	if addr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if net.ParseIP(host) == nil {
		return ""
	}
	return host
}
