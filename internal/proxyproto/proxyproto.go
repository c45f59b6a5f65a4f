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

// Package proxyproto implements PROXY protocol (v1 and v2) support for
// endpoint listeners placed behind a load balancer or TCP proxy.
package proxyproto

import (
	"crypto/tls"
	"net"
	"strings"

	"github.com/c0va23/go-proxyprotocol"

	"github.com/maitred-mta/maitred/framework/config"
	tls2 "github.com/maitred-mta/maitred/framework/config/tls"
	"github.com/maitred-mta/maitred/framework/log"
)

// ProxyProtocol is the parsed proxy_protocol endpoint directive.
//
// If trust is empty, the PROXY header is accepted from any source.
// Otherwise only the listed networks may rewrite the connection
// source, everything else keeps its socket address.
type ProxyProtocol struct {
	trust     []net.IPNet
	tlsConfig *tls.Config
}

func ProxyProtocolDirective(_ *config.Map, node config.Node) (interface{}, error) {
	p := ProxyProtocol{}

	childM := config.NewMap(nil, node)
	var trustList []string

	childM.StringList("trust", false, false, nil, &trustList)
	childM.Custom("tls", true, false, nil, tls2.TLSDirective, &p.tlsConfig)

	if _, err := childM.Process(); err != nil {
		return nil, err
	}

	// Inline arguments are a shorthand for the trust list.
	if len(node.Args) > 0 {
		if trustList == nil {
			trustList = make([]string, 0, len(node.Args))
		}
		trustList = append(trustList, node.Args...)
	}

	for _, trust := range trustList {
		if !strings.Contains(trust, "/") {
			trust += "/32"
		}
		_, ipNet, err := net.ParseCIDR(trust)
		if err != nil {
			return nil, config.NodeErr(node, "invalid trusted network: %v", err)
		}
		p.trust = append(p.trust, *ipNet)
	}

	return &p, nil
}

// NewListener wraps inner so that accepted connections report the source
// address carried in the PROXY header instead of the proxy's own address.
//
// When p carries a TLS configuration, the TLS listener is stacked on top
// of the PROXY one since the header is sent before the handshake.
func NewListener(inner net.Listener, p *ProxyProtocol, logger log.Logger) net.Listener {
	var listener net.Listener

	sourceChecker := func(upstream net.Addr) (bool, error) {
		if tcpAddr, ok := upstream.(*net.TCPAddr); ok {
			if len(p.trust) == 0 {
				return true, nil
			}
			for _, trusted := range p.trust {
				if trusted.Contains(tcpAddr.IP) {
					return true, nil
				}
			}
		} else if _, ok := upstream.(*net.UnixAddr); ok {
			// UNIX local socket connection, always trusted
			return true, nil
		}

		logger.Printf("proxy_protocol: connection from untrusted source %s", upstream)
		return false, nil
	}

	listener = proxyprotocol.NewDefaultListener(inner).
		WithLogger(proxyprotocol.LoggerFunc(func(format string, v ...interface{}) {
			logger.Debugf("proxy_protocol: "+format, v...)
		})).
		WithSourceChecker(sourceChecker)

	if p.tlsConfig != nil {
		listener = tls.NewListener(listener, p.tlsConfig)
	}

	return listener
}
