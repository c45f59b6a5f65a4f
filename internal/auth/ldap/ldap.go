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

// Package ldap implements auth.ldap module that authenticates users
// against a directory server, either via a DN template or via a search
// followed by a bind.
package ldap

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/maitred-mta/maitred/framework/config"
	tls2 "github.com/maitred-mta/maitred/framework/config/tls"
	"github.com/maitred-mta/maitred/framework/log"
	"github.com/maitred-mta/maitred/framework/module"
)

const modName = "auth.ldap"

type Auth struct {
	instName string

	urls           []string
	readBind       func(*ldap.Conn) error
	startls        bool
	tlsCfg         tls.Config
	dialer         *net.Dialer
	requestTimeout time.Duration

	dnTemplate string
	// or
	baseDN         string
	filterTemplate string

	conn     *ldap.Conn
	connLock sync.Mutex

	log log.Logger
}

func New(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	return &Auth{
		instName: instName,
		log:      log.Logger{Name: modName},
		urls:     inlineArgs,
	}, nil
}

func (a *Auth) Init(cfg *config.Map) error {
	a.dialer = &net.Dialer{}

	cfg.Bool("debug", true, false, &a.log.Debug)
	cfg.Custom("tls_client", true, false, func() (interface{}, error) {
		return tls.Config{}, nil
	}, tls2.TLSClientBlock, &a.tlsCfg)
	cfg.Callback("urls", func(m *config.Map, node config.Node) error {
		a.urls = append(a.urls, node.Args...)
		return nil
	})
	cfg.Custom("bind", false, false, func() (interface{}, error) {
		return func(*ldap.Conn) error {
			return nil
		}, nil
	}, readBindDirective, &a.readBind)
	cfg.Bool("starttls", false, false, &a.startls)
	cfg.Duration("connect_timeout", false, false, time.Minute, &a.dialer.Timeout)
	cfg.Duration("request_timeout", false, false, time.Minute, &a.requestTimeout)
	cfg.String("dn_template", false, false, "", &a.dnTemplate)
	cfg.String("base_dn", false, false, "", &a.baseDN)
	cfg.String("filter", false, false, "", &a.filterTemplate)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	if len(a.urls) == 0 {
		return fmt.Errorf("%s: at least one server URL is required", modName)
	}

	if a.dnTemplate == "" {
		if a.baseDN == "" {
			return fmt.Errorf("%s: base_dn not set", modName)
		}
		if a.filterTemplate == "" {
			return fmt.Errorf("%s: filter not set", modName)
		}
	} else {
		if a.baseDN != "" || a.filterTemplate != "" {
			return fmt.Errorf("%s: search directives set when dn_template is used", modName)
		}
	}

	// The connection is established lazily so a temporarily unreachable
	// directory server does not prevent startup.
	return nil
}

func readBindDirective(c *config.Map, n config.Node) (interface{}, error) {
	if len(n.Args) == 0 {
		return nil, fmt.Errorf("%s: bind expects at least one argument", modName)
	}
	switch n.Args[0] {
	case "off":
		return func(*ldap.Conn) error { return nil }, nil
	case "unauth":
		if len(n.Args) == 2 {
			return func(c *ldap.Conn) error {
				return c.UnauthenticatedBind(n.Args[1])
			}, nil
		}
		return func(c *ldap.Conn) error {
			return c.UnauthenticatedBind("")
		}, nil
	case "plain":
		if len(n.Args) != 3 {
			return nil, fmt.Errorf("%s: username and password expected for plaintext bind", modName)
		}
		return func(c *ldap.Conn) error {
			return c.Bind(n.Args[1], n.Args[2])
		}, nil
	case "external":
		return (*ldap.Conn).ExternalBind, nil
	}
	return nil, fmt.Errorf("%s: unknown bind authentication: %v", modName, n.Args[0])
}

func (a *Auth) Name() string {
	return modName
}

func (a *Auth) InstanceName() string {
	return a.instName
}

func (a *Auth) newConn() (*ldap.Conn, error) {
	var (
		conn   *ldap.Conn
		tlsCfg *tls.Config
	)
	for _, u := range a.urls {
		parsedURL, err := url.Parse(u)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid server URL: %w", modName, err)
		}
		tlsCfg = a.tlsCfg.Clone()
		tlsCfg.ServerName = parsedURL.Hostname()

		conn, err = ldap.DialURL(u, ldap.DialWithDialer(a.dialer), ldap.DialWithTLSConfig(tlsCfg))
		if err != nil {
			a.log.Error("cannot contact directory server", err, "url", u)
			conn = nil
			continue
		}
		break
	}
	if conn == nil {
		return nil, fmt.Errorf("%s: all directory servers are unreachable", modName)
	}

	if a.requestTimeout != 0 {
		conn.SetTimeout(a.requestTimeout)
	}

	if a.startls {
		if err := conn.StartTLS(tlsCfg); err != nil {
			return nil, fmt.Errorf("%s: %w", modName, err)
		}
	}

	if err := a.readBind(conn); err != nil {
		return nil, fmt.Errorf("%s: %w", modName, err)
	}

	return conn, nil
}

func (a *Auth) getConn() (*ldap.Conn, error) {
	a.connLock.Lock()
	if a.conn == nil {
		conn, err := a.newConn()
		if err != nil {
			a.connLock.Unlock()
			return nil, err
		}
		a.conn = conn
	}
	if a.conn.IsClosing() {
		a.conn.Close()
		conn, err := a.newConn()
		if err != nil {
			a.connLock.Unlock()
			return nil, err
		}
		a.conn = conn
	}
	return a.conn, nil
}

func (a *Auth) returnConn(conn *ldap.Conn) {
	defer a.connLock.Unlock()
	if err := a.readBind(conn); err != nil {
		a.log.Error("failed to rebind for reading", err)
		conn.Close()
		a.conn = nil
		return
	}
	if a.conn != conn {
		a.conn.Close()
	}
	a.conn = conn
}

func (a *Auth) searchDN(conn *ldap.Conn, username string) (string, bool, error) {
	req := ldap.NewSearchRequest(
		a.baseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		2, 0, false,
		strings.ReplaceAll(a.filterTemplate, "{username}", ldap.EscapeFilter(username)),
		[]string{"dn"}, nil)
	res, err := conn.Search(req)
	if err != nil {
		return "", false, fmt.Errorf("%s: search: %w", modName, err)
	}
	if len(res.Entries) > 1 {
		return "", false, fmt.Errorf("%s: too many entries returned (%d)", modName, len(res.Entries))
	}
	if len(res.Entries) == 0 {
		return "", false, nil
	}
	return res.Entries[0].DN, true, nil
}

func (a *Auth) Exists(_ context.Context, username string) (bool, error) {
	if a.dnTemplate != "" {
		return false, fmt.Errorf("%s: lookups require search config but dn_template is used", modName)
	}

	conn, err := a.getConn()
	if err != nil {
		return false, err
	}
	defer a.returnConn(conn)

	_, ok, err := a.searchDN(conn, username)
	return ok, err
}

func (a *Auth) AuthPlain(username, password string) error {
	conn, err := a.getConn()
	if err != nil {
		return err
	}
	defer a.returnConn(conn)

	var userDN string
	if a.dnTemplate != "" {
		userDN = strings.ReplaceAll(a.dnTemplate, "{username}", username)
	} else {
		dn, ok, err := a.searchDN(conn, username)
		if err != nil {
			return err
		}
		if !ok {
			return module.ErrUnknownCredentials
		}
		userDN = dn
	}

	if err := conn.Bind(userDN, password); err != nil {
		return module.ErrUnknownCredentials
	}

	return nil
}

func (a *Auth) Close() error {
	a.connLock.Lock()
	defer a.connLock.Unlock()
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	return nil
}

var (
	_ module.PlainAuth  = &Auth{}
	_ module.UserLookup = &Auth{}
)

func init() {
	module.Register(modName, New)
}
