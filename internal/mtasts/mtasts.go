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

// Package mtasts maintains the MTA-STS (RFC 8461) policy cache used during
// outbound route resolution.
//
// The DNS probe, HTTPS fetch, policy parsing and MX pattern matching are
// provided by github.com/foxcpp/go-mtasts, this package adds the store
// selection, the periodic refresh and the test seam used by resolution
// code.
package mtasts

import (
	"context"
	"os"
	"runtime/debug"
	"time"

	stslib "github.com/foxcpp/go-mtasts"
	"github.com/maitred-mta/maitred/framework/dns"
	"github.com/maitred-mta/maitred/framework/log"
)

// Aliases for the parts of the go-mtasts surface consumers need, so that
// resolution code does not import two packages under the same name.
type (
	Policy = stslib.Policy
	Mode   = stslib.Mode
)

const (
	ModeEnforce = stslib.ModeEnforce
	ModeTesting = stslib.ModeTesting
	ModeNone    = stslib.ModeNone
)

var ErrNoPolicy = stslib.ErrNoPolicy

// Cache wraps the go-mtasts policy cache with a background refresh loop.
//
// The zero value is not usable, see New.
type Cache struct {
	// Get fetches the effective policy for a domain, consulting the DNS
	// record, the local store and the HTTPS endpoint as needed. It is a
	// struct field so tests can replace it without doing real I/O.
	Get func(ctx context.Context, domain string) (*Policy, error)

	cache       *stslib.Cache
	updaterStop chan struct{}
	log         log.Logger
}

// New creates the policy cache using the named store.
//
// storeType is either "fs" (storeDir holds one file per cached policy,
// the directory is created if missing) or "ram" (contents are lost on
// restart, fine for tests and short-lived processes).
func New(storeType, storeDir string, resolver dns.Resolver, l log.Logger) (*Cache, error) {
	c := &Cache{log: l}

	switch storeType {
	case "fs":
		if err := os.MkdirAll(storeDir, os.ModePerm); err != nil {
			return nil, err
		}
		c.cache = stslib.NewFSCache(storeDir)
	case "ram":
		c.cache = stslib.NewRAMCache()
	default:
		panic("mtasts: unknown cache store type")
	}
	c.cache.Resolver = resolver
	c.Get = c.cache.Get

	return c, nil
}

// StartUpdater starts a goroutine that refreshes cached policies
// periodically until Close is called.
//
// It can be called only once per Cache instance.
func (c *Cache) StartUpdater() {
	c.updaterStop = make(chan struct{})
	go c.updater()
}

func (c *Cache) updater() {
	defer func() {
		if err := recover(); err != nil {
			stack := debug.Stack()
			log.Printf("panic during MTA-STS update: %v\n%s", err, stack)
			log.Printf("MTA-STS cache refresh disabled due to critical error")
			c.updaterStop = nil
		}
	}()

	// Always update the cache on start-up since we may have been down for
	// some time.
	c.log.Debugln("updating MTA-STS cache...")
	if err := c.cache.Refresh(); err != nil {
		c.log.Error("MTA-STS cache update error", err)
	}
	c.log.Debugln("updating MTA-STS cache... done!")

	t := time.NewTicker(12 * time.Hour)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.log.Debugln("updating MTA-STS cache...")
			if err := c.cache.Refresh(); err != nil {
				c.log.Error("MTA-STS cache update error", err)
			}
			c.log.Debugln("updating MTA-STS cache... done!")
		case <-c.updaterStop:
			c.updaterStop <- struct{}{}
			return
		}
	}
}

// Refresh renews cached policies that are close to expiry. It is normally
// driven by the updater goroutine and is exposed for CLI use.
func (c *Cache) Refresh() error {
	return c.cache.Refresh()
}

func (c *Cache) Close() error {
	if c.updaterStop != nil {
		c.updaterStop <- struct{}{}
		<-c.updaterStop
		c.updaterStop = nil
	}
	return nil
}
