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

package mxroute

import (
	"context"
	"net"
	"reflect"
	"testing"

	"github.com/foxcpp/go-mockdns"
)

func TestRouteCanonicalHash(t *testing.T) {
	route := Route{Servers: []MXServer{
		{Host: "alpha.test", Pref: 5},
		{Host: "beta.test", Pref: 10},
		{Host: "gamma.test", Pref: 10},
	}}

	if c := route.Canonical(); c != "5:alpha.test|10:beta.test|10:gamma.test" {
		t.Errorf("wrong canonical form: %q", c)
	}
	if h := route.Hash(); h != "cf88e5dbe6244c9d36e95dd31c9d7fb33e16437c55e644b2fbadd4485a135c88" {
		t.Errorf("wrong hash: %q", h)
	}

	// Identity must be reproducible from an independently built server set.
	rebuilt := Route{Servers: []MXServer{
		{Host: "alpha.test", Pref: 5, IPs: []net.IPAddr{{IP: net.IPv4(127, 0, 0, 1)}}},
		{Host: "beta.test", Pref: 10},
		{Host: "gamma.test", Pref: 10},
	}}
	if rebuilt.Hash() != route.Hash() {
		t.Error("resolved addresses must not affect the route identity")
	}
}

func TestResolveRoutes_Groups(t *testing.T) {
	zones := map[string]mockdns.Zone{
		"d1.test.": {MX: []net.MX{{Host: "mxa.test.", Pref: 10}}},
		"d2.test.": {MX: []net.MX{{Host: "mxa.test.", Pref: 10}}},
		"d3.test.": {MX: []net.MX{{Host: "mxb.test.", Pref: 10}}},
		"mxa.test.": {
			A: []string{"127.0.0.1"},
		},
		"mxb.test.": {
			A: []string{"127.0.0.2"},
		},
	}

	r, dnsSrv := testResolver(t, zones, nil)
	defer dnsSrv.Close()

	routes, err := r.ResolveRoutes(context.Background(), []string{"d1.test", "d2.test", "d3.test"})
	if err != nil {
		t.Fatal(err)
	}

	if len(routes) != 2 {
		t.Fatalf("wrong route count: want 2, got %d (%+v)", len(routes), routes)
	}

	// Routes are ordered by the first appearance of their domains.
	if !reflect.DeepEqual(routes[0].Domains, []string{"d1.test", "d2.test"}) {
		t.Errorf("wrong domains for the first route: %v", routes[0].Domains)
	}
	if !reflect.DeepEqual(routes[1].Domains, []string{"d3.test"}) {
		t.Errorf("wrong domains for the second route: %v", routes[1].Domains)
	}

	if h := routes[0].Hash(); h != "68f5d844c78376f5c3b17de4ddc25a832ec425d298e0b2e79702c47e2cb80f8e" {
		t.Errorf("wrong hash for the first route: %q", h)
	}
	if h := routes[1].Hash(); h != "3a11c46713fa78c433d2c85c68aaf4840347a9307a41674be4bb8579f7554840" {
		t.Errorf("wrong hash for the second route: %q", h)
	}

	if len(routes[0].Servers) != 1 || routes[0].Servers[0].Host != "mxa.test" || routes[0].Servers[0].Pref != 10 {
		t.Errorf("wrong servers for the first route: %+v", routes[0].Servers)
	}
	if len(routes[0].Servers[0].IPs) != 1 || routes[0].Servers[0].IPs[0].IP.String() != "127.0.0.1" {
		t.Errorf("wrong addresses for the first route: %+v", routes[0].Servers[0].IPs)
	}

	// A second pass over the same DNS data yields the same identities.
	again, err := r.ResolveRoutes(context.Background(), []string{"d1.test", "d2.test", "d3.test"})
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 2 || again[0].Hash() != routes[0].Hash() || again[1].Hash() != routes[1].Hash() {
		t.Errorf("route identities changed between passes: %+v", again)
	}
}

func TestResolveRoutes_CanonicalOrdering(t *testing.T) {
	zones := map[string]mockdns.Zone{
		"d1.test.": {MX: []net.MX{
			{Host: "GAMMA.test.", Pref: 10},
			{Host: "beta.test.", Pref: 10},
			{Host: "alpha.test.", Pref: 5},
		}},
	}

	r, dnsSrv := testResolver(t, zones, nil)
	defer dnsSrv.Close()

	routes, err := r.ResolveRoutes(context.Background(), []string{"d1.test"})
	if err != nil {
		t.Fatal(err)
	}
	if len(routes) != 1 {
		t.Fatalf("wrong route count: want 1, got %d", len(routes))
	}

	// Zone order and case must not leak into the identity.
	if c := routes[0].Canonical(); c != "5:alpha.test|10:beta.test|10:gamma.test" {
		t.Errorf("wrong canonical form: %q", c)
	}
	if h := routes[0].Hash(); h != "cf88e5dbe6244c9d36e95dd31c9d7fb33e16437c55e644b2fbadd4485a135c88" {
		t.Errorf("wrong hash: %q", h)
	}
}

func TestResolveRoutes_SkipsBrokenDomains(t *testing.T) {
	zones := map[string]mockdns.Zone{
		"d1.test.":  {MX: []net.MX{{Host: "mxa.test.", Pref: 10}}},
		"mxa.test.": {A: []string{"127.0.0.1"}},
		"dead.test.": {
			Err: &net.DNSError{},
		},
		"aonly.test.": {
			A: []string{"127.0.0.3"},
		},
	}

	r, dnsSrv := testResolver(t, zones, nil)
	defer dnsSrv.Close()

	routes, err := r.ResolveRoutes(context.Background(),
		[]string{"d1.test", "dead.test", "missing.test", "aonly.test"})
	if err != nil {
		t.Fatal(err)
	}

	if len(routes) != 2 {
		t.Fatalf("wrong route count: want 2, got %d (%+v)", len(routes), routes)
	}
	if !reflect.DeepEqual(routes[0].Domains, []string{"d1.test"}) {
		t.Errorf("wrong domains for the first route: %v", routes[0].Domains)
	}

	// The MX-less domain is routed via its implicit MX.
	if !reflect.DeepEqual(routes[1].Domains, []string{"aonly.test"}) {
		t.Errorf("wrong domains for the second route: %v", routes[1].Domains)
	}
	if c := routes[1].Canonical(); c != "0:aonly.test" {
		t.Errorf("wrong canonical form for the implicit MX route: %q", c)
	}
}

func TestResolveRoutes_Canceled(t *testing.T) {
	zones := map[string]mockdns.Zone{
		"d1.test.": {MX: []net.MX{{Host: "mxa.test.", Pref: 10}}},
	}

	r, dnsSrv := testResolver(t, zones, nil)
	defer dnsSrv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	routes, err := r.ResolveRoutes(ctx, []string{"d1.test"})
	if err == nil {
		t.Fatal("Expected an error, got none")
	}
	if len(routes) != 0 {
		t.Errorf("no routes should be resolved after cancellation: %+v", routes)
	}
}
