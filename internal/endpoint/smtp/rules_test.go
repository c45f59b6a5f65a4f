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

package smtp

import (
	"net/netip"
	"regexp"
	"testing"

	"github.com/maitred-mta/maitred/framework/config"
)

func TestMatchRule(t *testing.T) {
	rule := matchRule{
		ehlo: regexp.MustCompile(`(?i).*\.spammer\.example$`),
		rcpt: regexp.MustCompile(`^victim@`),
	}

	tests := []struct {
		ehlo  string
		rcpts []string
		want  bool
	}{
		{"mx.spammer.example", []string{"victim@example.org"}, true},
		{"MX.SPAMMER.EXAMPLE", []string{"victim@example.org"}, true},
		{"mx.spammer.example", []string{"other@example.org"}, false},
		{"mx.honest.example", []string{"victim@example.org"}, false},
		// Multiple recipients, any match is enough.
		{"mx.spammer.example", []string{"other@example.org", "victim@example.org"}, true},
	}
	for _, tc := range tests {
		if got := rule.matches("192.0.2.1", tc.ehlo, "whoever@example.com", tc.rcpts); got != tc.want {
			t.Errorf("matches(%q, %v) = %v, want %v", tc.ehlo, tc.rcpts, got, tc.want)
		}
	}
}

func TestMatchRuleReady(t *testing.T) {
	rcptRule := matchRule{rcpt: regexp.MustCompile(`.*`)}
	if rcptRule.ready("client.example.com", "from@example.com", nil) {
		t.Error("rcpt rule reported ready before any RCPT")
	}
	if !rcptRule.ready("client.example.com", "from@example.com", []string{"a@b"}) {
		t.Error("rcpt rule not ready after RCPT")
	}

	mailRule := matchRule{mail: regexp.MustCompile(`.*`)}
	if mailRule.ready("client.example.com", "", nil) {
		t.Error("mail rule reported ready before MAIL")
	}

	ipRule := matchRule{ip: regexp.MustCompile(`^192\.`)}
	if !ipRule.ready("", "", nil) {
		t.Error("ip-only rule must be ready from connect")
	}
}

func TestRuleSetBlocked(t *testing.T) {
	rs := &ruleSet{}
	for _, s := range []string{"192.0.2.0/24", "2001:db8::1"} {
		p, err := parsePrefix(s)
		if err != nil {
			t.Fatal(err)
		}
		rs.blocklist = append(rs.blocklist, p)
	}

	tests := []struct {
		ip   string
		want bool
	}{
		{"192.0.2.15", true},
		{"192.0.3.15", false},
		{"2001:db8::1", true},
		{"2001:db8::2", false},
		// v4-mapped form of a blocked address.
		{"::ffff:192.0.2.15", true},
	}
	for _, tc := range tests {
		if got := rs.blocked(netip.MustParseAddr(tc.ip)); got != tc.want {
			t.Errorf("blocked(%s) = %v, want %v", tc.ip, got, tc.want)
		}
	}
}

func TestBotRuleAuthorized(t *testing.T) {
	rule := &botRule{
		pattern:     regexp.MustCompile(`^deploy(\+[^@]+)?@example\.org$`),
		allowedNets: []netip.Prefix{netip.MustParsePrefix("10.1.0.0/16")},
		tokens:      map[string]struct{}{"hunter2": {}},
		name:        "deploy",
	}

	tests := []struct {
		ip   string
		rcpt string
		want bool
	}{
		{"10.1.2.3", "deploy@example.org", true},
		{"203.0.113.7", "deploy@example.org", false},
		{"203.0.113.7", "deploy+hunter2@example.org", true},
		{"203.0.113.7", "deploy+wrong@example.org", false},
	}
	for _, tc := range tests {
		if got := rule.authorized(netip.MustParseAddr(tc.ip), tc.rcpt); got != tc.want {
			t.Errorf("authorized(%s, %s) = %v, want %v", tc.ip, tc.rcpt, got, tc.want)
		}
	}
}

func TestProxyForFirstMatch(t *testing.T) {
	rs := &ruleSet{proxy: []*proxyRule{
		{matchRule: matchRule{rcpt: regexp.MustCompile(`@legacy\.example\.org$`)}, upstream: "tcp://10.0.0.5:25"},
		{matchRule: matchRule{ehlo: regexp.MustCompile(`.*`)}, upstream: "tcp://10.0.0.6:25"},
	}}

	// rcpt rule is not ready yet, the catch-all ehlo rule fires first.
	r := rs.proxyFor("192.0.2.1", "client.example.com", "", nil)
	if r == nil || r.upstream != "tcp://10.0.0.6:25" {
		t.Fatalf("proxyFor before RCPT = %+v", r)
	}

	rs.proxy = rs.proxy[:1]
	if r := rs.proxyFor("192.0.2.1", "client.example.com", "a@b.com", nil); r != nil {
		t.Errorf("rcpt rule fired without recipients: %+v", r)
	}
	r = rs.proxyFor("192.0.2.1", "client.example.com", "a@b.com", []string{"user@legacy.example.org"})
	if r == nil || r.upstream != "tcp://10.0.0.5:25" {
		t.Fatalf("proxyFor with matching rcpt = %+v", r)
	}
}

func TestBlocklistDirective(t *testing.T) {
	rs := &ruleSet{}
	node := config.Node{Name: "blocklist", Children: []config.Node{
		{Name: "deny", Args: []string{"192.0.2.0/24", "198.51.100.1"}},
	}}
	if err := rs.blocklistDirective(nil, node); err != nil {
		t.Fatal(err)
	}
	if len(rs.blocklist) != 2 {
		t.Fatalf("parsed %d prefixes, want 2", len(rs.blocklist))
	}
	if !rs.blocked(netip.MustParseAddr("198.51.100.1")) {
		t.Error("bare IP entry not blocking")
	}

	bad := config.Node{Name: "blocklist", Children: []config.Node{
		{Name: "deny", Args: []string{"not-an-ip"}},
	}}
	if err := (&ruleSet{}).blocklistDirective(nil, bad); err == nil {
		t.Error("malformed deny entry accepted")
	}
}

func TestBlackholeDirectiveRejectsCatchAll(t *testing.T) {
	rs := &ruleSet{}
	node := config.Node{Name: "blackhole", Children: []config.Node{
		{Name: "rule"},
	}}
	if err := rs.blackholeDirective(nil, node); err == nil {
		t.Error("empty rule accepted, would blackhole all mail")
	}

	node = config.Node{Name: "blackhole", Children: []config.Node{
		{Name: "rule", Children: []config.Node{
			{Name: "mail", Args: []string{`@spammer\.example$`}},
		}},
	}}
	if err := rs.blackholeDirective(nil, node); err != nil {
		t.Fatal(err)
	}
	if !rs.blackholed("192.0.2.1", "x", "boss@spammer.example", nil) {
		t.Error("parsed rule does not match")
	}
}

func TestProxyDirectiveRequiresUpstream(t *testing.T) {
	rs := &ruleSet{}
	node := config.Node{Name: "proxy", Children: []config.Node{
		{Name: "rule", Children: []config.Node{
			{Name: "rcpt", Args: []string{`@legacy\.example\.org$`}},
		}},
	}}
	if err := rs.proxyDirective(nil, node); err == nil {
		t.Error("proxy rule without upstream accepted")
	}

	node.Children[0].Children = append(node.Children[0].Children,
		config.Node{Name: "upstream", Args: []string{"tcp://10.0.0.5:25"}})
	if err := rs.proxyDirective(nil, node); err != nil {
		t.Fatal(err)
	}
	if len(rs.proxy) != 1 || rs.proxy[0].upstream != "tcp://10.0.0.5:25" {
		t.Errorf("parsed proxy rules: %+v", rs.proxy)
	}
}

func TestBotsDirective(t *testing.T) {
	rs := &ruleSet{}
	node := config.Node{Name: "bots", Children: []config.Node{
		{Name: "bot", Args: []string{"deploy"}, Children: []config.Node{
			{Name: "address", Args: []string{`^deploy(\+[^@]+)?@example\.org$`}},
			{Name: "allow_ip", Args: []string{"10.1.0.0/16"}},
			{Name: "allow_token", Args: []string{"hunter2"}},
		}},
	}}
	if err := rs.botsDirective(nil, node); err != nil {
		t.Fatal(err)
	}

	bot := rs.botFor("deploy@example.org")
	if bot == nil || bot.name != "deploy" {
		t.Fatalf("botFor = %+v", bot)
	}
	if rs.botFor("someone@example.org") != nil {
		t.Error("non-bot address matched")
	}
	if !bot.authorized(netip.MustParseAddr("10.1.2.3"), "deploy@example.org") {
		t.Error("allowed network not honoured")
	}
	if !bot.authorized(netip.MustParseAddr("203.0.113.7"), "deploy+hunter2@example.org") {
		t.Error("token not honoured")
	}

	noAddr := config.Node{Name: "bots", Children: []config.Node{
		{Name: "bot", Children: []config.Node{
			{Name: "allow_token", Args: []string{"x"}},
		}},
	}}
	if err := (&ruleSet{}).botsDirective(nil, noAddr); err == nil {
		t.Error("bot rule without address accepted")
	}
}
