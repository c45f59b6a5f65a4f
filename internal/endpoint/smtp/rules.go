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
	"strings"

	"github.com/maitred-mta/maitred/framework/address"
	"github.com/maitred-mta/maitred/framework/config"
)

// ruleSet is the config-driven connection policy of one endpoint:
// addresses that are refused outright, sessions that are silently
// discarded, sessions that are tunneled to another server, and bot
// addresses that demand an authorization token.
type ruleSet struct {
	blocklist []netip.Prefix
	blackhole []*matchRule
	proxy     []*proxyRule
	bots      []*botRule
}

// matchRule is a conjunction of regular expressions over the session
// facts. A nil field matches anything; all non-nil fields must match.
// The rcpt expression matches if any recipient matches.
type matchRule struct {
	ip   *regexp.Regexp
	ehlo *regexp.Regexp
	mail *regexp.Regexp
	rcpt *regexp.Regexp
}

func (r *matchRule) matches(ip, ehlo, mail string, rcpts []string) bool {
	if r.ip != nil && !r.ip.MatchString(ip) {
		return false
	}
	if r.ehlo != nil && !r.ehlo.MatchString(ehlo) {
		return false
	}
	if r.mail != nil && !r.mail.MatchString(mail) {
		return false
	}
	if r.rcpt != nil {
		matched := false
		for _, rcpt := range rcpts {
			if r.rcpt.MatchString(rcpt) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// ready reports whether every fact the rule constrains is known yet. A
// rule over rcpt cannot fire before the first RCPT, a rule over mail not
// before MAIL.
func (r *matchRule) ready(ehlo, mail string, rcpts []string) bool {
	if r.ehlo != nil && ehlo == "" {
		return false
	}
	if r.mail != nil && mail == "" {
		return false
	}
	if r.rcpt != nil && len(rcpts) == 0 {
		return false
	}
	return true
}

type proxyRule struct {
	matchRule
	upstream string
}

type botRule struct {
	pattern     *regexp.Regexp
	allowedNets []netip.Prefix
	tokens      map[string]struct{}
	name        string
}

// authorized reports whether the peer may deliver to this bot address:
// either its IP belongs to an allowed network or the recipient carries a
// known token in its local+token@domain sub-address.
func (r *botRule) authorized(ip netip.Addr, rcpt string) bool {
	for _, net := range r.allowedNets {
		if net.Contains(ip) {
			return true
		}
	}
	mbox, _, err := address.Split(rcpt)
	if err != nil {
		return false
	}
	if plus := strings.IndexByte(mbox, '+'); plus >= 0 {
		token := mbox[plus+1:]
		if _, ok := r.tokens[token]; ok {
			return true
		}
	}
	return false
}

// blocked reports whether the address is denied at accept time.
func (rs *ruleSet) blocked(ip netip.Addr) bool {
	if rs == nil {
		return false
	}
	for _, p := range rs.blocklist {
		if p.Contains(ip.Unmap()) {
			return true
		}
	}
	return false
}

// blackholed returns true when a blackhole rule matches the complete
// transaction facts.
func (rs *ruleSet) blackholed(ip, ehlo, mail string, rcpts []string) bool {
	if rs == nil {
		return false
	}
	for _, r := range rs.blackhole {
		if r.matches(ip, ehlo, mail, rcpts) {
			return true
		}
	}
	return false
}

// proxyFor returns the first proxy rule whose constrained facts are all
// known and matching, nil if none.
func (rs *ruleSet) proxyFor(ip, ehlo, mail string, rcpts []string) *proxyRule {
	if rs == nil {
		return nil
	}
	for _, r := range rs.proxy {
		if r.ready(ehlo, mail, rcpts) && r.matches(ip, ehlo, mail, rcpts) {
			return r
		}
	}
	return nil
}

// botFor returns the bot rule covering the recipient address, nil if the
// address is not a bot address.
func (rs *ruleSet) botFor(rcpt string) *botRule {
	if rs == nil {
		return nil
	}
	for _, r := range rs.bots {
		if r.pattern.MatchString(rcpt) {
			return r
		}
	}
	return nil
}

func parsePrefix(s string) (netip.Prefix, error) {
	if !strings.ContainsRune(s, '/') {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return netip.PrefixFrom(addr, addr.BitLen()), nil
	}
	return netip.ParsePrefix(s)
}

// blocklistDirective reads the blocklist block:
//
//	blocklist {
//	    deny 192.0.2.0/24
//	    deny 2001:db8::1
//	}
func (rs *ruleSet) blocklistDirective(m *config.Map, node config.Node) error {
	for _, child := range node.Children {
		if child.Name != "deny" || len(child.Args) == 0 {
			return config.NodeErr(child, "expected 'deny <ip|cidr>...'")
		}
		for _, arg := range child.Args {
			p, err := parsePrefix(arg)
			if err != nil {
				return config.NodeErr(child, "invalid address or network: %v", err)
			}
			rs.blocklist = append(rs.blocklist, p)
		}
	}
	return nil
}

func matchRuleFromNode(node config.Node) (matchRule, error) {
	var r matchRule
	for _, child := range node.Children {
		var target **regexp.Regexp
		switch child.Name {
		case "ip":
			target = &r.ip
		case "ehlo":
			target = &r.ehlo
		case "mail":
			target = &r.mail
		case "rcpt":
			target = &r.rcpt
		default:
			continue
		}
		if len(child.Args) != 1 {
			return r, config.NodeErr(child, "expected a single regular expression")
		}
		re, err := regexp.Compile(child.Args[0])
		if err != nil {
			return r, config.NodeErr(child, "invalid regular expression: %v", err)
		}
		*target = re
	}
	return r, nil
}

// blackholeDirective reads the blackhole block:
//
//	blackhole {
//	    rule {
//	        ehlo (?i).*\.spammer\.example
//	        mail .*@spammer\.example
//	    }
//	}
func (rs *ruleSet) blackholeDirective(m *config.Map, node config.Node) error {
	for _, child := range node.Children {
		if child.Name != "rule" {
			return config.NodeErr(child, "expected 'rule' block")
		}
		r, err := matchRuleFromNode(child)
		if err != nil {
			return err
		}
		if r.ip == nil && r.ehlo == nil && r.mail == nil && r.rcpt == nil {
			return config.NodeErr(child, "rule matches everything, refusing to blackhole all mail")
		}
		rule := r
		rs.blackhole = append(rs.blackhole, &rule)
	}
	return nil
}

// proxyDirective reads the proxy block:
//
//	proxy {
//	    rule {
//	        rcpt .*@legacy\.example\.org
//	        upstream tcp://10.0.0.5:25
//	    }
//	}
func (rs *ruleSet) proxyDirective(m *config.Map, node config.Node) error {
	for _, child := range node.Children {
		if child.Name != "rule" {
			return config.NodeErr(child, "expected 'rule' block")
		}
		r, err := matchRuleFromNode(child)
		if err != nil {
			return err
		}
		rule := &proxyRule{matchRule: r}
		for _, sub := range child.Children {
			if sub.Name != "upstream" {
				continue
			}
			if len(sub.Args) != 1 {
				return config.NodeErr(sub, "expected a single upstream endpoint")
			}
			rule.upstream = sub.Args[0]
		}
		if rule.upstream == "" {
			return config.NodeErr(child, "proxy rule requires the upstream directive")
		}
		rs.proxy = append(rs.proxy, rule)
	}
	return nil
}

// botsDirective reads the bots block:
//
//	bots {
//	    bot deploy {
//	        address (?i)^deploy(\+[^@]+)?@example\.org$
//	        allow_ip 192.0.2.0/24
//	        allow_token hunter2
//	    }
//	}
func (rs *ruleSet) botsDirective(m *config.Map, node config.Node) error {
	for _, child := range node.Children {
		if child.Name != "bot" {
			return config.NodeErr(child, "expected 'bot' block")
		}
		rule := &botRule{tokens: map[string]struct{}{}}
		if len(child.Args) > 0 {
			rule.name = child.Args[0]
		}
		for _, sub := range child.Children {
			switch sub.Name {
			case "address":
				if len(sub.Args) != 1 {
					return config.NodeErr(sub, "expected a single regular expression")
				}
				re, err := regexp.Compile(sub.Args[0])
				if err != nil {
					return config.NodeErr(sub, "invalid regular expression: %v", err)
				}
				rule.pattern = re
			case "allow_ip":
				for _, arg := range sub.Args {
					p, err := parsePrefix(arg)
					if err != nil {
						return config.NodeErr(sub, "invalid address or network: %v", err)
					}
					rule.allowedNets = append(rule.allowedNets, p)
				}
			case "allow_token":
				for _, arg := range sub.Args {
					rule.tokens[arg] = struct{}{}
				}
			default:
				return config.NodeErr(sub, "unexpected directive: %s", sub.Name)
			}
		}
		if rule.pattern == nil {
			return config.NodeErr(child, "bot rule requires the address directive")
		}
		rs.bots = append(rs.bots, rule)
	}
	return nil
}
