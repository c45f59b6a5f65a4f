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

// Package session defines the record of one SMTP conversation: the
// connection facts, the message envelopes it produced, and the
// transaction log.
//
// A Session created by the receipt engine is cloned into the relay queue
// and later split per delivery route, so everything here is deep-copyable
// and JSON-serializable. Message bodies are referenced through Artifact
// handles that guarantee exactly-once removal of the underlying storage.
package session

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/maitred-mta/maitred/framework/address"
	"github.com/maitred-mta/maitred/framework/module"
	"github.com/maitred-mta/maitred/internal/mxroute"
)

// Direction tells which side of the conversation created the session.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// TxEntry is one transaction log record: the verb or event name, the
// payload sent or the response received, and whether it represents a
// failure.
type TxEntry struct {
	Verb   string `json:"verb"`
	Detail string `json:"detail,omitempty"`
	Failed bool   `json:"failed,omitempty"`
}

// Session is the connection-level state of one SMTP conversation together
// with the envelopes accepted (or to be delivered) on it.
//
// The id is stable for the lifetime of the object; cloning assigns a
// fresh one. TLS.Negotiated implies TLS.Requested.
type Session struct {
	ID        string    `json:"id"`
	Direction Direction `json:"direction"`
	Created   time.Time `json:"created"`

	LocalAddr  string `json:"local_addr,omitempty"`
	RemoteAddr string `json:"remote_addr,omitempty"`
	RDNSName   string `json:"rdns_name,omitempty"`

	// Hostname is the HELO/EHLO/LHLO argument of the peer.
	Hostname string `json:"hostname,omitempty"`
	// Proto is the protocol name for the trace header, e.g. "ESMTPS".
	Proto string `json:"proto,omitempty"`

	// Extensions is the advertisement set negotiated on the connection.
	Extensions []string        `json:"extensions,omitempty"`
	TLS        module.TLSState `json:"tls"`

	// Policy names the transport security policy in effect (outbound
	// sessions), e.g. "dane" or "mtasts-enforce".
	Policy string `json:"policy,omitempty"`

	// AuthUser is the authenticated principal, empty for anonymous peers.
	AuthUser string `json:"auth_user,omitempty"`

	// Delivery coordinates of an outbound session, set by CloneForRoute.
	MX   []string `json:"mx,omitempty"`
	Port int      `json:"port,omitempty"`

	Envelopes []*Envelope `json:"envelopes,omitempty"`
	Log       []TxEntry   `json:"log,omitempty"`

	// Magic holds substitution values fixed at session construction
	// (banner fields, trace tokens). It is shared between clones and must
	// not be modified after the session becomes visible to other
	// goroutines.
	Magic map[string]string `json:"magic,omitempty"`
}

// New creates a session record with a fresh id.
func New(dir Direction) *Session {
	return &Session{
		ID:        uuid.New().String(),
		Direction: dir,
		Created:   time.Now(),
		Magic:     map[string]string{},
	}
}

// Tx appends an entry to the session transaction log.
func (s *Session) Tx(verb, detail string, failed bool) {
	s.Log = append(s.Log, TxEntry{Verb: verb, Detail: detail, Failed: failed})
}

// OpenEnvelope starts a new message transaction on the session and
// returns the envelope to be filled in.
func (s *Session) OpenEnvelope(sender string) *Envelope {
	env := &Envelope{Sender: sender}
	s.Envelopes = append(s.Envelopes, env)
	return env
}

// Domains returns the unique recipient domains across all envelopes, in
// first-seen order and lowercased. Recipients without a domain part
// (postmaster, malformed survivors) are skipped.
func (s *Session) Domains() []string {
	var domains []string
	seen := make(map[string]struct{})
	for _, env := range s.Envelopes {
		for _, rcpt := range env.Recipients {
			_, domain, err := address.Split(rcpt)
			if err != nil || domain == "" {
				continue
			}
			domain = strings.ToLower(domain)
			if _, ok := seen[domain]; ok {
				continue
			}
			seen[domain] = struct{}{}
			domains = append(domains, domain)
		}
	}
	return domains
}

// Clone returns a deep copy of the session with a fresh id.
//
// Envelopes, logs and slices are copied. The Magic map is shared, it is
// read-only after construction. Artifact handles are shared so the
// underlying storage is still removed exactly once no matter which copy
// releases it.
func (s *Session) Clone() *Session {
	return s.CloneWith(s.Envelopes)
}

// CloneWith is Clone carrying deep copies of only the given envelopes.
func (s *Session) CloneWith(envs []*Envelope) *Session {
	clone := *s
	clone.ID = uuid.New().String()

	clone.Extensions = append([]string(nil), s.Extensions...)
	clone.MX = append([]string(nil), s.MX...)
	clone.Log = append([]TxEntry(nil), s.Log...)

	clone.Envelopes = make([]*Envelope, 0, len(envs))
	for _, env := range envs {
		clone.Envelopes = append(clone.Envelopes, env.Clone())
	}

	return &clone
}

// CloneForRoute builds the delivery session for one route: a deep clone
// carrying only the envelopes and recipients the route is responsible
// for, with the delivery coordinates set to the route's resolved
// addresses and the standard relay port.
//
// Envelopes are deep copies, the original session is untouched. Returns
// nil when no recipient of the session belongs to the route.
func (s *Session) CloneForRoute(route *mxroute.Route) *Session {
	domains := make(map[string]struct{}, len(route.Domains))
	for _, d := range route.Domains {
		domains[strings.ToLower(d)] = struct{}{}
	}

	var envs []*Envelope
	for _, env := range s.Envelopes {
		matched := env.RecipientsInDomains(domains)
		if len(matched) == 0 {
			continue
		}

		routed := env.Clone()
		routed.Recipients = matched
		for rcpt := range routed.Status {
			if _, ok := domains[rcptDomain(rcpt)]; !ok {
				delete(routed.Status, rcpt)
			}
		}
		envs = append(envs, routed)
	}
	if len(envs) == 0 {
		return nil
	}

	clone := s.CloneWith(nil)
	clone.Direction = Outbound
	clone.Envelopes = envs
	clone.Port = 25

	clone.MX = make([]string, 0, len(route.Servers))
	for _, srv := range route.Servers {
		if len(srv.IPs) == 0 {
			// Address resolution failed at grouping time, record the
			// hostname so the dialer can resolve it again.
			clone.MX = append(clone.MX, srv.Host)
			continue
		}
		for _, ip := range srv.IPs {
			clone.MX = append(clone.MX, ip.String())
		}
	}

	return clone
}

func rcptDomain(rcpt string) string {
	_, domain, err := address.Split(rcpt)
	if err != nil {
		return ""
	}
	return strings.ToLower(domain)
}

// Close releases every artifact referenced by the session's envelopes.
// Releasing is exactly-once per artifact, so Close is safe to call
// multiple times and on overlapping clones.
//
// The first removal error is returned, remaining artifacts are still
// released.
func (s *Session) Close() error {
	var firstErr error
	for _, env := range s.Envelopes {
		if env.Artifact == nil {
			continue
		}
		if err := env.Artifact.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
