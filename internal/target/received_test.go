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
	"strings"
	"testing"
	"time"

	"github.com/maitred-mta/maitred/framework/module"
	"github.com/maitred-mta/maitred/internal/session"
)

func testSession(t *testing.T) (*session.Session, *session.Envelope) {
	t.Helper()

	s := session.New(session.Inbound)
	s.Hostname = "mail.example.com"
	s.RemoteAddr = "203.0.113.5:41231"
	s.RDNSName = "mail.example.com"
	s.Proto = "ESMTP"
	s.Created = time.Date(2026, time.March, 10, 14, 30, 0, 0, time.UTC)

	env := s.OpenEnvelope("sender@example.com")
	env.AddRecipient("rcpt@example.org")
	return s, env
}

func TestGenerateReceived(t *testing.T) {
	s, env := testSession(t)

	val := GenerateReceived(s, env, "mx.maitred.example")

	for _, part := range []string{
		"from mail.example.com (mail.example.com [203.0.113.5])",
		"by mx.maitred.example",
		"(envelope-sender <sender@example.com>)",
		"with ESMTP",
		"id " + s.ID,
		"; Tue, 10 Mar 2026 14:30:00 +0000",
	} {
		if !strings.Contains(val, part) {
			t.Errorf("missing %q in: %s", part, val)
		}
	}
	if strings.Contains(val, "TLS") {
		t.Errorf("TLS clause present for a plaintext session: %s", val)
	}
}

func TestGenerateReceived_TLS(t *testing.T) {
	s, env := testSession(t)
	s.TLS = module.TLSState{
		Negotiated: true,
		Version:    "TLS1.3",
		Cipher:     "TLS_AES_128_GCM_SHA256",
	}

	val := GenerateReceived(s, env, "mx.maitred.example")
	if !strings.Contains(val, "(TLS1.3 cipher TLS_AES_128_GCM_SHA256)") {
		t.Errorf("missing TLS clause in: %s", val)
	}
}

func TestGenerateReceived_UTF8(t *testing.T) {
	s, env := testSession(t)
	s.Hostname = "почта.example.com"
	env.UTF8 = true
	env.Sender = "отправитель@почта.example.com"

	val := GenerateReceived(s, env, "mx.maitred.example")
	if !strings.Contains(val, "from почта.example.com") {
		t.Errorf("U-labels should be kept for SMTPUTF8 messages: %s", val)
	}
	if !strings.Contains(val, "with UTF8ESMTP") {
		t.Errorf("missing UTF8 proto prefix in: %s", val)
	}

	env.UTF8 = false
	val = GenerateReceived(s, env, "mx.maitred.example")
	if !strings.Contains(val, "from xn--") {
		t.Errorf("A-labels expected without SMTPUTF8: %s", val)
	}
}

func TestGenerateReceived_HeaderInjection(t *testing.T) {
	s, env := testSession(t)
	s.Hostname = "evil\r\nX-Injected: yes"

	val := GenerateReceived(s, env, "mx.maitred.example")
	if strings.Contains(val, "\n") {
		t.Errorf("newline leaked into the header value: %q", val)
	}
}

func TestSanitizeForHeader(t *testing.T) {
	if got := SanitizeForHeader("a\nb\nc"); got != "abc" {
		t.Errorf("got %q", got)
	}
}
