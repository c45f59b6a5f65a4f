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


package remote

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/foxcpp/go-mockdns"
	"github.com/maitred-mta/maitred/framework/exterrors"
	"github.com/maitred-mta/maitred/internal/mtasts"
	"github.com/maitred-mta/maitred/internal/mxroute"
	"github.com/maitred-mta/maitred/internal/session"
	"github.com/maitred-mta/maitred/internal/smtpconn/pool"
	"github.com/maitred-mta/maitred/internal/testutils"
)

// .invalid TLD is used here to make sure if there is something wrong about
// DNS hooks and lookups go to the real Internet, they will not result in
// any useful data that can lead to outgoing connections being made.

func TestMain(m *testing.M) {
	remoteSmtpPort := flag.String("test.smtpport", "random", "(maitred) SMTP port to use for connections in tests")
	flag.Parse()

	if *remoteSmtpPort == "random" {
		rand.Seed(time.Now().UnixNano())
		*remoteSmtpPort = strconv.Itoa(rand.Intn(65536-10000) + 10000)
	}

	smtpPort = *remoteSmtpPort
	os.Exit(m.Run())
}

// staticSecure substitutes the DNS-backed resolution with a fixed MX map.
type staticSecure struct {
	mxs map[string][]mxroute.SecureMX
	err error
}

func (r *staticSecure) ResolveSecure(_ context.Context, domain string) ([]mxroute.SecureMX, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.mxs[domain], nil
}

func opportunistic(host string) []mxroute.SecureMX {
	return []mxroute.SecureMX{{Host: host, Pref: 10, Policy: mxroute.Opportunistic}}
}

func testTarget(t *testing.T, zones map[string]mockdns.Zone, resolver SecureResolver) *Target {
	t.Helper()

	dnsResolver := &mockdns.Resolver{Zones: zones}
	tgt := &Target{
		name:           "remote",
		hostname:       "mx.maitred.invalid",
		Resolver:       resolver,
		dialer:         dnsResolver.DialContext,
		tlsConfig:      &tls.Config{},
		connReuseLimit: 10,
		Log:            testutils.Logger(t, "remote"),
		pool: pool.New(pool.Config{
			MaxKeys:             128,
			MaxConnsPerKey:      4,
			MaxConnLifetimeSec:  60,
			StaleKeyLifetimeSec: 120,
		}),
	}
	t.Cleanup(func() {
		tgt.Close()
	})
	return tgt
}

func makeTestSession(t *testing.T, sender string, rcpts ...string) *session.Session {
	t.Helper()

	s := session.New(session.Outbound)
	s.Hostname = "client.example.com"
	env := s.OpenEnvelope(sender)
	for _, rcpt := range rcpts {
		env.AddRecipient(rcpt)
	}

	payload := "From: " + sender + "\r\nSubject: hello maitred\r\n\r\nbody text\r\n"
	path := filepath.Join(t.TempDir(), fmt.Sprintf("%s.eml", s.ID))
	if err := os.WriteFile(path, []byte(payload), 0o600); err != nil {
		t.Fatal(err)
	}
	env.Artifact = session.NewFileArtifact(path, int64(len(payload)))
	return s
}

func checkDelivered(t *testing.T, env *session.Envelope, rcpt string) {
	t.Helper()
	st, ok := env.Status[rcpt]
	if !ok {
		t.Fatalf("no status recorded for %s", rcpt)
	}
	if !st.Delivered || st.Code != 250 {
		t.Fatalf("wrong status for %s: %+v", rcpt, st)
	}
}

func TestRemoteDelivery(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:"+smtpPort)
	defer srv.Close()
	defer testutils.CheckSMTPConnLeak(t, srv)
	zones := map[string]mockdns.Zone{
		"mx.example.invalid.": {
			A: []string{"127.0.0.1"},
		},
	}

	tgt := testTarget(t, zones, &staticSecure{mxs: map[string][]mxroute.SecureMX{
		"example.invalid": opportunistic("mx.example.invalid"),
	}})

	s := makeTestSession(t, "test@example.com", "test@example.invalid")
	if err := tgt.Deliver(context.Background(), s); err != nil {
		t.Fatal(err)
	}

	be.CheckMsg(t, 0, "test@example.com", []string{"test@example.invalid"})
	checkDelivered(t, s.Envelopes[0], "test@example.invalid")
}

func TestRemoteDelivery_MultipleDomains(t *testing.T) {
	be1, srv1 := testutils.SMTPServer(t, "127.0.0.1:"+smtpPort)
	defer srv1.Close()
	defer testutils.CheckSMTPConnLeak(t, srv1)
	be2, srv2 := testutils.SMTPServer(t, "127.0.0.2:"+smtpPort)
	defer srv2.Close()
	defer testutils.CheckSMTPConnLeak(t, srv2)

	zones := map[string]mockdns.Zone{
		"mx.example.invalid.": {
			A: []string{"127.0.0.1"},
		},
		"mx.example2.invalid.": {
			A: []string{"127.0.0.2"},
		},
	}

	tgt := testTarget(t, zones, &staticSecure{mxs: map[string][]mxroute.SecureMX{
		"example.invalid":  opportunistic("mx.example.invalid"),
		"example2.invalid": opportunistic("mx.example2.invalid"),
	}})

	s := makeTestSession(t, "test@example.com",
		"test@example.invalid", "test@example2.invalid")
	if err := tgt.Deliver(context.Background(), s); err != nil {
		t.Fatal(err)
	}

	be1.CheckMsg(t, 0, "test@example.com", []string{"test@example.invalid"})
	be2.CheckMsg(t, 0, "test@example.com", []string{"test@example2.invalid"})
	checkDelivered(t, s.Envelopes[0], "test@example.invalid")
	checkDelivered(t, s.Envelopes[0], "test@example2.invalid")
}

func TestRemoteDelivery_MAILFROMErr(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:"+smtpPort)
	defer srv.Close()
	defer testutils.CheckSMTPConnLeak(t, srv)
	zones := map[string]mockdns.Zone{
		"mx.example.invalid.": {
			A: []string{"127.0.0.1"},
		},
	}

	be.MailErr = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 2},
		Message:      "Hey",
	}

	tgt := testTarget(t, zones, &staticSecure{mxs: map[string][]mxroute.SecureMX{
		"example.invalid": opportunistic("mx.example.invalid"),
	}})

	s := makeTestSession(t, "test@example.com",
		"a@example.invalid", "b@example.invalid")
	if err := tgt.Deliver(context.Background(), s); err != nil {
		t.Fatal("transaction reached the server, Deliver should not fail:", err)
	}

	// The sender was rejected for good, the verdict covers every
	// recipient of the transaction.
	for _, rcpt := range []string{"a@example.invalid", "b@example.invalid"} {
		st, ok := s.Envelopes[0].Status[rcpt]
		if !ok {
			t.Fatalf("no status recorded for %s", rcpt)
		}
		if st.Delivered || st.Code != 550 {
			t.Fatalf("wrong status for %s: %+v", rcpt, st)
		}
	}
}

func TestRemoteDelivery_MAILFROMErr_Temporary(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:"+smtpPort)
	defer srv.Close()
	defer testutils.CheckSMTPConnLeak(t, srv)
	zones := map[string]mockdns.Zone{
		"mx.example.invalid.": {
			A: []string{"127.0.0.1"},
		},
	}

	be.MailErr = &smtp.SMTPError{
		Code:         450,
		EnhancedCode: smtp.EnhancedCode{4, 1, 2},
		Message:      "Not now",
	}

	tgt := testTarget(t, zones, &staticSecure{mxs: map[string][]mxroute.SecureMX{
		"example.invalid": opportunistic("mx.example.invalid"),
	}})

	s := makeTestSession(t, "test@example.com", "a@example.invalid")
	if err := tgt.Deliver(context.Background(), s); err != nil {
		t.Fatal(err)
	}

	// A transient MAIL FROM reject leaves no verdict, the next queue pass
	// retries the whole transaction.
	if len(s.Envelopes[0].Status) != 0 {
		t.Fatalf("unexpected statuses recorded: %+v", s.Envelopes[0].Status)
	}
}

func TestRemoteDelivery_Partial(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:"+smtpPort)
	defer srv.Close()
	defer testutils.CheckSMTPConnLeak(t, srv)
	zones := map[string]mockdns.Zone{
		"mx.example.invalid.": {
			A: []string{"127.0.0.1"},
		},
	}

	be.RcptErr = map[string]error{
		"fail@example.invalid": &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "Hey",
		},
	}

	tgt := testTarget(t, zones, &staticSecure{mxs: map[string][]mxroute.SecureMX{
		"example.invalid": opportunistic("mx.example.invalid"),
	}})

	s := makeTestSession(t, "test@example.com",
		"ok@example.invalid", "fail@example.invalid")
	if err := tgt.Deliver(context.Background(), s); err != nil {
		t.Fatal(err)
	}

	be.CheckMsg(t, 0, "test@example.com", []string{"ok@example.invalid"})
	checkDelivered(t, s.Envelopes[0], "ok@example.invalid")

	st := s.Envelopes[0].Status["fail@example.invalid"]
	if st.Delivered || st.Code != 550 {
		t.Fatalf("wrong status for the rejected recipient: %+v", st)
	}
}

func TestRemoteDelivery_SkipsSettledRecipients(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:"+smtpPort)
	defer srv.Close()
	defer testutils.CheckSMTPConnLeak(t, srv)
	zones := map[string]mockdns.Zone{
		"mx.example.invalid.": {
			A: []string{"127.0.0.1"},
		},
	}

	tgt := testTarget(t, zones, &staticSecure{mxs: map[string][]mxroute.SecureMX{
		"example.invalid": opportunistic("mx.example.invalid"),
	}})

	s := makeTestSession(t, "test@example.com",
		"done@example.invalid", "rejected@example.invalid", "pending@example.invalid")
	env := s.Envelopes[0]
	env.SetStatus("done@example.invalid", 250, "250 2.0.0 OK", true)
	env.SetStatus("rejected@example.invalid", 550, "550 5.1.1 no such user", false)

	if err := tgt.Deliver(context.Background(), s); err != nil {
		t.Fatal(err)
	}

	// Only the recipient without a settled verdict is re-offered.
	be.CheckMsg(t, 0, "test@example.com", []string{"pending@example.invalid"})
	checkDelivered(t, env, "pending@example.invalid")
}

func TestRemoteDelivery_DATAErr(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:"+smtpPort)
	defer srv.Close()
	defer testutils.CheckSMTPConnLeak(t, srv)
	zones := map[string]mockdns.Zone{
		"mx.example.invalid.": {
			A: []string{"127.0.0.1"},
		},
	}

	be.DataErr = &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCode{5, 6, 0},
		Message:      "Hey",
	}

	tgt := testTarget(t, zones, &staticSecure{mxs: map[string][]mxroute.SecureMX{
		"example.invalid": opportunistic("mx.example.invalid"),
	}})

	s := makeTestSession(t, "test@example.com",
		"a@example.invalid", "b@example.invalid")
	if err := tgt.Deliver(context.Background(), s); err != nil {
		t.Fatal(err)
	}

	// The message was rejected after the final dot, the verdict covers
	// the whole accepted recipient set.
	for _, rcpt := range []string{"a@example.invalid", "b@example.invalid"} {
		st := s.Envelopes[0].Status[rcpt]
		if st.Delivered || st.Code != 554 {
			t.Fatalf("wrong status for %s: %+v", rcpt, st)
		}
	}
}

func TestRemoteDelivery_Down(t *testing.T) {
	zones := map[string]mockdns.Zone{
		"mx.example.invalid.": {
			A: []string{"127.0.0.1"},
		},
	}

	tgt := testTarget(t, zones, &staticSecure{mxs: map[string][]mxroute.SecureMX{
		"example.invalid": opportunistic("mx.example.invalid"),
	}})
	tgt.connectTimeout = 5 * time.Second

	// No server is listening on smtpPort here.
	s := makeTestSession(t, "test@example.com", "test@example.invalid")
	if err := tgt.Deliver(context.Background(), s); err == nil {
		t.Fatal("Deliver should fail when no MX could be reached")
	}

	if len(s.Envelopes[0].Status) != 0 {
		t.Fatalf("connection failure must not settle recipients: %+v", s.Envelopes[0].Status)
	}
}

func TestRemoteDelivery_NullMX(t *testing.T) {
	tgt := testTarget(t, nil, &staticSecure{err: mxroute.ErrNullMX})

	s := makeTestSession(t, "test@example.com", "test@example.invalid")
	if err := tgt.Deliver(context.Background(), s); err == nil {
		t.Fatal("Deliver should report the failed attempt")
	}

	// RFC 7505 - the domain said it never accepts mail, the verdict is
	// final and recorded so the queue can bounce without retrying.
	st, ok := s.Envelopes[0].Status["test@example.invalid"]
	if !ok {
		t.Fatal("no status recorded for the null MX domain")
	}
	if st.Delivered || st.Code != 556 {
		t.Fatalf("wrong status: %+v", st)
	}
}

func TestRemoteDelivery_NoMX(t *testing.T) {
	tgt := testTarget(t, nil, &staticSecure{mxs: map[string][]mxroute.SecureMX{}})

	s := makeTestSession(t, "test@example.com", "test@example.invalid")
	if err := tgt.Deliver(context.Background(), s); err == nil {
		t.Fatal("Deliver should report the failed attempt")
	}

	st, ok := s.Envelopes[0].Status["test@example.invalid"]
	if !ok {
		t.Fatal("no status recorded for the MX-less domain")
	}
	if st.Delivered || st.Code != 550 {
		t.Fatalf("wrong status: %+v", st)
	}
}

func TestRemoteDelivery_ConnReuse(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:"+smtpPort)
	defer srv.Close()
	defer testutils.CheckSMTPConnLeak(t, srv)
	zones := map[string]mockdns.Zone{
		"mx.example.invalid.": {
			A: []string{"127.0.0.1"},
		},
	}

	tgt := testTarget(t, zones, &staticSecure{mxs: map[string][]mxroute.SecureMX{
		"example.invalid": opportunistic("mx.example.invalid"),
	}})

	s := makeTestSession(t, "test@example.com", "a@example.invalid")
	if err := tgt.Deliver(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	s2 := makeTestSession(t, "test@example.com", "b@example.invalid")
	if err := tgt.Deliver(context.Background(), s2); err != nil {
		t.Fatal(err)
	}

	be.CheckMsg(t, 0, "test@example.com", []string{"a@example.invalid"})
	be.CheckMsg(t, 1, "test@example.com", []string{"b@example.invalid"})
	if be.SessionCounter != 1 {
		t.Errorf("expected the pooled connection to be reused, got %d sessions", be.SessionCounter)
	}
}

func TestRemoteDelivery_TwoEnvelopes(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:"+smtpPort)
	defer srv.Close()
	defer testutils.CheckSMTPConnLeak(t, srv)
	zones := map[string]mockdns.Zone{
		"mx.example.invalid.": {
			A: []string{"127.0.0.1"},
		},
	}

	tgt := testTarget(t, zones, &staticSecure{mxs: map[string][]mxroute.SecureMX{
		"example.invalid": opportunistic("mx.example.invalid"),
	}})

	s := makeTestSession(t, "one@example.com", "a@example.invalid")
	env2 := s.OpenEnvelope("two@example.com")
	env2.AddRecipient("b@example.invalid")
	payload := "From: two@example.com\r\n\r\nsecond body\r\n"
	path := filepath.Join(t.TempDir(), "second.eml")
	if err := os.WriteFile(path, []byte(payload), 0o600); err != nil {
		t.Fatal(err)
	}
	env2.Artifact = session.NewFileArtifact(path, int64(len(payload)))

	if err := tgt.Deliver(context.Background(), s); err != nil {
		t.Fatal(err)
	}

	// Both envelopes ride the same connection as separate transactions.
	be.CheckMsg(t, 0, "one@example.com", []string{"a@example.invalid"})
	be.CheckMsg(t, 1, "two@example.com", []string{"b@example.invalid"})
	if be.SessionCounter != 1 {
		t.Errorf("expected one connection for both transactions, got %d", be.SessionCounter)
	}
	checkDelivered(t, s.Envelopes[0], "a@example.invalid")
	checkDelivered(t, s.Envelopes[1], "b@example.invalid")
}

func TestRemoteDelivery_ReceivedHeader(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:"+smtpPort)
	defer srv.Close()
	defer testutils.CheckSMTPConnLeak(t, srv)
	zones := map[string]mockdns.Zone{
		"mx.example.invalid.": {
			A: []string{"127.0.0.1"},
		},
	}

	tgt := testTarget(t, zones, &staticSecure{mxs: map[string][]mxroute.SecureMX{
		"example.invalid": opportunistic("mx.example.invalid"),
	}})

	s := makeTestSession(t, "test@example.com", "test@example.invalid")
	if err := tgt.Deliver(context.Background(), s); err != nil {
		t.Fatal(err)
	}

	if len(be.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(be.Messages))
	}
	body := string(be.Messages[0].Data)
	if !strings.Contains(body, "Received:") {
		t.Error("the relayed message carries no Received header")
	}
	if !strings.Contains(body, "Subject: hello maitred") {
		t.Error("the original header section was not preserved")
	}
}

func TestRemoteDelivery_STARTTLS(t *testing.T) {
	clientCfg, be, srv := testutils.SMTPServerSTARTTLS(t, "127.0.0.1:"+smtpPort)
	defer srv.Close()
	defer testutils.CheckSMTPConnLeak(t, srv)
	zones := map[string]mockdns.Zone{
		"mx.example.invalid.": {
			A: []string{"127.0.0.1"},
		},
	}

	tgt := testTarget(t, zones, &staticSecure{mxs: map[string][]mxroute.SecureMX{
		"example.invalid": opportunistic("mx.example.invalid"),
	}})
	tgt.tlsConfig = clientCfg

	s := makeTestSession(t, "test@example.com", "test@example.invalid")
	if err := tgt.Deliver(context.Background(), s); err != nil {
		t.Fatal(err)
	}

	be.CheckMsg(t, 0, "test@example.com", []string{"test@example.invalid"})
	checkDelivered(t, s.Envelopes[0], "test@example.invalid")
}

func TestRemoteDelivery_TLSFallback(t *testing.T) {
	_, be, srv := testutils.SMTPServerSTARTTLS(t, "127.0.0.1:"+smtpPort)
	defer srv.Close()
	defer testutils.CheckSMTPConnLeak(t, srv)
	zones := map[string]mockdns.Zone{
		"mx.example.invalid.": {
			A: []string{"127.0.0.1"},
		},
	}

	// The empty client config does not trust the server certificate, the
	// opportunistic policy still delivers over the downgraded connection.
	tgt := testTarget(t, zones, &staticSecure{mxs: map[string][]mxroute.SecureMX{
		"example.invalid": opportunistic("mx.example.invalid"),
	}})

	s := makeTestSession(t, "test@example.com", "test@example.invalid")
	if err := tgt.Deliver(context.Background(), s); err != nil {
		t.Fatal(err)
	}

	be.CheckMsg(t, 0, "test@example.com", []string{"test@example.invalid"})
	checkDelivered(t, s.Envelopes[0], "test@example.invalid")
}

func TestRemoteDelivery_STSEnforce_NoTLS(t *testing.T) {
	_, srv := testutils.SMTPServer(t, "127.0.0.1:"+smtpPort)
	defer srv.Close()
	defer testutils.CheckSMTPConnLeak(t, srv)
	zones := map[string]mockdns.Zone{
		"mx.example.invalid.": {
			A: []string{"127.0.0.1"},
		},
	}

	tgt := testTarget(t, zones, &staticSecure{mxs: map[string][]mxroute.SecureMX{
		"example.invalid": {{
			Host:    "mx.example.invalid",
			Pref:    10,
			Policy:  mxroute.STS,
			STSMode: mtasts.ModeEnforce,
		}},
	}})

	s := makeTestSession(t, "test@example.com", "test@example.invalid")
	err := tgt.Deliver(context.Background(), s)
	if err == nil {
		t.Fatal("plaintext delivery must not satisfy an enforced MTA-STS policy")
	}

	var smtpErr *exterrors.SMTPError
	if !errors.As(err, &smtpErr) {
		t.Fatalf("not an SMTP error: %v", err)
	}
	if smtpErr.Code != 451 || !smtpErr.Temporary() {
		t.Fatalf("policy failures must be temporary, got %+v", smtpErr)
	}
	if len(s.Envelopes[0].Status) != 0 {
		t.Fatalf("policy failure must not settle recipients: %+v", s.Envelopes[0].Status)
	}
}

func TestRemoteDelivery_STSTesting_NoTLS(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:"+smtpPort)
	defer srv.Close()
	defer testutils.CheckSMTPConnLeak(t, srv)
	zones := map[string]mockdns.Zone{
		"mx.example.invalid.": {
			A: []string{"127.0.0.1"},
		},
	}

	tgt := testTarget(t, zones, &staticSecure{mxs: map[string][]mxroute.SecureMX{
		"example.invalid": {{
			Host:    "mx.example.invalid",
			Pref:    10,
			Policy:  mxroute.STS,
			STSMode: mtasts.ModeTesting,
		}},
	}})

	s := makeTestSession(t, "test@example.com", "test@example.invalid")
	if err := tgt.Deliver(context.Background(), s); err != nil {
		t.Fatal(err)
	}

	// RFC 8461, Section 5 - testing mode reports but does not block.
	be.CheckMsg(t, 0, "test@example.com", []string{"test@example.invalid"})
	checkDelivered(t, s.Envelopes[0], "test@example.invalid")
}
