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
	"context"
	"encoding/base64"
	"errors"
	"net"
	"net/textproto"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	emtextproto "github.com/emersion/go-message/textproto"

	"github.com/maitred-mta/maitred/framework/buffer"
	"github.com/maitred-mta/maitred/framework/module"
	"github.com/maitred-mta/maitred/internal/auth"
	"github.com/maitred-mta/maitred/internal/limits"
	"github.com/maitred-mta/maitred/internal/session"
	"github.com/maitred-mta/maitred/internal/testutils"
)

type testEnqueuer struct {
	mu       sync.Mutex
	sessions []*session.RelaySession
	err      error
}

func (q *testEnqueuer) Enqueue(rs *session.RelaySession) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.sessions = append(q.sessions, rs)
	return nil
}

func (q *testEnqueuer) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.sessions)
}

type testLocal struct {
	mu     sync.Mutex
	rcpts  []string
	bodies []string
	err    error
}

func (tl *testLocal) Deliver(_ context.Context, _ *module.MsgMetadata, _ string, rcptTo []string, _ emtextproto.Header, body buffer.Buffer) error {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.err != nil {
		return tl.err
	}
	r, err := body.Open()
	if err != nil {
		return err
	}
	defer r.Close()
	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		sb.Write(buf[:n])
		if err != nil {
			break
		}
	}
	tl.rcpts = append(tl.rcpts, rcptTo...)
	tl.bodies = append(tl.bodies, sb.String())
	return nil
}

func testEndpoint(t *testing.T) (*Endpoint, *testEnqueuer) {
	t.Helper()
	enq := &testEnqueuer{}
	endp := &Endpoint{
		name:            "smtp",
		hostname:        "mx.example.test",
		errorLimit:      10,
		recipientsLimit: 100,
		emailSizeLimit:  1 * 1024 * 1024,
		maxReceived:     50,
		cmdTimeout:      15 * time.Second,
		writeTimeout:    15 * time.Second,
		dataTimeout:     15 * time.Second,
		tracker:         limits.NewTracker(limits.TrackerConfig{}),
		limits:          &limits.Group{},
		rules:           &ruleSet{},
		spoolDir:        t.TempDir(),
		queue:           enq,
		Log:             testutils.Logger(t, "smtp"),
	}
	return endp, enq
}

// dialEndpoint serves exactly one connection through the endpoint and
// returns the client side with the greeting already consumed.
func dialEndpoint(t *testing.T, endp *Endpoint) *textproto.Conn {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		c, err := l.Accept()
		if err != nil {
			return
		}
		endp.serveConn(c)
	}()
	t.Cleanup(func() {
		l.Close()
		<-done
	})

	nc, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	nc.(*net.TCPConn).SetDeadline(time.Now().Add(15 * time.Second))
	tc := textproto.NewConn(nc)
	t.Cleanup(func() { tc.Close() })
	if _, _, err := tc.ReadResponse(220); err != nil {
		t.Fatal("greeting:", err)
	}
	return tc
}

func cmd(t *testing.T, tc *textproto.Conn, expectCode int, format string, args ...interface{}) string {
	t.Helper()
	if err := tc.PrintfLine(format, args...); err != nil {
		t.Fatal(err)
	}
	_, msg, err := tc.ReadResponse(expectCode)
	if err != nil {
		t.Fatalf("%s: %v", format, err)
	}
	return msg
}

func sendMessage(t *testing.T, tc *textproto.Conn, body string) {
	t.Helper()
	cmd(t, tc, 354, "DATA")
	body = strings.ReplaceAll(body, "\r\n", "\n")
	for _, line := range strings.Split(body, "\n") {
		if err := tc.PrintfLine("%s", line); err != nil {
			t.Fatal(err)
		}
	}
	if err := tc.PrintfLine("."); err != nil {
		t.Fatal(err)
	}
}

const testMessage = "From: <sender@example.com>\r\nTo: <to@example.test>\r\nSubject: hi\r\n\r\nHello."

func TestBasicTransaction(t *testing.T) {
	endp, enq := testEndpoint(t)
	tc := dialEndpoint(t, endp)

	msg := cmd(t, tc, 250, "EHLO client.example.com")
	if !strings.Contains(msg, "PIPELINING") {
		t.Errorf("EHLO reply misses PIPELINING: %q", msg)
	}
	cmd(t, tc, 250, "MAIL FROM:<sender@example.com> SIZE=100")
	cmd(t, tc, 250, "RCPT TO:<to@example.test>")
	sendMessage(t, tc, testMessage)
	if _, _, err := tc.ReadResponse(250); err != nil {
		t.Fatal("end of data:", err)
	}
	cmd(t, tc, 221, "QUIT")

	if enq.count() != 1 {
		t.Fatalf("enqueued %d sessions, want 1", enq.count())
	}
	sess := enq.sessions[0].Session
	if len(sess.Envelopes) != 1 {
		t.Fatalf("got %d envelopes, want 1", len(sess.Envelopes))
	}
	env := sess.Envelopes[0]
	if env.Sender != "sender@example.com" {
		t.Errorf("sender = %q", env.Sender)
	}
	if len(env.Recipients) != 1 || env.Recipients[0] != "to@example.test" {
		t.Errorf("recipients = %v", env.Recipients)
	}
	if env.DeclaredSize != 100 {
		t.Errorf("declared size = %d", env.DeclaredSize)
	}
	if env.Artifact == nil {
		t.Fatal("no artifact on envelope")
	}
	data, err := os.ReadFile(env.Artifact.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "Hello.") {
		t.Errorf("artifact misses the body: %q", string(data))
	}
	if !strings.Contains(string(data), "Subject: hi") {
		t.Errorf("artifact misses the header: %q", string(data))
	}
}

func TestCommandOrdering(t *testing.T) {
	endp, _ := testEndpoint(t)
	tc := dialEndpoint(t, endp)

	cmd(t, tc, 503, "MAIL FROM:<sender@example.com>") // no HELO yet
	cmd(t, tc, 250, "EHLO client.example.com")
	cmd(t, tc, 503, "RCPT TO:<to@example.test>")
	cmd(t, tc, 503, "DATA")
	cmd(t, tc, 250, "MAIL FROM:<>")
	cmd(t, tc, 503, "DATA") // still no recipients
}

func TestRecipientsLimit(t *testing.T) {
	endp, _ := testEndpoint(t)
	endp.recipientsLimit = 2
	tc := dialEndpoint(t, endp)

	cmd(t, tc, 250, "EHLO client.example.com")
	cmd(t, tc, 250, "MAIL FROM:<sender@example.com>")
	cmd(t, tc, 250, "RCPT TO:<a@example.test>")
	cmd(t, tc, 250, "RCPT TO:<b@example.test>")
	cmd(t, tc, 452, "RCPT TO:<c@example.test>")
}

func TestEnvelopeLimit(t *testing.T) {
	endp, _ := testEndpoint(t)
	endp.envelopeLimit = 1
	tc := dialEndpoint(t, endp)

	cmd(t, tc, 250, "EHLO client.example.com")
	cmd(t, tc, 250, "MAIL FROM:<sender@example.com>")
	cmd(t, tc, 250, "RSET")
	cmd(t, tc, 452, "MAIL FROM:<sender@example.com>")
}

func TestEmailSizeLimit(t *testing.T) {
	endp, enq := testEndpoint(t)
	endp.emailSizeLimit = 128
	tc := dialEndpoint(t, endp)

	cmd(t, tc, 250, "EHLO client.example.com")
	cmd(t, tc, 250, "MAIL FROM:<sender@example.com>")
	cmd(t, tc, 250, "RCPT TO:<to@example.test>")
	sendMessage(t, tc, "Subject: big\r\n\r\n"+strings.Repeat("spam and eggs\r\n", 64))
	if _, _, err := tc.ReadResponse(552); err != nil {
		t.Fatal("oversized message:", err)
	}
	// The connection must survive the rejection.
	cmd(t, tc, 250, "NOOP")
	if enq.count() != 0 {
		t.Errorf("oversized message was enqueued")
	}
}

func TestSizeParamOverLimit(t *testing.T) {
	endp, _ := testEndpoint(t)
	endp.emailSizeLimit = 1024
	tc := dialEndpoint(t, endp)

	cmd(t, tc, 250, "EHLO client.example.com")
	cmd(t, tc, 552, "MAIL FROM:<sender@example.com> SIZE=1000000")
}

func TestErrorLimit(t *testing.T) {
	endp, _ := testEndpoint(t)
	endp.errorLimit = 3
	tc := dialEndpoint(t, endp)

	cmd(t, tc, 500, "FROBNICATE")
	cmd(t, tc, 500, "FROBNICATE")
	if err := tc.PrintfLine("FROBNICATE"); err != nil {
		t.Fatal(err)
	}
	tc.ReadResponse(500) //nolint:errcheck
	if _, _, err := tc.ReadResponse(421); err != nil {
		t.Fatal("expected 421 after error limit:", err)
	}
	if _, err := tc.ReadLine(); err == nil {
		t.Error("connection still open after error limit")
	}
}

func TestCommandLineTooLong(t *testing.T) {
	endp, _ := testEndpoint(t)
	tc := dialEndpoint(t, endp)

	cmd(t, tc, 500, "MAIL FROM:<%s@example.com>", strings.Repeat("x", 600))
	// Long line fully drained, the next command parses cleanly.
	cmd(t, tc, 250, "EHLO client.example.com")
}

func TestBareLFTolerated(t *testing.T) {
	endp, _ := testEndpoint(t)
	tc := dialEndpoint(t, endp)

	if _, err := tc.W.WriteString("EHLO client.example.com\n"); err != nil {
		t.Fatal(err)
	}
	if err := tc.W.Flush(); err != nil {
		t.Fatal(err)
	}
	if _, _, err := tc.ReadResponse(250); err != nil {
		t.Fatal("bare-LF EHLO:", err)
	}
}

func TestCrossProtocolClose(t *testing.T) {
	endp, _ := testEndpoint(t)
	tc := dialEndpoint(t, endp)

	if err := tc.PrintfLine("GET / HTTP/1.1"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := tc.ReadResponse(502); err != nil {
		t.Fatal("cross-protocol reply:", err)
	}
	if _, err := tc.ReadLine(); err == nil {
		t.Error("connection still open after cross-protocol command")
	}
}

func TestBdatTransaction(t *testing.T) {
	endp, enq := testEndpoint(t)
	tc := dialEndpoint(t, endp)

	cmd(t, tc, 250, "EHLO client.example.com")
	cmd(t, tc, 250, "MAIL FROM:<sender@example.com>")
	cmd(t, tc, 250, "RCPT TO:<to@example.test>")

	part1 := "Subject: chunked\r\n\r\nfirst "
	part2 := "second"
	if err := tc.PrintfLine("BDAT %d", len(part1)); err != nil {
		t.Fatal(err)
	}
	if _, err := tc.W.WriteString(part1); err != nil {
		t.Fatal(err)
	}
	tc.W.Flush()
	if _, _, err := tc.ReadResponse(250); err != nil {
		t.Fatal("first chunk:", err)
	}
	if err := tc.PrintfLine("BDAT %d LAST", len(part2)); err != nil {
		t.Fatal(err)
	}
	if _, err := tc.W.WriteString(part2); err != nil {
		t.Fatal(err)
	}
	tc.W.Flush()
	if _, _, err := tc.ReadResponse(250); err != nil {
		t.Fatal("last chunk:", err)
	}

	if enq.count() != 1 {
		t.Fatalf("enqueued %d sessions, want 1", enq.count())
	}
	env := enq.sessions[0].Session.Envelopes[0]
	data, err := os.ReadFile(env.Artifact.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "first second") {
		t.Errorf("chunks not joined: %q", string(data))
	}
}

func TestBdatThenDataForbidden(t *testing.T) {
	endp, _ := testEndpoint(t)
	tc := dialEndpoint(t, endp)

	cmd(t, tc, 250, "EHLO client.example.com")
	cmd(t, tc, 250, "MAIL FROM:<sender@example.com>")
	cmd(t, tc, 250, "RCPT TO:<to@example.test>")

	chunk := "Subject: x\r\n\r\nbody"
	if err := tc.PrintfLine("BDAT %d", len(chunk)); err != nil {
		t.Fatal(err)
	}
	if _, err := tc.W.WriteString(chunk); err != nil {
		t.Fatal(err)
	}
	tc.W.Flush()
	if _, _, err := tc.ReadResponse(250); err != nil {
		t.Fatal(err)
	}
	cmd(t, tc, 503, "DATA")
}

func TestBdatWithoutMail(t *testing.T) {
	endp, _ := testEndpoint(t)
	tc := dialEndpoint(t, endp)

	cmd(t, tc, 250, "EHLO client.example.com")
	if err := tc.PrintfLine("BDAT 4"); err != nil {
		t.Fatal(err)
	}
	if _, err := tc.W.WriteString("junk"); err != nil {
		t.Fatal(err)
	}
	tc.W.Flush()
	if _, _, err := tc.ReadResponse(503); err != nil {
		t.Fatal(err)
	}
	// Chunk consumed, connection usable.
	cmd(t, tc, 250, "NOOP")
}

func TestBlackholeRule(t *testing.T) {
	endp, enq := testEndpoint(t)
	endp.rules.blackhole = []*matchRule{
		{mail: regexp.MustCompile(`^spammer@`)},
	}
	tc := dialEndpoint(t, endp)

	cmd(t, tc, 250, "EHLO client.example.com")
	cmd(t, tc, 250, "MAIL FROM:<spammer@example.com>")
	cmd(t, tc, 250, "RCPT TO:<to@example.test>")
	sendMessage(t, tc, testMessage)
	// Indistinguishable from acceptance on the wire.
	if _, _, err := tc.ReadResponse(250); err != nil {
		t.Fatal("blackholed message reply:", err)
	}

	if enq.count() != 0 {
		t.Error("blackholed message was enqueued")
	}
	ents, err := os.ReadDir(endp.spoolDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(ents) != 0 {
		t.Errorf("blackholed message left %d spool files", len(ents))
	}
}

func TestBotAddressAuthorization(t *testing.T) {
	endp, _ := testEndpoint(t)
	bot := &botRule{
		pattern: regexp.MustCompile(`^deploy@example\.test$`),
		tokens:  map[string]struct{}{"s3cret": {}},
		name:    "deploy",
	}
	endp.rules.bots = []*botRule{bot}
	tc := dialEndpoint(t, endp)

	cmd(t, tc, 250, "EHLO client.example.com")
	cmd(t, tc, 250, "MAIL FROM:<sender@example.com>")
	cmd(t, tc, 550, "RCPT TO:<deploy@example.test>")
	cmd(t, tc, 250, "RCPT TO:<deploy+s3cret@example.test>")
}

func TestSubmissionRequiresAuth(t *testing.T) {
	endp, enq := testEndpoint(t)
	endp.name = "submission"
	endp.submission = true
	endp.insecureAuth = true
	endp.saslAuth = auth.SASLAuth{
		Log:   testutils.Logger(t, "submission/auth"),
		Plain: []module.PlainAuth{staticCreds{"user@example.test": "pass"}},
	}
	tc := dialEndpoint(t, endp)

	cmd(t, tc, 250, "EHLO client.example.com")
	cmd(t, tc, 530, "MAIL FROM:<user@example.test>")

	creds := base64.StdEncoding.EncodeToString([]byte("\x00user@example.test\x00pass"))
	cmd(t, tc, 235, "AUTH PLAIN %s", creds)
	cmd(t, tc, 250, "MAIL FROM:<user@example.test>")
	cmd(t, tc, 250, "RCPT TO:<to@example.com>")
	sendMessage(t, tc, testMessage)
	if _, _, err := tc.ReadResponse(250); err != nil {
		t.Fatal(err)
	}

	if enq.count() != 1 {
		t.Fatalf("enqueued %d sessions, want 1", enq.count())
	}
	if u := enq.sessions[0].Session.AuthUser; u != "user@example.test" {
		t.Errorf("auth user = %q", u)
	}
}

func TestAuthBadCredentials(t *testing.T) {
	endp, _ := testEndpoint(t)
	endp.insecureAuth = true
	endp.saslAuth = auth.SASLAuth{
		Log:   testutils.Logger(t, "smtp/auth"),
		Plain: []module.PlainAuth{staticCreds{"user@example.test": "pass"}},
	}
	tc := dialEndpoint(t, endp)

	cmd(t, tc, 250, "EHLO client.example.com")
	creds := base64.StdEncoding.EncodeToString([]byte("\x00user@example.test\x00wrong"))
	cmd(t, tc, 535, "AUTH PLAIN %s", creds)
}

type staticCreds map[string]string

func (s staticCreds) AuthPlain(username, password string) error {
	if s[username] != password {
		return errors.New("invalid credentials")
	}
	return nil
}

func TestLmtpPerRecipientReplies(t *testing.T) {
	endp, enq := testEndpoint(t)
	endp.name = "lmtp"
	endp.lmtp = true
	tc := dialEndpoint(t, endp)

	cmd(t, tc, 500, "EHLO client.example.com")
	cmd(t, tc, 250, "LHLO client.example.com")
	cmd(t, tc, 250, "MAIL FROM:<sender@example.com>")
	cmd(t, tc, 250, "RCPT TO:<a@example.test>")
	cmd(t, tc, 250, "RCPT TO:<b@example.test>")
	sendMessage(t, tc, testMessage)
	for i := 0; i < 2; i++ {
		if _, _, err := tc.ReadResponse(250); err != nil {
			t.Fatalf("per-recipient reply %d: %v", i, err)
		}
	}
	if enq.count() != 1 {
		t.Fatalf("enqueued %d sessions, want 1", enq.count())
	}
}

func TestXclientDisabledByDefault(t *testing.T) {
	endp, _ := testEndpoint(t)
	tc := dialEndpoint(t, endp)

	cmd(t, tc, 250, "EHLO client.example.com")
	cmd(t, tc, 550, "XCLIENT ADDR=192.0.2.1")
}

func TestXclientRewritesSession(t *testing.T) {
	endp, enq := testEndpoint(t)
	endp.xclientOK = true
	tc := dialEndpoint(t, endp)

	cmd(t, tc, 250, "EHLO client.example.com")
	if err := tc.PrintfLine("XCLIENT ADDR=192.0.2.7 HELO=forwarded.example.com"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := tc.ReadResponse(220); err != nil {
		t.Fatal("XCLIENT banner:", err)
	}
	cmd(t, tc, 250, "EHLO client.example.com")
	cmd(t, tc, 250, "MAIL FROM:<sender@example.com>")
	cmd(t, tc, 250, "RCPT TO:<to@example.test>")
	sendMessage(t, tc, testMessage)
	if _, _, err := tc.ReadResponse(250); err != nil {
		t.Fatal(err)
	}

	sess := enq.sessions[0].Session
	if !strings.HasPrefix(sess.RemoteAddr, "192.0.2.7") {
		t.Errorf("session remote addr = %q", sess.RemoteAddr)
	}
}

func TestChaosHeader(t *testing.T) {
	endp, enq := testEndpoint(t)
	endp.chaosHeaders = true
	tc := dialEndpoint(t, endp)

	cmd(t, tc, 250, "EHLO client.example.com")
	cmd(t, tc, 250, "MAIL FROM:<sender@example.com>")
	cmd(t, tc, 250, "RCPT TO:<to@example.test>")
	sendMessage(t, tc, "X-Maitred-Chaos: 451 simulated failure\r\n\r\nbody")
	if _, _, err := tc.ReadResponse(451); err != nil {
		t.Fatal("chaos reply:", err)
	}
	if enq.count() != 0 {
		t.Error("chaos message was enqueued")
	}
}

func TestChaosHeaderIgnoredByDefault(t *testing.T) {
	endp, enq := testEndpoint(t)
	tc := dialEndpoint(t, endp)

	cmd(t, tc, 250, "EHLO client.example.com")
	cmd(t, tc, 250, "MAIL FROM:<sender@example.com>")
	cmd(t, tc, 250, "RCPT TO:<to@example.test>")
	sendMessage(t, tc, "X-Maitred-Chaos: 451 simulated failure\r\n\r\nbody")
	if _, _, err := tc.ReadResponse(250); err != nil {
		t.Fatal(err)
	}
	if enq.count() != 1 {
		t.Error("message with ignored chaos header was not enqueued")
	}
}

type rejectScanner struct {
	threat string
}

func (s rejectScanner) Scan(context.Context, *module.MsgMetadata, emtextproto.Header, buffer.Buffer) (module.ScanResult, error) {
	return module.ScanResult{Reject: true, Threat: s.threat}, nil
}

type brokenScanner struct{}

func (brokenScanner) Scan(context.Context, *module.MsgMetadata, emtextproto.Header, buffer.Buffer) (module.ScanResult, error) {
	return module.ScanResult{}, errors.New("daemon unreachable")
}

func TestScannerReject(t *testing.T) {
	endp, enq := testEndpoint(t)
	endp.scanners = []module.Scanner{rejectScanner{threat: "Eicar-Test"}}
	tc := dialEndpoint(t, endp)

	cmd(t, tc, 250, "EHLO client.example.com")
	cmd(t, tc, 250, "MAIL FROM:<sender@example.com>")
	cmd(t, tc, 250, "RCPT TO:<to@example.test>")
	sendMessage(t, tc, testMessage)
	if _, _, err := tc.ReadResponse(554); err != nil {
		t.Fatal("infected message reply:", err)
	}
	if enq.count() != 0 {
		t.Error("infected message was enqueued")
	}
}

func TestScannerErrorIsTemporary(t *testing.T) {
	endp, enq := testEndpoint(t)
	endp.scanners = []module.Scanner{brokenScanner{}}
	tc := dialEndpoint(t, endp)

	cmd(t, tc, 250, "EHLO client.example.com")
	cmd(t, tc, 250, "MAIL FROM:<sender@example.com>")
	cmd(t, tc, 250, "RCPT TO:<to@example.test>")
	sendMessage(t, tc, testMessage)
	if _, _, err := tc.ReadResponse(451); err != nil {
		t.Fatal("scan failure reply:", err)
	}
	if enq.count() != 0 {
		t.Error("unscanned message was enqueued")
	}
}

type staticScorer struct {
	score   float64
	symbols []string
}

func (s staticScorer) Score(context.Context, *module.MsgMetadata, emtextproto.Header, buffer.Buffer) (module.ScoreResult, error) {
	return module.ScoreResult{Score: s.score, Symbols: s.symbols}, nil
}

func TestScoreThresholds(t *testing.T) {
	check := func(t *testing.T, score float64, wantCode int, wantQueued int) {
		endp, enq := testEndpoint(t)
		endp.scorer = staticScorer{score: score, symbols: []string{"TEST_RULE"}}
		endp.scoreReject = 15
		endp.scoreDiscard = 6
		tc := dialEndpoint(t, endp)

		cmd(t, tc, 250, "EHLO client.example.com")
		cmd(t, tc, 250, "MAIL FROM:<sender@example.com>")
		cmd(t, tc, 250, "RCPT TO:<to@example.test>")
		sendMessage(t, tc, testMessage)
		if _, _, err := tc.ReadResponse(wantCode); err != nil {
			t.Fatalf("score %v: %v", score, err)
		}
		if enq.count() != wantQueued {
			t.Errorf("score %v: enqueued %d, want %d", score, enq.count(), wantQueued)
		}
	}

	t.Run("below", func(t *testing.T) { check(t, 2, 250, 1) })
	t.Run("discard", func(t *testing.T) { check(t, 8, 250, 0) })
	t.Run("reject", func(t *testing.T) { check(t, 20, 554, 0) })
}

type staticWebhook struct {
	override *module.WebhookOverride
	err      error

	mu   sync.Mutex
	last *module.WebhookEvent
}

func (w *staticWebhook) Dispatch(_ context.Context, ev *module.WebhookEvent) (*module.WebhookOverride, error) {
	w.mu.Lock()
	w.last = ev
	w.mu.Unlock()
	return w.override, w.err
}

func TestWebhookReject(t *testing.T) {
	endp, enq := testEndpoint(t)
	hook := &staticWebhook{override: &module.WebhookOverride{Action: module.ActionReject, Code: 550, Message: "not today"}}
	endp.webhook = hook
	tc := dialEndpoint(t, endp)

	cmd(t, tc, 250, "EHLO client.example.com")
	cmd(t, tc, 250, "MAIL FROM:<sender@example.com>")
	cmd(t, tc, 250, "RCPT TO:<to@example.test>")
	sendMessage(t, tc, testMessage)
	_, msg, err := tc.ReadResponse(550)
	if err != nil {
		t.Fatal("webhook reject reply:", err)
	}
	if !strings.Contains(msg, "not today") {
		t.Errorf("override message not used: %q", msg)
	}
	if enq.count() != 0 {
		t.Error("rejected message was enqueued")
	}

	hook.mu.Lock()
	defer hook.mu.Unlock()
	if hook.last == nil || hook.last.MailFrom != "sender@example.com" {
		t.Errorf("webhook event = %+v", hook.last)
	}
}

func TestWebhookDiscard(t *testing.T) {
	endp, enq := testEndpoint(t)
	endp.webhook = &staticWebhook{override: &module.WebhookOverride{Action: module.ActionDiscard}}
	tc := dialEndpoint(t, endp)

	cmd(t, tc, 250, "EHLO client.example.com")
	cmd(t, tc, 250, "MAIL FROM:<sender@example.com>")
	cmd(t, tc, 250, "RCPT TO:<to@example.test>")
	sendMessage(t, tc, testMessage)
	if _, _, err := tc.ReadResponse(250); err != nil {
		t.Fatal(err)
	}
	if enq.count() != 0 {
		t.Error("discarded message was enqueued")
	}
}

func TestWebhookErrorFailOpen(t *testing.T) {
	endp, enq := testEndpoint(t)
	endp.webhook = &staticWebhook{err: errors.New("connection refused")}
	tc := dialEndpoint(t, endp)

	cmd(t, tc, 250, "EHLO client.example.com")
	cmd(t, tc, 250, "MAIL FROM:<sender@example.com>")
	cmd(t, tc, 250, "RCPT TO:<to@example.test>")
	sendMessage(t, tc, testMessage)
	if _, _, err := tc.ReadResponse(250); err != nil {
		t.Fatal(err)
	}
	if enq.count() != 1 {
		t.Error("message dropped on webhook failure with webhook_fatal off")
	}
}

func TestWebhookErrorFailClosed(t *testing.T) {
	endp, enq := testEndpoint(t)
	endp.webhook = &staticWebhook{err: errors.New("connection refused")}
	endp.webhookFatal = true
	tc := dialEndpoint(t, endp)

	cmd(t, tc, 250, "EHLO client.example.com")
	cmd(t, tc, 250, "MAIL FROM:<sender@example.com>")
	cmd(t, tc, 250, "RCPT TO:<to@example.test>")
	sendMessage(t, tc, testMessage)
	if _, _, err := tc.ReadResponse(451); err != nil {
		t.Fatal(err)
	}
	if enq.count() != 0 {
		t.Error("message enqueued despite webhook_fatal")
	}
}

func TestLocalDeliverySplit(t *testing.T) {
	endp, enq := testEndpoint(t)
	local := &testLocal{}
	endp.local = local
	endp.localDomains = map[string]struct{}{"example.test": {}}
	tc := dialEndpoint(t, endp)

	cmd(t, tc, 250, "EHLO client.example.com")
	cmd(t, tc, 250, "MAIL FROM:<sender@example.com>")
	cmd(t, tc, 250, "RCPT TO:<box@example.test>")
	cmd(t, tc, 250, "RCPT TO:<other@example.net>")
	sendMessage(t, tc, testMessage)
	if _, _, err := tc.ReadResponse(250); err != nil {
		t.Fatal(err)
	}

	local.mu.Lock()
	defer local.mu.Unlock()
	if len(local.rcpts) != 1 || local.rcpts[0] != "box@example.test" {
		t.Errorf("local recipients = %v", local.rcpts)
	}
	if enq.count() != 1 {
		t.Fatalf("enqueued %d sessions, want 1", enq.count())
	}
	env := enq.sessions[0].Session.Envelopes[0]
	if len(env.Recipients) != 1 || env.Recipients[0] != "other@example.net" {
		t.Errorf("queued recipients = %v", env.Recipients)
	}
}

func TestEnqueueFailureReleasesArtifact(t *testing.T) {
	endp, enq := testEndpoint(t)
	enq.err = errors.New("queue storage gone")
	tc := dialEndpoint(t, endp)

	cmd(t, tc, 250, "EHLO client.example.com")
	cmd(t, tc, 250, "MAIL FROM:<sender@example.com>")
	cmd(t, tc, 250, "RCPT TO:<to@example.test>")
	sendMessage(t, tc, testMessage)
	if _, _, err := tc.ReadResponse(451); err != nil {
		t.Fatal("enqueue failure reply:", err)
	}

	ents, err := os.ReadDir(endp.spoolDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(ents) != 0 {
		t.Errorf("failed enqueue left %d spool files", len(ents))
	}
}

func TestDuplicateRecipientCollapsed(t *testing.T) {
	endp, enq := testEndpoint(t)
	tc := dialEndpoint(t, endp)

	cmd(t, tc, 250, "EHLO client.example.com")
	cmd(t, tc, 250, "MAIL FROM:<sender@example.com>")
	cmd(t, tc, 250, "RCPT TO:<to@example.test>")
	cmd(t, tc, 250, "RCPT TO:<to@example.test>")
	sendMessage(t, tc, testMessage)
	if _, _, err := tc.ReadResponse(250); err != nil {
		t.Fatal(err)
	}
	env := enq.sessions[0].Session.Envelopes[0]
	if len(env.Recipients) != 1 {
		t.Errorf("recipients = %v", env.Recipients)
	}
}

func TestVrfyAndExpn(t *testing.T) {
	endp, _ := testEndpoint(t)
	tc := dialEndpoint(t, endp)

	cmd(t, tc, 250, "EHLO client.example.com")
	cmd(t, tc, 252, "VRFY postmaster")
	cmd(t, tc, 502, "EXPN staff")
	cmd(t, tc, 214, "HELP")
}

func TestDosBlockedConnection(t *testing.T) {
	endp, _ := testEndpoint(t)
	endp.tracker.Close()
	endp.tracker = limits.NewTracker(limits.TrackerConfig{
		Enabled:          true,
		MaxConnsPerIP:    1,
		MaxConnsTotal:    1000,
		RateLimitWindow:  time.Minute,
		InactivityExpiry: time.Minute,
	})
	t.Cleanup(func() { endp.tracker.Close() })

	tc := dialEndpoint(t, endp)
	cmd(t, tc, 250, "EHLO client.example.com")

	// Second concurrent connection from the same IP is over the limit.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		endp.serveConn(c)
	}()
	nc, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()
	nc.(*net.TCPConn).SetDeadline(time.Now().Add(15 * time.Second))
	tc2 := textproto.NewConn(nc)
	if _, _, err := tc2.ReadResponse(421); err != nil {
		t.Fatal("expected 421 for blocked connection:", err)
	}
}

func TestSpoolFileNaming(t *testing.T) {
	endp, enq := testEndpoint(t)
	tc := dialEndpoint(t, endp)

	cmd(t, tc, 250, "EHLO client.example.com")
	cmd(t, tc, 250, "MAIL FROM:<sender@example.com>")
	cmd(t, tc, 250, "RCPT TO:<to@example.test>")
	sendMessage(t, tc, testMessage)
	if _, _, err := tc.ReadResponse(250); err != nil {
		t.Fatal(err)
	}

	env := enq.sessions[0].Session.Envelopes[0]
	if filepath.Dir(env.Artifact.Path) != endp.spoolDir {
		t.Errorf("artifact outside the spool: %q", env.Artifact.Path)
	}
	if !strings.HasSuffix(env.Artifact.Path, ".eml") {
		t.Errorf("artifact name = %q", filepath.Base(env.Artifact.Path))
	}
}
