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
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	stdtextproto "net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/authres"
	"github.com/google/uuid"

	"github.com/maitred-mta/maitred/framework/address"
	"github.com/maitred-mta/maitred/framework/buffer"
	"github.com/maitred-mta/maitred/framework/module"
	"github.com/maitred-mta/maitred/internal/limits"
	"github.com/maitred-mta/maitred/internal/session"
)

// chaosHeader is honoured only with chaos_headers on (development
// installs): its value becomes the end-of-data reply, e.g. "451 try
// again" to exercise client retry paths.
const chaosHeader = "X-Maitred-Chaos"

func (c *conn) cmdDATA() bool {
	if c.tx == nil {
		return c.reply(503, "5.5.1 Need MAIL before DATA")
	}
	if len(c.tx.rcpts) == 0 {
		return c.reply(503, "5.5.1 Need RCPT before DATA")
	}
	if c.tx.chunks != nil {
		// RFC 3030, Section 2: DATA and BDAT cannot be mixed within one
		// transaction.
		return c.reply(503, "5.5.1 DATA not allowed after BDAT")
	}

	if !c.writeLine("354 Start mail input; end with <CRLF>.<CRLF>") {
		return false
	}

	c.nc.SetDeadline(time.Now().Add(c.endp.dataTimeout))

	dotr := stdtextproto.NewReader(c.r).DotReader()
	mr := c.monitorReads(dotr)
	counted := &countingReader{r: io.LimitReader(mr, c.endp.emailSizeLimit+1)}

	hdr, body, err := c.readMessage(counted)
	if counted.n > c.endp.emailSizeLimit {
		// The client keeps sending until the final dot no matter what we
		// think, so drain the rest before answering.
		io.Copy(io.Discard, dotr) //nolint:errcheck
		if body != nil {
			body.Remove() //nolint:errcheck
		}
		return c.fail("DATA", 552, "5.3.4 Message size exceeds limit")
	}
	if err != nil {
		if mr.limitsErr != nil {
			c.writeSMTPErr(mr.limitsErr)
			return false
		}
		c.log.Error("failed to read message body", err)
		return false
	}

	return c.finish(hdr, body)
}

func (c *conn) cmdBDAT(params string) bool {
	size, last, err := parseBdatArgs(params)
	if err != nil {
		return c.reply(501, "5.5.4 "+err.Error())
	}

	// The chunk is on the wire regardless of the transaction state, it
	// has to be consumed before any reply (RFC 3030, Section 2).
	if c.tx == nil || len(c.tx.rcpts) == 0 {
		if !c.discardChunk(size) {
			return false
		}
		if c.tx == nil {
			return c.reply(503, "5.5.1 Need MAIL before BDAT")
		}
		return c.reply(503, "5.5.1 Need RCPT before BDAT")
	}

	if c.tx.monitor == nil {
		c.tx.monitor = c.tconn.Data()
	}
	if c.tx.chunks == nil {
		c.tx.chunks = []byte{}
	}

	if c.tx.failCode != 0 {
		if !c.discardChunk(size) {
			return false
		}
		code, msg := c.tx.failCode, c.tx.failMsg
		if last {
			c.abortTransaction()
		}
		return c.reply(code, msg)
	}

	if int64(len(c.tx.chunks))+size > c.endp.emailSizeLimit {
		if !c.discardChunk(size) {
			return false
		}
		c.tx.failCode, c.tx.failMsg = 552, "5.3.4 Message size exceeds limit"
		failedTransactions.WithLabelValues(c.endp.name, "BDAT", "552").Inc()
		if last {
			c.abortTransaction()
		}
		return c.reply(552, "5.3.4 Message size exceeds limit")
	}

	c.nc.SetDeadline(time.Now().Add(c.endp.dataTimeout))
	mr := &monitoredReader{r: io.LimitReader(c.r, size), mon: c.tx.monitor, tconn: c.tconn, lastCheck: time.Now()}
	chunk, err := io.ReadAll(mr)
	if err != nil {
		if mr.limitsErr != nil {
			c.writeSMTPErr(mr.limitsErr)
		}
		return false
	}
	c.tx.chunks = append(c.tx.chunks, chunk...)

	if !last {
		return c.reply(250, fmt.Sprintf("2.0.0 %d bytes received", size))
	}

	hdr, body, err := c.readMessage(bytes.NewReader(c.tx.chunks))
	if err != nil {
		c.abortTransaction()
		return c.reply(554, "5.6.0 Malformed message header")
	}
	return c.finish(hdr, body)
}

func parseBdatArgs(params string) (size int64, last bool, err error) {
	fields := strings.Fields(params)
	switch len(fields) {
	case 1:
	case 2:
		if !strings.EqualFold(fields[1], "LAST") {
			return 0, false, fmt.Errorf("malformed BDAT arguments")
		}
		last = true
	default:
		return 0, false, fmt.Errorf("malformed BDAT arguments")
	}
	size, err = strconv.ParseInt(fields[0], 10, 64)
	if err != nil || size < 0 {
		return 0, false, fmt.Errorf("malformed BDAT chunk size")
	}
	return size, last, nil
}

func (c *conn) discardChunk(size int64) bool {
	c.nc.SetDeadline(time.Now().Add(c.endp.dataTimeout))
	_, err := io.Copy(io.Discard, io.LimitReader(c.r, size))
	return err == nil
}

// readMessage splits the wire form into the parsed header and a buffered
// body.
func (c *conn) readMessage(r io.Reader) (textproto.Header, buffer.Buffer, error) {
	br := bufio.NewReader(r)
	hdr, err := textproto.ReadHeader(br)
	if err != nil {
		return textproto.Header{}, nil, err
	}

	var body buffer.Buffer
	if c.endp.spoolDir != "" {
		body, err = buffer.BufferInFile(br, c.endp.spoolDir)
	} else {
		body, err = buffer.BufferInMemory(br)
	}
	if err != nil {
		return textproto.Header{}, nil, err
	}
	return hdr, body, nil
}

// finish runs the end-of-data pipeline: loop detection, content scanning,
// scoring, the webhook, blackhole rules, and finally either local
// delivery plus enqueue or a silent discard. Exactly one of "enqueued"
// and "discarded" happens for an accepted message.
func (c *conn) finish(hdr textproto.Header, body buffer.Buffer) bool {
	defer c.abortTransaction()

	tx := c.tx
	msgID := uuid.New().String()

	if n := countFields(hdr, "Received"); n >= c.endp.maxReceived {
		body.Remove() //nolint:errcheck
		return c.fail("DATA", 554, "5.4.6 Routing loop detected")
	}

	if c.endp.chaosHeaders {
		if v := hdr.Get(chaosHeader); v != "" {
			body.Remove() //nolint:errcheck
			return c.chaosReply(v)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.endp.dataTimeout)
	defer cancel()

	_, senderDomain, _ := address.Split(tx.mailFrom)
	srcIP := net.IP(c.remoteIP.AsSlice())
	if err := c.endp.limits.TakeMsg(ctx, srcIP, senderDomain); err != nil {
		body.Remove() //nolint:errcheck
		return c.fail("DATA", 451, "4.4.5 Message flow limit exceeded, try again later")
	}
	defer c.endp.limits.ReleaseMsg(srcIP, senderDomain)

	msgMeta := c.msgMetadata(ctx, tx, msgID, body)
	env := &session.Envelope{
		Sender:       tx.mailFrom,
		Recipients:   tx.rcpts,
		DeclaredSize: tx.opts.Size,
		UTF8:         tx.opts.UTF8,
	}

	blackhole := false

	var authResults []authres.Result
	for _, scanner := range c.endp.scanners {
		res, err := scanner.Scan(ctx, msgMeta, hdr, body)
		name := scannerName(scanner)
		if err != nil {
			env.Scans = append(env.Scans, session.ScanRecord{Scanner: name, Verdict: "error", Detail: err.Error()})
			c.log.Error("content scan failed", err, "scanner", name, "msg_id", msgID)
			body.Remove() //nolint:errcheck
			return c.fail("DATA", 451, "4.7.1 Content scan failed, try again later")
		}
		if res.Reject || res.Threat != "" {
			detail := res.Threat
			if detail == "" && res.Reason != nil {
				detail = res.Reason.Error()
			}
			env.Scans = append(env.Scans, session.ScanRecord{Scanner: name, Verdict: "infected", Detail: detail})
			c.log.Msg("message rejected by scanner", "scanner", name, "threat", res.Threat, "msg_id", msgID)
			body.Remove() //nolint:errcheck
			return c.fail("DATA", 554, "5.7.1 Message refused by content scanner")
		}
		env.Scans = append(env.Scans, session.ScanRecord{Scanner: name, Verdict: "clean"})
		if res.Quarantine {
			msgMeta.Quarantine = true
		}
		for f := res.Header.Fields(); f.Next(); {
			hdr.Add(f.Key(), f.Value())
		}
		authResults = append(authResults, res.AuthResult...)
	}
	if len(authResults) != 0 {
		hdr.Add("Authentication-Results", authres.Format(c.endp.hostname, authResults))
	}

	var score float64
	var symbols []string
	if c.endp.scorer != nil {
		res, err := c.endp.scorer.Score(ctx, msgMeta, hdr, body)
		if err != nil {
			c.log.Error("content scoring failed", err, "msg_id", msgID)
			body.Remove() //nolint:errcheck
			return c.fail("DATA", 451, "4.7.1 Content scan failed, try again later")
		}
		score, symbols = res.Score, res.Symbols
		if c.endp.scoreReject > 0 && score >= c.endp.scoreReject {
			c.log.Msg("message rejected by score", "score", score, "symbols", symbols, "msg_id", msgID)
			body.Remove() //nolint:errcheck
			return c.fail("DATA", 554, "5.7.1 Message refused by content policy")
		}
		if c.endp.scoreDiscard > 0 && score >= c.endp.scoreDiscard {
			c.log.Msg("message discarded by score", "score", score, "symbols", symbols, "msg_id", msgID)
			blackhole = true
		}
	}

	if c.endp.webhook != nil {
		ok, keepOpen := c.runWebhook(ctx, tx, msgID, body, score, symbols, &blackhole)
		if !ok {
			return keepOpen
		}
	}

	if c.endp.rules.blackholed(c.remoteIP.String(), c.heloDomain, tx.mailFrom, tx.rcpts) {
		c.log.Msg("message blackholed by rule", "msg_id", msgID)
		blackhole = true
	}

	if blackhole {
		body.Remove() //nolint:errcheck
		c.sess.Tx("data", "discarded "+msgID, false)
		completedTransactions.WithLabelValues(c.endp.name).Inc()
		return c.acceptedReply(msgID)
	}

	var local, remote []string
	for _, rcpt := range tx.rcpts {
		_, domain, err := address.Split(rcpt)
		if err == nil {
			domain = strings.ToLower(domain)
		}
		if _, ok := c.endp.localDomains[domain]; ok && c.endp.local != nil {
			local = append(local, rcpt)
		} else {
			remote = append(remote, rcpt)
		}
	}

	if len(local) != 0 {
		if err := c.endp.local.Deliver(ctx, msgMeta, tx.mailFrom, local, hdr, body); err != nil {
			c.log.Error("local delivery failed", err, "msg_id", msgID)
			body.Remove() //nolint:errcheck
			failedTransactions.WithLabelValues(c.endp.name, "DATA", "451").Inc()
			return c.writeSMTPErr(err)
		}
		c.sess.Tx("deliver_local", strings.Join(local, ","), false)
	}

	if len(remote) != 0 {
		if c.endp.queue == nil {
			// deliver_local without queue: only local domains are served.
			body.Remove() //nolint:errcheck
			return c.fail("DATA", 550, "5.1.1 Relaying not offered here")
		}

		artifact, err := c.storeArtifact(ctx, msgID, hdr, body)
		if err != nil {
			c.log.Error("failed to store message", err, "msg_id", msgID)
			body.Remove() //nolint:errcheck
			return c.fail("DATA", 451, "4.3.0 Temporary server error")
		}
		body.Remove() //nolint:errcheck

		env.Recipients = remote
		env.Artifact = artifact

		relay := c.sess.CloneWith(nil)
		relay.Envelopes = []*session.Envelope{env}
		relay.Tx("data", "accepted "+msgID, false)

		if err := c.endp.queue.Enqueue(session.NewRelay(relay)); err != nil {
			c.log.Error("enqueue failed", err, "msg_id", msgID)
			artifact.Release() //nolint:errcheck
			return c.fail("DATA", 451, "4.3.0 Temporary server error")
		}
		// The queue record owns the body from here on.
		artifact.Forget()
	} else {
		body.Remove() //nolint:errcheck
	}

	c.sess.Tx("data", "accepted "+msgID, false)
	completedTransactions.WithLabelValues(c.endp.name).Inc()
	c.log.Msg("message accepted", "msg_id", msgID, "from", tx.mailFrom, "rcpts", len(tx.rcpts))
	return c.acceptedReply(msgID)
}

// acceptedReply answers end-of-data for an accepted message. LMTP wants
// one status line per recipient (RFC 2033, Section 4.2).
func (c *conn) acceptedReply(msgID string) bool {
	if c.endp.lmtp {
		for range c.tx.rcpts {
			if !c.reply(250, "2.0.0 OK: queued as "+msgID) {
				return false
			}
		}
		return true
	}
	return c.reply(250, "2.0.0 OK: queued as "+msgID)
}

// runWebhook dispatches the event and applies the override. The first
// return value tells whether the pipeline continues; if it does not, the
// second one is the keep-connection-open result to propagate.
func (c *conn) runWebhook(ctx context.Context, tx *transaction, msgID string, body buffer.Buffer, score float64, symbols []string, blackhole *bool) (bool, bool) {
	ev := &module.WebhookEvent{
		SessionID:  c.sess.ID,
		RemoteAddr: c.remoteAddr.String(),
		Hostname:   c.heloDomain,
		AuthUser:   c.authUser,
		TLS:        c.onTLS,
		MailFrom:   tx.mailFrom,
		RcptTo:     tx.rcpts,
		BodySize:   int64(body.Len()),
		Score:      score,
		Symbols:    symbols,
	}

	override, err := c.endp.webhook.Dispatch(ctx, ev)
	if err != nil {
		if c.endp.webhookFatal {
			c.log.Error("webhook dispatch failed", err, "msg_id", msgID)
			body.Remove() //nolint:errcheck
			return false, c.fail("DATA", 451, "4.3.0 Policy service unavailable, try again later")
		}
		c.log.Error("webhook dispatch failed, accepting anyway", err, "msg_id", msgID)
		return true, true
	}
	if override == nil {
		return true, true
	}

	switch override.Action {
	case module.ActionAccept:
		*blackhole = false
	case module.ActionDiscard:
		c.log.Msg("message discarded by webhook", "msg_id", msgID)
		*blackhole = true
	case module.ActionReject:
		code := override.Code
		if code == 0 {
			code = 554
		}
		msg := override.Message
		if msg == "" {
			msg = "Message refused by policy"
		}
		enhCode := "5.7.1"
		if code < 500 {
			enhCode = "4.7.1"
		}
		c.log.Msg("message rejected by webhook", "code", code, "msg_id", msgID)
		body.Remove() //nolint:errcheck
		return false, c.fail("DATA", code, enhCode+" "+msg)
	default:
		c.log.Msg("unknown webhook action, ignored", "action", string(override.Action), "msg_id", msgID)
	}
	return true, true
}

// chaosReply parses "<code> [text]" from the chaos header value and
// sends it as the end-of-data reply.
func (c *conn) chaosReply(v string) bool {
	codeStr, msg, _ := strings.Cut(strings.TrimSpace(v), " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil || code < 200 || code > 599 {
		c.log.Msg("malformed chaos header, ignored", "value", v)
		return c.reply(250, "2.0.0 OK")
	}
	if msg == "" {
		msg = "Chaos reply"
	}
	c.log.Msg("chaos header honoured", "code", code)
	return c.reply(code, msg)
}

// msgMetadata captures the connection facts for the scan and delivery
// interfaces. The rDNS result is awaited briefly so the common fast case
// gets the name, a slow resolver does not stall the transaction.
func (c *conn) msgMetadata(ctx context.Context, tx *transaction, msgID string, body buffer.Buffer) *module.MsgMetadata {
	connState := &module.ConnState{
		Hostname:   c.heloDomain,
		Proto:      c.proto(),
		TLS:        c.sess.TLS,
		RemoteAddr: c.remoteAddr.String(),
		LocalAddr:  c.sess.LocalAddr,
		Proxied:    c.endp.proxyProtocol != nil,
		RDNSName:   c.rdnsFuture,
		AuthUser:   c.authUser,
	}
	if c.rdnsFuture != nil {
		rdnsCtx, cancel := context.WithTimeout(ctx, 1*time.Second)
		if name, err := c.rdnsFuture.GetContext(rdnsCtx); err == nil {
			if s, ok := name.(string); ok {
				connState.RDNS = s
				c.sess.RDNSName = s
			}
		}
		cancel()
	}

	return &module.MsgMetadata{
		ID:           msgID,
		SMTPOpts:     tx.opts,
		Conn:         connState,
		OriginalFrom: tx.mailFrom,
		BodyLength:   int64(body.Len()),
	}
}

// storeArtifact persists header and body as one message artifact, either
// in the blob store or as a spool file.
func (c *conn) storeArtifact(ctx context.Context, msgID string, hdr textproto.Header, body buffer.Buffer) (*session.Artifact, error) {
	br, err := body.Open()
	if err != nil {
		return nil, err
	}
	defer br.Close()

	if c.endp.blobs != nil {
		key := msgID + ".eml"
		blob, err := c.endp.blobs.Create(ctx, key, module.UnknownBlobSize)
		if err != nil {
			return nil, err
		}
		cw := &countingWriter{w: blob}
		if err := textproto.WriteHeader(cw, hdr); err != nil {
			blob.Close()
			return nil, err
		}
		if _, err := io.Copy(cw, br); err != nil {
			blob.Close()
			return nil, err
		}
		if err := blob.Sync(); err != nil {
			blob.Close()
			return nil, err
		}
		if err := blob.Close(); err != nil {
			return nil, err
		}
		return session.NewBlobArtifact(c.endp.blobs, key, cw.n), nil
	}

	path := filepath.Join(c.endp.spoolDir, msgID+".eml")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, err
	}
	cw := &countingWriter{w: f}
	if err := textproto.WriteHeader(cw, hdr); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	if _, err := io.Copy(cw, br); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, err
	}
	return session.NewFileArtifact(path, cw.n), nil
}

func scannerName(s module.Scanner) string {
	if m, ok := s.(module.Module); ok {
		return m.Name()
	}
	return "scanner"
}

func countFields(hdr textproto.Header, key string) int {
	n := 0
	for f := hdr.FieldsByKey(key); f.Next(); {
		n++
	}
	return n
}

// monitorReads wraps r with the per-connection transfer accounting and
// the slow-sender watchdog.
func (c *conn) monitorReads(r io.Reader) *monitoredReader {
	return &monitoredReader{r: r, mon: c.tconn.Data(), tconn: c.tconn, lastCheck: time.Now()}
}

type monitoredReader struct {
	r         io.Reader
	mon       *limits.DataMonitor
	tconn     *limits.Conn
	lastCheck time.Time

	// limitsErr is set when the watchdog, not the underlying reader,
	// aborted the transfer.
	limitsErr error
}

func (mr *monitoredReader) Read(p []byte) (int, error) {
	n, err := mr.r.Read(p)
	if n > 0 {
		mr.mon.Observe(n)
		mr.tconn.AddBytes(int64(n))
	}
	if now := time.Now(); now.Sub(mr.lastCheck) >= limits.CheckInterval {
		mr.lastCheck = now
		if cerr := mr.mon.Check(now); cerr != nil {
			mr.limitsErr = cerr
			return n, cerr
		}
	}
	return n, err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}
