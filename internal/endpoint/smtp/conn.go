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
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"blitiri.com.ar/go/spf"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/maitred-mta/maitred/framework/address"
	"github.com/maitred-mta/maitred/framework/dns"
	"github.com/maitred-mta/maitred/framework/exterrors"
	"github.com/maitred-mta/maitred/framework/future"
	"github.com/maitred-mta/maitred/framework/log"
	"github.com/maitred-mta/maitred/internal/limits"
	"github.com/maitred-mta/maitred/internal/session"
)

// RFC 5321, Section 4.5.3.1.4: command line length limit, CRLF included.
const maxCommandLine = 512

// conn is the server side of one SMTP conversation. It is owned by a
// single pool worker and everything here runs synchronously on it.
type conn struct {
	endp *Endpoint
	nc   net.Conn
	r    *bufio.Reader
	w    *bufio.Writer

	tconn *limits.Conn

	remoteAddr net.Addr
	remoteIP   netip.Addr

	tlsState *tls.ConnectionState
	onTLS    bool

	sess       *session.Session
	rdnsFuture *future.Future
	cancelRDNS context.CancelFunc

	heloDomain string
	esmtp      bool
	authDone   bool
	authUser   string

	tx *transaction

	errCount  int
	verbCount int
	envCount  int

	// transcript is every client command line as received, kept for
	// replay when a proxy rule fires.
	transcript []string

	log log.Logger
}

// transaction is the state of one open MAIL transaction.
type transaction struct {
	mailFrom string
	opts     gosmtp.MailOptions
	rcpts    []string

	// chunks accumulates BDAT pieces; non-nil once BDAT was used, which
	// also forbids DATA for the rest of the transaction.
	chunks []byte
	// failCode, when non-zero, poisons remaining BDAT chunks with this
	// reply (the client still has to send them, RFC 3030, Section 2).
	failCode int
	failMsg  string
	monitor  *limits.DataMonitor
}

func newConn(endp *Endpoint, nc net.Conn) *conn {
	return &conn{
		endp:       endp,
		nc:         nc,
		remoteAddr: nc.RemoteAddr(),
		log:        endp.Log,
	}
}

func (c *conn) handle() {
	defer c.close()

	c.remoteIP = remoteIP(c.remoteAddr)
	c.log = log.Logger{Out: c.endp.Log.Out, Name: c.endp.name, Debug: c.endp.Log.Debug, Fields: map[string]interface{}{
		"src_ip": c.remoteAddr.String(),
	}}

	c.nc.SetDeadline(time.Now().Add(c.endp.cmdTimeout))

	tconn, err := c.endp.tracker.Accept(net.IP(c.remoteIP.AsSlice()))
	if err != nil {
		ratelimitDrops.WithLabelValues(c.endp.name).Inc()
		c.initIO()
		c.writeSMTPErr(err)
		return
	}
	c.tconn = tconn
	defer c.tconn.Close()

	if c.endp.rules.blocked(c.remoteIP) {
		c.initIO()
		c.log.Msg("connection denied by blocklist")
		c.writeLine("554 5.7.1 Access denied")
		return
	}

	// Connections on tls:// listeners arrive wrapped; complete the
	// handshake before greeting so the session facts include TLS.
	if tc, ok := c.nc.(*tls.Conn); ok {
		if err := tc.Handshake(); err != nil {
			c.log.Error("TLS handshake failed", err)
			return
		}
		state := tc.ConnectionState()
		c.tlsState = &state
		c.onTLS = true
	}

	c.initIO()
	c.initSession()
	defer c.closeSession()

	c.writeLine("220 " + c.endp.hostname + " ESMTP maitred")

	for {
		c.nc.SetDeadline(time.Now().Add(c.endp.cmdTimeout))

		line, err := c.readCommand()
		if err != nil {
			if err == io.EOF {
				c.log.Debugf("client closed the connection")
			} else if err == errLineTooLong {
				if !c.reply(500, "5.5.2 Command line too long") {
					return
				}
				continue
			} else {
				c.log.Debugf("exiting with error: %v", err)
			}
			return
		}

		c.verbCount++
		if c.endp.transactionsLimit > 0 && c.verbCount > c.endp.transactionsLimit {
			c.writeLine("421 4.7.0 Too many commands in one session")
			return
		}

		if delay := c.tconn.Command(); delay > 0 {
			tarpittedCmds.WithLabelValues(c.endp.name).Inc()
			time.Sleep(delay)
			// Tarpitted commands draw down the error budget too, so a
			// flooding client is disconnected rather than slowed forever.
			if !c.countError() {
				return
			}
		}

		cmd, params := splitCommand(line)
		if cmd == "AUTH" {
			c.log.Debugf("-> AUTH <redacted>")
		} else {
			c.log.Debugf("-> %s", line)
		}
		c.transcript = append(c.transcript, line)

		if !c.dispatch(cmd, params) {
			return
		}
	}
}

// dispatch runs one command and reports whether the connection should
// stay open.
func (c *conn) dispatch(cmd, params string) bool {
	switch cmd {
	case "HELO":
		return c.cmdHELO(params)
	case "EHLO":
		return c.cmdEHLO(params)
	case "LHLO":
		return c.cmdLHLO(params)
	case "STARTTLS":
		return c.cmdSTARTTLS()
	case "AUTH":
		return c.cmdAUTH(params)
	case "MAIL":
		return c.cmdMAIL(params)
	case "RCPT":
		return c.cmdRCPT(params)
	case "DATA":
		return c.cmdDATA()
	case "BDAT":
		return c.cmdBDAT(params)
	case "RSET":
		c.abortTransaction()
		return c.reply(250, "2.0.0 OK")
	case "NOOP":
		return c.reply(250, "2.0.0 OK")
	case "VRFY":
		return c.reply(252, "2.0.0 Cannot VRFY user, but will accept message and attempt delivery")
	case "EXPN":
		return c.reply(502, "5.5.1 EXPN not available")
	case "HELP":
		return c.reply(214, "2.0.0 See RFC 5321")
	case "XCLIENT":
		return c.cmdXCLIENT(params)
	case "QUIT":
		c.writeLine("221 2.0.0 " + c.endp.hostname + " closing connection")
		return false
	case "GET", "POST", "CONNECT":
		// HTTP verb on an SMTP port: cross-protocol request smuggling
		// attempt, do not negotiate.
		wrongProtoCmds.WithLabelValues(c.endp.name, cmd).Inc()
		c.log.Msg("cross-protocol command, closing connection", "command", cmd)
		c.writeLine("502 5.5.1 Wrong protocol")
		return false
	default:
		return c.reply(500, "5.5.1 Unknown command")
	}
}

func (c *conn) initIO() {
	c.r = bufio.NewReader(c.nc)
	c.w = bufio.NewWriter(c.nc)
	if c.endp.ioDebug {
		c.log.Println("I/O debugging is on! It may leak passwords in logs, be careful!")
	}
}

func (c *conn) initSession() {
	c.sess = session.New(session.Inbound)
	c.sess.RemoteAddr = c.remoteAddr.String()
	if c.nc.LocalAddr() != nil {
		c.sess.LocalAddr = c.nc.LocalAddr().String()
	}
	c.sess.Proto = c.proto()
	c.captureTLS()
	c.sess.Tx("connect", c.remoteAddr.String(), false)

	if c.endp.resolver != nil && c.remoteIP.IsValid() {
		c.rdnsFuture = future.New()
		ctx, cancel := context.WithCancel(context.Background())
		c.cancelRDNS = cancel
		go func() {
			name, err := dns.LookupAddr(ctx, c.endp.resolver, net.IP(c.remoteIP.AsSlice()))
			c.rdnsFuture.Set(name, err)
		}()
	}
}

func (c *conn) closeSession() {
	if c.cancelRDNS != nil {
		c.cancelRDNS()
	}
	// Envelopes are handed off at end-of-DATA; anything still attached
	// here was aborted and its artifact must go.
	if c.sess != nil {
		c.sess.Close()
	}
}

func (c *conn) close() {
	if c.w != nil {
		c.w.Flush()
	}
	c.nc.Close()
}

func (c *conn) proto() string {
	if c.endp.lmtp {
		return "LMTP"
	}
	if c.onTLS {
		return "ESMTPS"
	}
	return "ESMTP"
}

func (c *conn) captureTLS() {
	if c.tlsState == nil {
		return
	}
	c.sess.TLS.Requested = true
	c.sess.TLS.Negotiated = true
	c.sess.TLS.Version = tls.VersionName(c.tlsState.Version)
	c.sess.TLS.Cipher = tls.CipherSuiteName(c.tlsState.CipherSuite)
}

var errLineTooLong = fmt.Errorf("smtp: command line too long")

// readCommand reads one CRLF-terminated line, tolerating bare LF. Lines
// past the RFC 5321 command length cap are drained and rejected before
// parsing.
func (c *conn) readCommand() (string, error) {
	l, more, err := c.r.ReadLine()
	if err != nil {
		return "", err
	}
	if len(l) > maxCommandLine-2 || more {
		for more && err == nil {
			_, more, err = c.r.ReadLine()
		}
		if err != nil {
			return "", err
		}
		return "", errLineTooLong
	}
	return string(l), nil
}

func splitCommand(line string) (cmd, params string) {
	cmd, params, _ = strings.Cut(line, " ")
	return strings.ToUpper(cmd), params
}

func (c *conn) writeLine(line string) bool {
	c.log.Debugf("<- %s", line)
	c.nc.SetWriteDeadline(time.Now().Add(c.endp.writeTimeout))
	if _, err := c.w.WriteString(line + "\r\n"); err != nil {
		return false
	}
	return c.w.Flush() == nil
}

// reply sends one response, possibly multi-line (msg lines separated by
// \n), and charges 4xx/5xx replies against the connection error budget.
// It reports whether the connection should stay open.
func (c *conn) reply(code int, msg string) bool {
	lines := strings.Split(msg, "\n")
	for i, l := range lines {
		sep := " "
		if i < len(lines)-1 {
			sep = "-"
		}
		if !c.writeLine(strconv.Itoa(code) + sep + l) {
			return false
		}
	}

	if code >= 400 {
		c.log.Debugf("command failed: %d %s", code, lines[0])
		return c.countError()
	}
	return true
}

// countError draws one unit from the error budget. When the budget is
// spent, the client gets a 421 and the connection ends.
// RFC 5321, Section 4.3.2 advises exactly this for misbehaving peers.
func (c *conn) countError() bool {
	c.errCount++
	if c.endp.errorLimit > 0 && c.errCount >= c.endp.errorLimit {
		c.log.Msg("too many errors, closing connection")
		c.writeLine("421 4.7.0 Too many errors, closing connection")
		return false
	}
	return true
}

func (c *conn) writeSMTPErr(err error) bool {
	var smtpErr *exterrors.SMTPError
	if !errors.As(err, &smtpErr) {
		return c.reply(451, "4.3.0 Internal server error")
	}
	return c.reply(smtpErr.Code, fmt.Sprintf("%d.%d.%d %s",
		smtpErr.EnhancedCode[0], smtpErr.EnhancedCode[1], smtpErr.EnhancedCode[2], smtpErr.Message))
}

func (c *conn) cmdHELO(params string) bool {
	if c.endp.lmtp {
		return c.reply(500, "5.5.1 This is LMTP, use LHLO")
	}
	domain := strings.TrimSpace(params)
	if domain == "" {
		return c.reply(501, "5.5.4 HELO requires a domain")
	}
	c.greet(domain, false)
	return c.reply(250, c.endp.hostname+" at your service")
}

func (c *conn) cmdEHLO(params string) bool {
	if c.endp.lmtp {
		return c.reply(500, "5.5.1 This is LMTP, use LHLO")
	}
	return c.ehlo(params)
}

func (c *conn) cmdLHLO(params string) bool {
	if !c.endp.lmtp {
		return c.reply(500, "5.5.1 LHLO is only valid for LMTP")
	}
	return c.ehlo(params)
}

func (c *conn) ehlo(params string) bool {
	domain := strings.TrimSpace(params)
	if domain == "" {
		return c.reply(501, "5.5.4 EHLO requires a domain")
	}
	if rule := c.endp.rules.proxyFor(c.remoteIP.String(), domain, "", nil); rule != nil {
		c.tunnel(rule)
		return false
	}

	c.greet(domain, true)

	exts := []string{
		"PIPELINING",
		"8BITMIME",
		"BINARYMIME",
		"ENHANCEDSTATUSCODES",
		"SMTPUTF8",
		"CHUNKING",
		fmt.Sprintf("SIZE %d", c.endp.emailSizeLimit),
	}
	if c.endp.tlsConfig != nil && !c.onTLS {
		exts = append(exts, "STARTTLS")
	}
	if mechs := c.endp.saslAuth.SASLMechanisms(); len(mechs) != 0 && (c.onTLS || c.endp.insecureAuth) {
		exts = append(exts, "AUTH "+strings.Join(mechs, " "))
	}
	if c.endp.xclientOK {
		exts = append(exts, "XCLIENT ADDR HELO NAME")
	}
	exts = append(exts, "HELP")

	c.sess.Extensions = exts
	return c.reply(250, c.endp.hostname+" at your service\n"+strings.Join(exts, "\n"))
}

func (c *conn) greet(domain string, esmtp bool) {
	c.heloDomain = domain
	c.esmtp = esmtp
	c.sess.Hostname = domain
	c.sess.Tx("ehlo", domain, false)
	c.abortTransaction()
}

func (c *conn) cmdSTARTTLS() bool {
	if c.endp.tlsConfig == nil {
		return c.reply(502, "5.5.1 STARTTLS not offered")
	}
	if c.onTLS {
		return c.reply(503, "5.5.1 TLS already active")
	}

	if !c.writeLine("220 2.0.0 Ready to start TLS") {
		return false
	}

	server := tls.Server(c.nc, c.endp.tlsConfig)
	if err := server.Handshake(); err != nil {
		c.log.Error("TLS handshake failed", err)
		return false
	}

	c.nc = server
	c.initIO()
	state := server.ConnectionState()
	c.tlsState = &state
	c.onTLS = true

	// RFC 3207, Section 4.2: the client must start over after the
	// security layer change.
	c.heloDomain = ""
	c.esmtp = false
	c.transcript = nil
	c.abortTransaction()

	c.sess.Proto = c.proto()
	c.captureTLS()
	c.sess.Tx("starttls", c.sess.TLS.Version, false)
	return true
}

func (c *conn) cmdAUTH(params string) bool {
	mechs := c.endp.saslAuth.SASLMechanisms()
	if len(mechs) == 0 {
		return c.reply(502, "5.5.1 Authentication not available")
	}
	if !c.onTLS && !c.endp.insecureAuth {
		return c.reply(523, "5.7.10 Encryption required for requested authentication mechanism")
	}
	if c.authDone {
		// RFC 4954, Section 4.
		return c.reply(503, "5.5.1 Already authenticated")
	}
	if c.tx != nil {
		return c.reply(503, "5.5.1 AUTH not permitted during a mail transaction")
	}

	mech, initial, _ := strings.Cut(params, " ")
	mech = strings.ToUpper(mech)
	known := false
	for _, m := range mechs {
		if m == mech {
			known = true
		}
	}
	if !known {
		return c.reply(504, "5.5.4 Unsupported authentication mechanism")
	}

	srv := c.endp.saslAuth.CreateSASL(mech, c.remoteAddr, func(username string) error {
		c.authUser = username
		return nil
	})

	var resp []byte
	if initial != "" {
		if initial == "=" {
			resp = []byte{}
		} else {
			var err error
			resp, err = base64.StdEncoding.DecodeString(initial)
			if err != nil {
				return c.reply(501, "5.5.2 Invalid base64 in AUTH response")
			}
		}
	}

	for {
		challenge, done, err := srv.Next(resp)
		if err != nil {
			failedLogins.WithLabelValues(c.endp.name).Inc()
			c.sess.Tx("auth", mech, true)
			return c.reply(535, "5.7.8 Authentication credentials invalid")
		}
		if done {
			break
		}

		if !c.writeLine("334 " + base64.StdEncoding.EncodeToString(challenge)) {
			return false
		}
		line, err := c.readCommand()
		if err != nil {
			return false
		}
		if line == "*" {
			return c.reply(501, "5.7.0 Authentication cancelled")
		}
		resp, err = base64.StdEncoding.DecodeString(line)
		if err != nil {
			return c.reply(501, "5.5.2 Invalid base64 in AUTH response")
		}
	}

	c.authDone = true
	c.sess.AuthUser = c.authUser
	c.sess.Tx("auth", mech+" as "+c.authUser, false)
	return c.reply(235, "2.7.0 Authentication successful")
}

func (c *conn) cmdXCLIENT(params string) bool {
	if !c.endp.xclientOK {
		return c.reply(550, "5.7.0 XCLIENT not enabled")
	}
	for _, attr := range strings.Fields(params) {
		name, value, ok := strings.Cut(attr, "=")
		if !ok {
			return c.reply(501, "5.5.4 Malformed XCLIENT attribute")
		}
		switch strings.ToUpper(name) {
		case "ADDR":
			ip, err := netip.ParseAddr(strings.TrimPrefix(value, "IPV6:"))
			if err != nil {
				return c.reply(501, "5.5.4 Malformed XCLIENT ADDR")
			}
			c.remoteIP = ip
			c.remoteAddr = &net.TCPAddr{IP: net.IP(ip.AsSlice())}
			c.sess.RemoteAddr = c.remoteAddr.String()
		case "HELO":
			c.heloDomain = value
			c.sess.Hostname = value
		case "NAME":
			c.sess.RDNSName = value
		case "PORT", "PROTO", "LOGIN", "DESTADDR", "DESTPORT":
			// Accepted and ignored.
		default:
			return c.reply(501, "5.5.4 Unknown XCLIENT attribute")
		}
	}
	c.sess.Tx("xclient", params, false)
	// The session restarts with the forged identity.
	c.heloDomainReset()
	return c.writeLine("220 " + c.endp.hostname + " ESMTP maitred")
}

func (c *conn) heloDomainReset() {
	c.abortTransaction()
	c.esmtp = false
}

func (c *conn) cmdMAIL(params string) bool {
	if !strings.HasPrefix(strings.ToUpper(params), "FROM:") {
		return c.reply(500, "5.5.2 MAIL requires FROM:<address>")
	}
	if c.heloDomain == "" {
		return c.reply(503, "5.5.1 Say HELO first")
	}
	if c.tx != nil {
		return c.reply(503, "5.5.1 Nested MAIL command")
	}
	if c.endp.submission && !c.authDone {
		return c.fail("MAIL", 530, "5.7.0 Authentication required")
	}
	if c.endp.envelopeLimit > 0 && c.envCount >= c.endp.envelopeLimit {
		return c.fail("MAIL", 452, "4.5.3 Too many messages in one session")
	}

	rawAddr, rawParams := splitPathAndParams(params[len("FROM:"):])

	mailFrom, err := parseReversePath(rawAddr)
	if err != nil {
		return c.fail("MAIL", 501, "5.1.7 "+err.Error())
	}

	opts, err := parseMailParams(rawParams)
	if err != nil {
		return c.fail("MAIL", 501, "5.5.4 "+err.Error())
	}
	if c.endp.emailSizeLimit > 0 && opts.Size > c.endp.emailSizeLimit {
		return c.fail("MAIL", 552, "5.3.4 Message size exceeds limit")
	}

	if c.endp.checkSPF && !c.authDone && mailFrom != "" {
		if !c.checkSPF(mailFrom) {
			return c.fail("MAIL", 550, "5.7.23 SPF check failed")
		}
	}

	if rule := c.endp.rules.proxyFor(c.remoteIP.String(), c.heloDomain, mailFrom, nil); rule != nil {
		c.tunnel(rule)
		return false
	}

	c.tx = &transaction{mailFrom: mailFrom, opts: opts}
	c.envCount++
	startedTransactions.WithLabelValues(c.endp.name).Inc()
	c.sess.Tx("mail", mailFrom, false)
	return c.reply(250, "2.1.0 OK")
}

// checkSPF reports whether the sender may be accepted. Result semantics
// follow RFC 7208, Section 8: only an explicit "fail" blocks the
// transaction, everything else (none, neutral, softfail, errors) is let
// through and recorded.
func (c *conn) checkSPF(mailFrom string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	res, err := spf.CheckHostWithSender(net.IP(c.remoteIP.AsSlice()),
		dns.FQDN(c.heloDomain), mailFrom,
		spf.WithContext(ctx), spf.WithResolver(c.endp.resolver))
	c.sess.Tx("spf", string(res), res == spf.Fail)
	if res == spf.Fail {
		c.log.Msg("SPF check failed", "mail_from", mailFrom, "err", err)
		return false
	}
	return true
}

func (c *conn) cmdRCPT(params string) bool {
	if !strings.HasPrefix(strings.ToUpper(params), "TO:") {
		return c.reply(500, "5.5.2 RCPT requires TO:<address>")
	}
	if c.tx == nil {
		return c.reply(503, "5.5.1 Need MAIL before RCPT")
	}
	if c.endp.recipientsLimit > 0 && len(c.tx.rcpts) >= c.endp.recipientsLimit {
		return c.fail("RCPT", 452, "4.5.3 Too many recipients")
	}

	rawAddr, _ := splitPathAndParams(params[len("TO:"):])
	rcpt, err := parseForwardPath(rawAddr)
	if err != nil {
		return c.fail("RCPT", 501, "5.1.3 "+err.Error())
	}

	if bot := c.endp.rules.botFor(rcpt); bot != nil {
		if !bot.authorized(c.remoteIP, rcpt) {
			c.log.Msg("unauthorized delivery to bot address", "rcpt", rcpt, "bot", bot.name)
			return c.fail("RCPT", 550, "5.7.1 Delivery to this address requires authorization")
		}
	}

	if rule := c.endp.rules.proxyFor(c.remoteIP.String(), c.heloDomain, c.tx.mailFrom, []string{rcpt}); rule != nil {
		c.tunnel(rule)
		return false
	}

	for _, existing := range c.tx.rcpts {
		if address.Equal(existing, rcpt) {
			// Duplicate forward-path, accept without recording twice.
			return c.reply(250, "2.1.5 OK")
		}
	}

	c.tx.rcpts = append(c.tx.rcpts, rcpt)
	c.sess.Tx("rcpt", rcpt, false)
	return c.reply(250, "2.1.5 OK")
}

// fail reports a failed transaction command: metric, transaction log,
// and the error reply itself.
func (c *conn) fail(cmd string, code int, msg string) bool {
	failedTransactions.WithLabelValues(c.endp.name, cmd, strconv.Itoa(code)).Inc()
	c.sess.Tx(strings.ToLower(cmd), fmt.Sprintf("%d %s", code, msg), true)
	return c.reply(code, msg)
}

func (c *conn) abortTransaction() {
	c.tx = nil
}

// remoteIP extracts the bare address of a peer.
func remoteIP(addr net.Addr) netip.Addr {
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip, _ := netip.AddrFromSlice(a.IP)
		return ip.Unmap()
	case *net.UnixAddr:
		// Local socket, give it loopback identity for the tracker.
		return netip.AddrFrom4([4]byte{127, 0, 0, 1})
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return netip.Addr{}
		}
		ip, _ := netip.ParseAddr(host)
		return ip
	}
}

// splitPathAndParams separates "<path> KEY=V ..." into the path part and
// the ESMTP parameters.
func splitPathAndParams(s string) (string, []string) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<") {
		if end := strings.IndexByte(s, '>'); end >= 0 {
			return s[:end+1], strings.Fields(s[end+1:])
		}
	}
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

func parseReversePath(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	// Null reverse-path: bounces and notifications.
	if strings.ReplaceAll(raw, " ", "") == "<>" {
		return "", nil
	}
	return parsePath(raw, "sender")
}

func parseForwardPath(raw string) (string, error) {
	addr, err := parsePath(raw, "recipient")
	if err != nil {
		return "", err
	}
	// Strip legacy source routes ("@a,@b:user@c"), RFC 5321,
	// Section 4.1.2 requires tolerating them.
	if strings.HasPrefix(addr, "@") {
		if colon := strings.IndexByte(addr, ':'); colon >= 0 {
			addr = addr[colon+1:]
		}
	}
	return addr, nil
}

func parsePath(raw, kind string) (string, error) {
	addr := strings.TrimSpace(raw)
	if strings.HasPrefix(addr, "<") && strings.HasSuffix(addr, ">") {
		addr = addr[1 : len(addr)-1]
	}
	if addr == "" {
		return "", fmt.Errorf("empty %s address", kind)
	}
	// RFC 5321, Section 4.5.3.1.3.
	if len(addr) > 256 {
		return "", fmt.Errorf("%s address too long", kind)
	}
	if _, _, err := address.Split(addr); err != nil {
		return "", fmt.Errorf("malformed %s address", kind)
	}
	return addr, nil
}

// parseMailParams maps the ESMTP MAIL parameters we honour onto the
// options structure stored with the message.
func parseMailParams(params []string) (gosmtp.MailOptions, error) {
	var opts gosmtp.MailOptions
	for _, p := range params {
		name, value, _ := strings.Cut(p, "=")
		switch strings.ToUpper(name) {
		case "SIZE":
			size, err := strconv.ParseInt(value, 10, 64)
			if err != nil || size < 0 {
				return opts, fmt.Errorf("malformed SIZE parameter")
			}
			opts.Size = size
		case "BODY":
			switch gosmtp.BodyType(strings.ToUpper(value)) {
			case gosmtp.Body7Bit, gosmtp.Body8BitMIME, gosmtp.BodyBinaryMIME:
				opts.Body = gosmtp.BodyType(strings.ToUpper(value))
			default:
				return opts, fmt.Errorf("unknown BODY value")
			}
		case "SMTPUTF8":
			opts.UTF8 = true
		case "RET", "ENVID":
			// DSN parameters, accepted and ignored.
		default:
			return opts, fmt.Errorf("unsupported parameter: %s", name)
		}
	}
	return opts, nil
}
