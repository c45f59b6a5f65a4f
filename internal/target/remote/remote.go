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

// Package remote implements the module that performs outgoing message
// delivery to servers discovered through recipient domain MX records,
// while enforcing the per-host transport security policy: DANE, MTA-STS
// or opportunistic TLS.
//
// Implemented interfaces:
// - queue.Deliverer
package remote

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"runtime/trace"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"golang.org/x/net/idna"

	"github.com/maitred-mta/maitred/framework/address"
	"github.com/maitred-mta/maitred/framework/config"
	modconfig "github.com/maitred-mta/maitred/framework/config/module"
	tls2 "github.com/maitred-mta/maitred/framework/config/tls"
	"github.com/maitred-mta/maitred/framework/dns"
	"github.com/maitred-mta/maitred/framework/exterrors"
	"github.com/maitred-mta/maitred/framework/log"
	"github.com/maitred-mta/maitred/framework/module"
	"github.com/maitred-mta/maitred/internal/limits"
	"github.com/maitred-mta/maitred/internal/mtasts"
	"github.com/maitred-mta/maitred/internal/mxroute"
	"github.com/maitred-mta/maitred/internal/session"
	"github.com/maitred-mta/maitred/internal/smtpconn/pool"
	"github.com/maitred-mta/maitred/internal/target"
)

var smtpPort = "25"

func moduleError(err error) error {
	return exterrors.WithFields(err, map[string]interface{}{
		"target": "remote",
	})
}

// SecureResolver resolves a recipient domain into its MX hosts annotated
// with the transport security policy each host must satisfy.
// *mxroute.Resolver implements it.
type SecureResolver interface {
	ResolveSecure(ctx context.Context, domain string) ([]mxroute.SecureMX, error)
}

type Target struct {
	name      string
	hostname  string
	tlsConfig *tls.Config

	// Resolver is shared with the relay queue by the assembly code so
	// both sides see one set of DNS and policy caches. When nil, Init
	// builds a private one.
	Resolver SecureResolver

	dialer   func(ctx context.Context, network, addr string) (net.Conn, error)
	stsCache *mtasts.Cache

	connectTimeout    time.Duration
	commandTimeout    time.Duration
	submissionTimeout time.Duration

	connReuseLimit   int
	connMaxIdleCount int
	connMaxIdleTime  int64

	ioDebug bool

	authUser string
	authPass string

	limits *limits.Group

	pool *pool.P

	Log log.Logger
}

func New(_, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 {
		return nil, errors.New("remote: inline arguments are not used")
	}
	return &Target{
		name:   instName,
		dialer: (&net.Dialer{}).DialContext,
		Log:    log.Logger{Name: "remote"},
	}, nil
}

func (rt *Target) Init(cfg *config.Map) error {
	var (
		mtastsCache string
		authMethod  string
		authArgs    []string
	)

	cfg.String("hostname", true, true, "", &rt.hostname)
	cfg.String("mtasts_cache", false, false,
		filepath.Join(config.StateDirectory, "mtasts-cache"), &mtastsCache)
	cfg.Bool("debug", true, false, &rt.Log.Debug)
	cfg.Bool("io_debug", false, false, &rt.ioDebug)
	cfg.Duration("connect_timeout", false, false, 5*time.Minute, &rt.connectTimeout)
	cfg.Duration("command_timeout", false, false, 5*time.Minute, &rt.commandTimeout)
	cfg.Duration("submission_timeout", false, false, 12*time.Minute, &rt.submissionTimeout)
	cfg.Int("conn_reuse_limit", false, false, 10, &rt.connReuseLimit)
	cfg.Int("conn_max_idle_count", false, false, 10, &rt.connMaxIdleCount)
	cfg.Int64("conn_max_idle_time", false, false, 150, &rt.connMaxIdleTime)
	cfg.Custom("tls_client", true, false, func() (interface{}, error) {
		return &tls.Config{}, nil
	}, tls2.TLSClientBlock, &rt.tlsConfig)
	cfg.Custom("limits", false, false, func() (interface{}, error) {
		return &limits.Group{}, nil
	}, limitsDirective, &rt.limits)
	cfg.Callback("auth", func(_ *config.Map, node config.Node) error {
		if len(node.Args) == 0 {
			return config.NodeErr(node, "auth: expected at least one argument")
		}
		authMethod = node.Args[0]
		authArgs = node.Args[1:]
		return nil
	})
	if _, err := cfg.Process(); err != nil {
		return err
	}

	switch authMethod {
	case "", "off":
	case "plain":
		if len(authArgs) != 2 {
			return errors.New("remote: auth plain requires a username and a password")
		}
		rt.authUser, rt.authPass = authArgs[0], authArgs[1]
	default:
		return fmt.Errorf("remote: unknown auth method: %s", authMethod)
	}

	// INTERNATIONALIZATION: See RFC 6531 Section 3.7.1.
	var err error
	rt.hostname, err = idna.ToASCII(rt.hostname)
	if err != nil {
		return fmt.Errorf("remote: cannot represent the hostname as an A-label name: %w", err)
	}

	if rt.Resolver == nil {
		// Secure MX resolution is useless without a DNSSEC-capable
		// resolver, TLSA records would be unverifiable.
		extResolver, err := dns.NewExtResolver()
		if err != nil {
			return fmt.Errorf("remote: failed to init DNSSEC-aware stub resolver: %w", err)
		}
		rt.stsCache, err = mtasts.New("fs", mtastsCache, dns.DefaultResolver(),
			log.Logger{Name: "remote/mtasts", Debug: rt.Log.Debug})
		if err != nil {
			return err
		}
		rt.stsCache.StartUpdater()
		rt.Resolver = mxroute.New(dns.NewCache(extResolver, 0, 0, 0), extResolver, rt.stsCache,
			log.Logger{Name: "remote/mxroute", Debug: rt.Log.Debug})
	}

	rt.pool = pool.New(pool.Config{
		MaxKeys:             20000,
		MaxConnsPerKey:      rt.connMaxIdleCount,
		MaxConnLifetimeSec:  rt.connMaxIdleTime,
		StaleKeyLifetimeSec: rt.connMaxIdleTime * 2,
	})

	return nil
}

func limitsDirective(m *config.Map, node config.Node) (interface{}, error) {
	var g *limits.Group
	if err := modconfig.GroupFromNode("limits", node.Args, node, m.Globals, &g); err != nil {
		return nil, err
	}
	return g, nil
}

func (rt *Target) Close() error {
	if rt.pool != nil {
		rt.pool.Close()
	}
	if rt.stsCache != nil {
		return rt.stsCache.Close()
	}
	return nil
}

func (rt *Target) Name() string {
	return "target.remote"
}

func (rt *Target) InstanceName() string {
	return rt.name
}

type remoteDelivery struct {
	rt  *Target
	s   *session.Session
	Log log.Logger

	connections map[string]*mxConn
	connErrs    map[string]error

	// reachedSMTP is set once any domain of the session got at least one
	// SMTP transaction, whatever the outcome. If it stays false the
	// whole attempt did not happen and the caller should back off.
	reachedSMTP bool
	lastConnErr error
}

// Deliver runs one delivery pass for a route-scoped session.
//
// Per-recipient outcomes are recorded in the envelope status maps and
// transaction logs; a non-nil error means no domain of the session
// reached an SMTP transaction and nothing at all was attempted.
func (rt *Target) Deliver(ctx context.Context, s *session.Session) error {
	defer trace.StartRegion(ctx, "remote/Deliver").End()

	rd := &remoteDelivery{
		rt:          rt,
		s:           s,
		Log:         target.DeliveryLogger(rt.Log, s),
		connections: map[string]*mxConn{},
		connErrs:    map[string]error{},
	}
	defer rd.close()

	for _, env := range s.Envelopes {
		rd.deliverEnvelope(ctx, env)
	}

	if !rd.reachedSMTP {
		if rd.lastConnErr != nil {
			return moduleError(rd.lastConnErr)
		}
		return moduleError(errors.New("no deliverable recipients in the session"))
	}
	return nil
}

// pendingByDomain groups the envelope recipients that still need a
// delivery attempt by their domain, preserving envelope order.
//
// Recipients already delivered and recipients holding a permanent reject
// are skipped: the queue keeps 5xx recipients in the envelope until the
// retry budget runs out, this filter is what keeps them from being
// re-offered to the remote server.
func pendingByDomain(env *session.Envelope) ([]string, map[string][]string) {
	var order []string
	byDomain := map[string][]string{}
	for _, rcpt := range env.Recipients {
		if st, ok := env.Status[rcpt]; ok && (st.Delivered || st.Code >= 500) {
			continue
		}
		_, domain, err := address.Split(rcpt)
		if err != nil || domain == "" {
			continue
		}
		domain = strings.ToLower(domain)
		if _, ok := byDomain[domain]; !ok {
			order = append(order, domain)
		}
		byDomain[domain] = append(byDomain[domain], rcpt)
	}
	return order, byDomain
}

func (rd *remoteDelivery) deliverEnvelope(ctx context.Context, env *session.Envelope) {
	order, byDomain := pendingByDomain(env)

	for _, domain := range order {
		rd.deliverTransaction(ctx, env, domain, byDomain[domain])
	}
}

// deliverTransaction runs one SMTP transaction: MAIL, RCPT for every
// pending recipient of the domain, then DATA for the accepted subset.
//
// Wire replies become per-recipient statuses; connection-level failures
// drop the connection and leave no status so the queue backoff owns
// them.
func (rd *remoteDelivery) deliverTransaction(ctx context.Context, env *session.Envelope, domain string, rcpts []string) {
	conn, err := rd.connectionForDomain(ctx, domain)
	if err != nil {
		rd.lastConnErr = err
		if perm := permanentVerdict(err); perm != nil {
			// The domain can never accept this message (null MX, no MX
			// records). Record the verdict so the queue does not retry
			// what cannot work and the bounce has its diagnostic.
			line := verdictLine(perm)
			for _, rcpt := range rcpts {
				env.SetStatus(rcpt, perm.Code, line, false)
			}
			env.Tx("connect", domain+": "+line, true)
		}
		return
	}
	rd.reachedSMTP = true

	if err := conn.Mail(ctx, env.Sender, smtp.MailOptions{UTF8: env.UTF8}); err != nil {
		if connectionLevel(err) {
			rd.Log.Error("MAIL FROM failed, dropping the connection", err,
				"domain", domain, "remote_server", conn.ServerName())
			rd.dropConn(domain, conn)
			return
		}
		code, line := verdictOf(err)
		env.Tx("mail", env.Sender+": "+line, true)
		if code >= 500 {
			// The sender was rejected, the verdict covers every
			// recipient of the transaction.
			for _, rcpt := range rcpts {
				env.SetStatus(rcpt, code, line, false)
			}
		}
		// A 4xx leaves no status, the queue retries the transaction.
		rd.resetConn(ctx, domain, conn)
		return
	}
	env.Tx("mail", env.Sender, false)

	accepted := make([]string, 0, len(rcpts))
	for _, rcpt := range rcpts {
		if err := conn.Rcpt(ctx, rcpt, smtp.RcptOptions{}); err != nil {
			if connectionLevel(err) {
				rd.Log.Error("RCPT TO failed, dropping the connection", err,
					"domain", domain, "remote_server", conn.ServerName())
				rd.dropConn(domain, conn)
				return
			}
			code, line := verdictOf(err)
			env.SetStatus(rcpt, code, line, false)
			env.Tx("rcpt", rcpt+": "+line, true)
			continue
		}
		accepted = append(accepted, rcpt)
		env.Tx("rcpt", rcpt, false)
	}
	if len(accepted) == 0 {
		rd.resetConn(ctx, domain, conn)
		return
	}

	hdr, body, err := rd.openMessage(ctx, env)
	if err != nil {
		rd.Log.Error("cannot open the stored message", err, "domain", domain)
		env.Tx("data", err.Error(), true)
		rd.resetConn(ctx, domain, conn)
		return
	}
	defer body.Close()

	if err := conn.Data(ctx, hdr, body); err != nil {
		if connectionLevel(err) {
			rd.Log.Error("message transfer failed, dropping the connection", err,
				"domain", domain, "remote_server", conn.ServerName())
			rd.dropConn(domain, conn)
			return
		}
		code, line := verdictOf(err)
		env.Tx("data", line, true)
		for _, rcpt := range accepted {
			env.SetStatus(rcpt, code, line, false)
		}
		rd.resetConn(ctx, domain, conn)
		return
	}

	line := "250 2.0.0 " + conn.ServerName() + " accepted the message"
	env.Tx("data", line, false)
	for _, rcpt := range accepted {
		env.SetStatus(rcpt, 250, line, true)
	}
	rd.Log.DebugMsg("delivered", "domain", domain, "rcpts", accepted,
		"remote_server", conn.ServerName())
	rd.resetConn(ctx, domain, conn)
}

// openMessage opens the envelope artifact and splits it into the header,
// with the Received trace field for this hop prepended, and the body
// reader positioned after the header section.
//
// The trace header exists only on the wire: the artifact is stored
// exactly as received so a requeued message never accumulates duplicate
// Received fields.
func (rd *remoteDelivery) openMessage(ctx context.Context, env *session.Envelope) (textproto.Header, io.ReadCloser, error) {
	if env.Artifact == nil {
		return textproto.Header{}, nil, errors.New("envelope carries no message artifact")
	}
	rc, err := env.Artifact.Open(ctx)
	if err != nil {
		return textproto.Header{}, nil, err
	}

	br := bufio.NewReader(rc)
	hdr, err := textproto.ReadHeader(br)
	if err != nil {
		rc.Close()
		return textproto.Header{}, nil, err
	}

	hdr.Add("Received", target.GenerateReceived(rd.s, env, rd.rt.hostname))

	return hdr, bodyReader{br, rc}, nil
}

type bodyReader struct {
	r io.Reader
	c io.Closer
}

func (b bodyReader) Read(p []byte) (int, error) { return b.r.Read(p) }
func (b bodyReader) Close() error               { return b.c.Close() }

func (rd *remoteDelivery) resetConn(ctx context.Context, domain string, conn *mxConn) {
	conn.transactions++
	if err := conn.Reset(ctx); err != nil {
		rd.Log.DebugMsg("RSET failed, dropping the connection",
			"domain", domain, "reason", err.Error())
		rd.dropConn(domain, conn)
	}
}

func (rd *remoteDelivery) dropConn(domain string, conn *mxConn) {
	conn.errored = true
	delete(rd.connections, domain)
	rd.releaseDest(domain)
	conn.DirectClose()
}

func (rd *remoteDelivery) releaseDest(domain string) {
	if rd.rt.limits != nil {
		rd.rt.limits.ReleaseDest(domain)
	}
}

// close returns the still-healthy connections to the target-wide pool
// and closes the rest.
func (rd *remoteDelivery) close() {
	for domain, conn := range rd.connections {
		rd.releaseDest(domain)
		if conn.errored || conn.Client() == nil {
			conn.DirectClose()
			continue
		}
		rd.Log.Debugf("disconnected from %s, connection returned to the pool", conn.ServerName())
		conn.lastUse = time.Now()
		rd.rt.pool.Return(domain, conn)
	}
	rd.connections = map[string]*mxConn{}
}

// permanentVerdict extracts the SMTP error from a connection
// establishment failure if it is a final one that should be recorded
// against the recipients (null MX, no MX records). Temporary conditions
// return nil and leave the retry bookkeeping to the queue.
func permanentVerdict(err error) *exterrors.SMTPError {
	var smtpErr *exterrors.SMTPError
	if !errors.As(err, &smtpErr) {
		return nil
	}
	if smtpErr.Temporary() {
		return nil
	}
	return smtpErr
}

// connectionLevel reports whether err describes damage to the connection
// itself rather than an SMTP reply of the remote server. Such failures
// are worth trying again on another MX or on the next queue pass.
func connectionLevel(err error) bool {
	var wireErr *smtp.SMTPError
	if !errors.As(err, &wireErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// verdictOf renders the wire-shaped reply line of an SMTP verdict for
// the transaction log and for the bounce Diagnostic-Code.
func verdictOf(err error) (int, string) {
	var wireErr *smtp.SMTPError
	if errors.As(err, &wireErr) {
		var msg string
		var extErr *exterrors.SMTPError
		if errors.As(err, &extErr) {
			// The wrapped form carries the "<server> said:" attribution.
			msg = extErr.Message
		} else {
			msg = wireErr.Message
		}
		return wireErr.Code, fmt.Sprintf("%d %d.%d.%d %s", wireErr.Code,
			wireErr.EnhancedCode[0], wireErr.EnhancedCode[1], wireErr.EnhancedCode[2],
			collapseLine(msg))
	}

	var extErr *exterrors.SMTPError
	if errors.As(err, &extErr) {
		return extErr.Code, verdictLine(extErr)
	}
	return 450, "450 4.0.0 " + collapseLine(err.Error())
}

func verdictLine(err *exterrors.SMTPError) string {
	return fmt.Sprintf("%d %d.%d.%d %s", err.Code,
		err.EnhancedCode[0], err.EnhancedCode[1], err.EnhancedCode[2],
		collapseLine(err.Message))
}

func collapseLine(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.Join(strings.Fields(s), " ")
}

func init() {
	module.Register("target.remote", New)
}
