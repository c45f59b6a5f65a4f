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
	"crypto/x509"
	"errors"
	"fmt"
	"runtime/trace"
	"time"

	"github.com/maitred-mta/maitred/framework/config"
	"github.com/maitred-mta/maitred/framework/exterrors"
	"github.com/maitred-mta/maitred/framework/module"
	"github.com/maitred-mta/maitred/internal/dane"
	"github.com/maitred-mta/maitred/internal/mtasts"
	"github.com/maitred-mta/maitred/internal/mxroute"
	"github.com/maitred-mta/maitred/internal/smtpconn"
)

type mxConn struct {
	*smtpconn.C

	// Domain this MX belongs to.
	domain string

	// Errors occurred previously on this connection.
	errored bool

	reuseLimit int

	// Amount of times connection was used for an SMTP transaction.
	transactions int

	// Security policy and TLS level established for this connection.
	policy   mxroute.Policy
	tlsLevel module.TLSLevel

	lastUse time.Time
}

func (c *mxConn) Usable() bool {
	if c.C == nil || c.transactions > c.reuseLimit || c.C.Client() == nil {
		return false
	}
	return c.C.Client().Reset() == nil
}

func (c *mxConn) LastUseAt() time.Time {
	return c.lastUse
}

func (c *mxConn) Close() error {
	return c.C.Close()
}

func isVerifyError(err error) bool {
	_, ok := err.(x509.UnknownAuthorityError)
	if ok {
		return true
	}
	_, ok = err.(x509.HostnameError)
	if ok {
		return true
	}
	_, ok = err.(x509.ConstraintViolationError)
	if ok {
		return true
	}
	_, ok = err.(x509.CertificateInvalidError)
	if ok {
		return true
	}
	_, ok = err.(*tls.CertificateVerificationError)
	return ok
}

// connect establishes the SMTP session with one MX host, negotiating the
// strongest TLS the host policy and the server capabilities permit.
//
// The downgrade ladder runs STARTTLS with X.509 verification first, then
// unauthenticated TLS, then plaintext. mx.Policy caps how far down the
// ladder may go: MTA-STS "enforce" stops at the top, DANE stops above
// plaintext (an unauthenticated handshake may still be authenticated by
// the TLSA match afterwards).
//
// Return values:
// - tlsLevel    TLS security level that was established.
// - tlsErr      Error that prevented TLS from working if tlsLevel != TLSAuthenticated
func (rd *remoteDelivery) connect(ctx context.Context, conn mxConn, mx *mxroute.SecureMX) (tlsLevel module.TLSLevel, tlsErr, err error) {
	tlsLevel = module.TLSAuthenticated
	tlsCfg := &tls.Config{}
	if rd.rt.tlsConfig != nil {
		tlsCfg = rd.rt.tlsConfig.Clone()
	}
	tlsCfg.ServerName = mx.Host

	stsEnforce := mx.Policy == mxroute.STS && mx.STSMode == mtasts.ModeEnforce

	rd.Log.DebugMsg("trying", "remote_server", mx.Host, "domain", conn.domain,
		"policy", mx.Policy.String())

retry:
	// smtpconn.C default TLS behavior is not useful for us, we want to handle
	// TLS errors separately hence starttls=false.
	_, err = conn.Connect(ctx, config.Endpoint{
		Host: mx.Host,
		Port: smtpPort,
	}, false, nil)
	if err != nil {
		return module.TLSNone, tlsErr, err
	}

	starttlsOk, _ := conn.Client().Extension("STARTTLS")
	if starttlsOk && tlsCfg != nil {
		if err := conn.Client().StartTLS(tlsCfg); err != nil {
			tlsErr = err

			if stsEnforce {
				// No downgrade is permitted, the policy failure is reported
				// by the caller.
				conn.DirectClose()
				return module.TLSNone, tlsErr, nil
			}

			// Attempt TLS without authentication. It is still better than
			// plaintext and we might be able to actually authenticate the
			// server using DANE-EE/DANE-TA later.
			//
			// Check tlsLevel is to avoid looping forever if the same verify
			// error happens with InsecureSkipVerify too (e.g. certificate is
			// *too* broken).
			if isVerifyError(err) && tlsLevel == module.TLSAuthenticated {
				rd.Log.Error("TLS verify error, trying without authentication", err,
					"remote_server", mx.Host, "domain", conn.domain)
				tlsCfg.InsecureSkipVerify = true
				tlsLevel = module.TLSEncrypted

				conn.DirectClose()

				goto retry
			}

			if mx.Policy == mxroute.DANE {
				// RFC 7672, Section 2.2 - a TLSA-bearing host never gets a
				// plaintext connection.
				conn.DirectClose()
				return module.TLSNone, tlsErr, nil
			}

			rd.Log.Error("TLS error, trying plaintext", err,
				"remote_server", mx.Host, "domain", conn.domain)
			tlsCfg = nil
			tlsLevel = module.TLSNone
			conn.DirectClose()

			goto retry
		}
	} else {
		tlsLevel = module.TLSNone
	}

	return tlsLevel, tlsErr, nil
}

func (rd *remoteDelivery) attemptMX(ctx context.Context, conn *mxConn, mx *mxroute.SecureMX) error {
	tlsLevel, tlsErr, err := rd.connect(ctx, *conn, mx)
	if err != nil {
		return err
	}

	// Decide based on the policy and the connection state.
	//
	// Policy errors are marked as temporary to give the local admin a
	// chance to troubleshoot them without losing messages.

	switch mx.Policy {
	case mxroute.DANE:
		if tlsLevel == module.TLSNone {
			if conn.Client() != nil {
				conn.Close()
			}
			return exterrors.WithTemporary(&exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
				Message:      "TLS is required but unsupported or failed (enforced by DANE)",
				TargetName:   "remote",
				Err:          tlsErr,
				Misc: map[string]interface{}{
					"remote_server": mx.Host,
				},
			}, true)
		}

		tlsState, _ := conn.Client().TLSConnectionState()
		overridePKIX, err := dane.Verify(mx.TLSA, mx.Host, tlsState)
		if err != nil {
			conn.Close()
			return exterrors.WithTemporary(exterrors.WithFields(err, map[string]interface{}{
				"tls_err": tlsErr,
			}), true)
		}
		if overridePKIX && tlsLevel == module.TLSEncrypted {
			// The TLSA match authenticates the server even though the
			// WebPKI verification was skipped.
			tlsLevel = module.TLSAuthenticated
		}
	case mxroute.STS:
		if tlsLevel != module.TLSAuthenticated {
			if mx.STSMode == mtasts.ModeEnforce {
				if conn.Client() != nil {
					conn.Close()
				}
				return &exterrors.SMTPError{
					Code:         451,
					EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
					Message:      "Verified TLS is required but unavailable (enforced by MTA-STS)",
					TargetName:   "remote",
					Err:          tlsErr,
					Misc: map[string]interface{}{
						"remote_server": mx.Host,
					},
				}
			}
			rd.Log.Msg("MTA-STS policy violation in testing mode",
				"remote_server", mx.Host, "domain", conn.domain,
				"tls_level", tlsLevel.String(), "reason", errOrNone(tlsErr))
		}
	}

	conn.policy = mx.Policy
	conn.tlsLevel = tlsLevel

	policyAppliedCnt.WithLabelValues(rd.rt.Name(), mx.Policy.String()).Inc()
	tlsLevelCnt.WithLabelValues(rd.rt.Name(), tlsLevel.String()).Inc()

	return nil
}

func errOrNone(err error) string {
	if err == nil {
		return "none"
	}
	return err.Error()
}

func (rd *remoteDelivery) connectionForDomain(ctx context.Context, domain string) (*mxConn, error) {
	if c, ok := rd.connections[domain]; ok {
		return c, nil
	}
	// A domain that could not be reached is dialed once per pass no
	// matter how many envelopes point at it.
	if err, ok := rd.connErrs[domain]; ok {
		return nil, err
	}

	pooledConn, err := rd.rt.pool.Get(ctx, domain)
	if err != nil {
		rd.connErrs[domain] = err
		return nil, err
	}

	var conn *mxConn
	if pooledConn != nil {
		conn = pooledConn.(*mxConn)
		rd.Log.Msg("reusing cached connection", "domain", domain,
			"transactions_counter", conn.transactions)
	} else {
		rd.Log.DebugMsg("opening new connection", "domain", domain)
		conn, err = rd.newConn(ctx, domain)
		if err != nil {
			rd.connErrs[domain] = err
			rd.s.Tx("connect", domain+": "+err.Error(), true)
			return nil, err
		}
		rd.s.Tx("connect", fmt.Sprintf("%s via %s (%s, %s)", domain,
			conn.ServerName(), conn.policy.String(), conn.tlsLevel.String()), false)
	}

	region := trace.StartRegion(ctx, "remote/limits.TakeDest")
	if rd.rt.limits != nil {
		if err := rd.rt.limits.TakeDest(ctx, domain); err != nil {
			region.End()
			conn.DirectClose()
			return nil, err
		}
	}
	region.End()

	if rd.rt.authUser != "" {
		if err := conn.Auth(ctx, rd.rt.authUser, rd.rt.authPass); err != nil {
			rd.releaseDest(domain)
			conn.Close()
			return nil, err
		}
	}

	rd.connections[domain] = conn
	return conn, nil
}

func (rd *remoteDelivery) newConn(ctx context.Context, domain string) (*mxConn, error) {
	conn := mxConn{
		reuseLimit: rd.rt.connReuseLimit,
		C:          smtpconn.New(),
		domain:     domain,
		lastUse:    time.Now(),
	}

	conn.Dialer = rd.rt.dialer
	conn.Log = rd.Log
	conn.IODebug = rd.rt.ioDebug
	conn.Hostname = rd.rt.hostname
	conn.AddrInSMTPMsg = true
	if rd.rt.connectTimeout != 0 {
		conn.ConnectTimeout = rd.rt.connectTimeout
	}
	if rd.rt.commandTimeout != 0 {
		conn.CommandTimeout = rd.rt.commandTimeout
	}
	if rd.rt.submissionTimeout != 0 {
		conn.SubmissionTimeout = rd.rt.submissionTimeout
	}

	region := trace.StartRegion(ctx, "remote/ResolveSecure")
	mxs, err := rd.rt.Resolver.ResolveSecure(ctx, domain)
	region.End()
	if err != nil {
		var smtpErr *exterrors.SMTPError
		if errors.As(err, &smtpErr) {
			return nil, err
		}
		reason, misc := exterrors.UnwrapDNSErr(err)
		misc["domain"] = domain
		return nil, &exterrors.SMTPError{
			Code:         exterrors.SMTPCode(err, 451, 554),
			EnhancedCode: exterrors.SMTPEnchCode(err, exterrors.EnhancedCode{0, 4, 4}),
			Message:      "MX lookup error",
			TargetName:   "remote",
			Reason:       reason,
			Err:          err,
			Misc:         misc,
		}
	}
	if len(mxs) == 0 {
		return nil, &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 2},
			Message:      "Domain has no deliverable MX hosts",
			TargetName:   "remote",
			Misc: map[string]interface{}{
				"domain": domain,
			},
		}
	}

	var lastErr error
	region = trace.StartRegion(ctx, "remote/Connect+TLS")
	for i := range mxs {
		if err := rd.attemptMX(ctx, &conn, &mxs[i]); err != nil {
			rd.Log.Error("cannot use MX", err, "remote_server", mxs[i].Host, "domain", domain)
			lastErr = err
			continue
		}
		break
	}
	region.End()

	// Still not connected? Bail out.
	if conn.Client() == nil {
		return nil, &exterrors.SMTPError{
			Code:         exterrors.SMTPCode(lastErr, 451, 550),
			EnhancedCode: exterrors.SMTPEnchCode(lastErr, exterrors.EnhancedCode{0, 4, 0}),
			Message:      "No usable MXs, last err: " + lastErr.Error(),
			TargetName:   "remote",
			Err:          lastErr,
			Misc: map[string]interface{}{
				"domain": domain,
			},
		}
	}

	return &conn, nil
}
