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

// Package milter implements scan.milter module that runs the accepted
// message through an external milter-protocol filter.
package milter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-milter"

	"github.com/maitred-mta/maitred/framework/buffer"
	"github.com/maitred-mta/maitred/framework/config"
	"github.com/maitred-mta/maitred/framework/exterrors"
	"github.com/maitred-mta/maitred/framework/log"
	"github.com/maitred-mta/maitred/framework/module"
)

const modName = "scan.milter"

type Scanner struct {
	cl        *milter.Client
	milterURL string
	failOpen  bool
	instName  string
	log       log.Logger
}

func New(_, instName string, _, inlineArgs []string) (module.Module, error) {
	s := &Scanner{
		instName: instName,
		log:      log.Logger{Name: modName, Debug: log.DefaultLogger.Debug},
	}
	switch len(inlineArgs) {
	case 1:
		s.milterURL = inlineArgs[0]
	case 0:
	default:
		return nil, fmt.Errorf("%s: unexpected amount of arguments, want 1 or 0", modName)
	}
	return s, nil
}

func (s *Scanner) Name() string {
	return modName
}

func (s *Scanner) InstanceName() string {
	return s.instName
}

func (s *Scanner) Init(cfg *config.Map) error {
	cfg.String("endpoint", false, false, s.milterURL, &s.milterURL)
	cfg.Bool("fail_open", false, false, &s.failOpen)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	if s.milterURL == "" {
		return fmt.Errorf("%s: milter endpoint is not set", modName)
	}

	endp, err := config.ParseEndpoint(s.milterURL)
	if err != nil {
		return fmt.Errorf("%s: %v", modName, err)
	}

	switch endp.Scheme {
	case "tcp", "unix":
	default:
		return fmt.Errorf("%s: scheme unsupported: %v", modName, endp.Scheme)
	}
	if endp.Path != "" {
		return fmt.Errorf("%s: stray path in endpoint: %v", modName, endp)
	}

	s.cl = milter.NewClientWithOptions(endp.Network(), endp.Address(), milter.ClientOptions{
		Dialer: &net.Dialer{
			Timeout: 10 * time.Second,
		},
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		ActionMask:   milter.OptAddHeader | milter.OptQuarantine,
		// Recipients are not known at scan time, the filter is told to
		// not expect RCPT events.
		ProtocolMask: milter.OptNoRcptTo,
	})

	return nil
}

// errMilterAccept short-circuits the conversation when the filter
// issues ACCEPT before the body stage.
var errMilterAccept = errors.New("milter: accepted early")

type scanSession struct {
	s       *Scanner
	session *milter.ClientSession
	msgMeta *module.MsgMetadata
	log     log.Logger

	result module.ScanResult
}

func (s *Scanner) Scan(ctx context.Context, msgMeta *module.MsgMetadata, header textproto.Header, body buffer.Buffer) (module.ScanResult, error) {
	session, err := s.cl.Session()
	if err != nil {
		return s.ioError(err)
	}
	defer session.Close()

	ss := &scanSession{
		s:       s,
		session: session,
		msgMeta: msgMeta,
		log:     s.deliveryLogger(msgMeta),
	}

	err = ss.run(ctx, header, body)
	if errors.Is(err, errMilterAccept) {
		return module.ScanResult{}, nil
	}
	if err != nil {
		var perr *policyError
		if errors.As(err, &perr) {
			return perr.result, nil
		}
		return s.ioError(err)
	}
	return ss.result, nil
}

func (s *Scanner) deliveryLogger(msgMeta *module.MsgMetadata) log.Logger {
	l := s.log
	fields := make(map[string]interface{}, len(l.Fields)+1)
	for k, v := range l.Fields {
		fields[k] = v
	}
	fields["msg_id"] = msgMeta.ID
	l.Fields = fields
	return l
}

func (s *Scanner) ioError(err error) (module.ScanResult, error) {
	if s.failOpen {
		s.log.Error("I/O error", err)
		return module.ScanResult{}, nil
	}
	return module.ScanResult{}, exterrors.WithFields(err, map[string]interface{}{
		"scanner": modName,
		"milter":  s.milterURL,
	})
}

// policyError carries a reject verdict up through the run call chain.
type policyError struct {
	result module.ScanResult
}

func (p *policyError) Error() string {
	return "milter: message rejected"
}

func (ss *scanSession) run(ctx context.Context, header textproto.Header, body buffer.Buffer) error {
	if err := ss.connStage(); err != nil {
		return err
	}
	if err := ss.mailStage(); err != nil {
		return err
	}
	return ss.bodyStage(header, body)
}

func (ss *scanSession) handleAction(act *milter.Action) error {
	switch act.Code {
	case milter.ActAccept:
		return errMilterAccept
	case milter.ActContinue:
		return nil
	case milter.ActReplyCode:
		return &policyError{result: module.ScanResult{
			Reject: true,
			Reason: &exterrors.SMTPError{
				Code:         act.SMTPCode,
				EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
				Message:      "Message rejected due to local policy",
				Reason:       "reply code action",
				CheckName:    modName,
				Misc: map[string]interface{}{
					"milter": ss.s.milterURL,
				},
			},
		}}
	case milter.ActDiscard:
		ss.log.Msg("silent discard is not supported, rejecting message")
		fallthrough
	case milter.ActTempFail:
		return &policyError{result: module.ScanResult{
			Reject: true,
			Reason: &exterrors.SMTPError{
				Code:         450,
				EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
				Message:      "Message rejected due to local policy",
				Reason:       "tempfail action",
				CheckName:    modName,
				Misc: map[string]interface{}{
					"milter": ss.s.milterURL,
				},
			},
		}}
	case milter.ActReject:
		return &policyError{result: module.ScanResult{
			Reject: true,
			Reason: &exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
				Message:      "Message rejected due to local policy",
				Reason:       "reject action",
				CheckName:    modName,
				Misc: map[string]interface{}{
					"milter": ss.s.milterURL,
				},
			},
		}}
	default:
		ss.log.Msg("unknown action code ignored", "code", act.Code, "milter", ss.s.milterURL)
		return nil
	}
}

func (ss *scanSession) connStage() error {
	conn := ss.msgMeta.Conn
	if conn == nil {
		// Locally generated message, submit dummy values.
		act, err := ss.session.Conn("localhost", milter.FamilyInet, 25, "127.0.0.1")
		if err != nil {
			return err
		}
		if err := ss.handleAction(act); err != nil {
			return err
		}

		act, err = ss.session.Helo("localhost")
		if err != nil {
			return err
		}
		return ss.handleAction(act)
	}

	if !ss.session.ProtocolOption(milter.OptNoConnect) {
		if err := ss.session.Macros(milter.CodeConn,
			"daemon_name", "maitred",
			"if_name", "unknown",
			"if_addr", "0.0.0.0",
		); err != nil {
			return err
		}

		var (
			protoFamily milter.ProtoFamily
			port        uint16
			addr        string
		)
		host, portStr, err := net.SplitHostPort(conn.RemoteAddr)
		if err == nil {
			if p, err := net.LookupPort("tcp", portStr); err == nil {
				port = uint16(p)
			}
			if ip := net.ParseIP(host); ip != nil {
				if v4 := ip.To4(); v4 != nil {
					protoFamily = milter.FamilyInet
					addr = v4.String()
				} else {
					protoFamily = milter.FamilyInet6
					addr = ip.String()
				}
			} else {
				protoFamily = milter.FamilyUnknown
			}
		} else {
			protoFamily = milter.FamilyUnix
			addr = conn.RemoteAddr
		}

		act, err := ss.session.Conn(conn.Hostname, protoFamily, port, addr)
		if err != nil {
			return err
		}
		if err := ss.handleAction(act); err != nil {
			return err
		}
	}

	if !ss.session.ProtocolOption(milter.OptNoHelo) {
		if conn.TLS.Negotiated {
			if err := ss.session.Macros(milter.CodeHelo,
				"tls_version", conn.TLS.Version,
				"cipher", conn.TLS.Cipher,
			); err != nil {
				return err
			}
		}
		act, err := ss.session.Helo(conn.Hostname)
		if err != nil {
			return err
		}
		return ss.handleAction(act)
	}

	return nil
}

func (ss *scanSession) mailStage() error {
	if ss.session.ProtocolOption(milter.OptNoMailFrom) {
		return nil
	}

	fields := make([]string, 0, 4)
	fields = append(fields, "i", ss.msgMeta.ID)
	if ss.msgMeta.Conn != nil && ss.msgMeta.Conn.AuthUser != "" {
		fields = append(fields, "auth_authen", ss.msgMeta.Conn.AuthUser)
	}
	if err := ss.session.Macros(milter.CodeMail, fields...); err != nil {
		return err
	}

	esmtpArgs := make([]string, 0, 1)
	if ss.msgMeta.SMTPOpts.UTF8 {
		esmtpArgs = append(esmtpArgs, "SMTPUTF8")
	}

	act, err := ss.session.Mail(ss.msgMeta.OriginalFrom, esmtpArgs)
	if err != nil {
		return err
	}
	return ss.handleAction(act)
}

func (ss *scanSession) bodyStage(header textproto.Header, body buffer.Buffer) error {
	act, err := ss.session.Header(header)
	if err != nil {
		return err
	}
	if err := ss.handleAction(act); err != nil {
		return err
	}

	var modifyAct []milter.ModifyAction

	if !ss.session.ProtocolOption(milter.OptNoBody) {
		r, err := body.Open()
		if err != nil {
			// Not an external I/O failure, fail_open does not apply.
			return &policyError{result: module.ScanResult{
				Reject: true,
				Reason: &exterrors.SMTPError{
					Code:         451,
					EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
					Message:      "Internal error during policy check",
					Err:          err,
					CheckName:    modName,
				},
			}}
		}
		defer r.Close()

		modifyAct, act, err = ss.session.BodyReadFrom(r)
		if err != nil {
			return err
		}
	} else {
		modifyAct, act, err = ss.session.End()
		if err != nil {
			return err
		}
	}

	if err := ss.handleAction(act); err != nil {
		return err
	}
	ss.apply(modifyAct)
	return nil
}

// apply folds the modification actions returned by the filter into the
// scan result.
func (ss *scanSession) apply(modifyActs []milter.ModifyAction) {
	for _, act := range modifyActs {
		switch act.Code {
		case milter.ActAddRcpt, milter.ActDelRcpt:
			ss.log.Msg("envelope changes are not supported", "rcpt", act.Rcpt, "code", act.Code, "milter", ss.s.milterURL)
		case milter.ActChangeFrom:
			ss.log.Msg("envelope changes are not supported", "from", act.From, "code", act.Code, "milter", ss.s.milterURL)
		case milter.ActChangeHeader:
			ss.log.Msg("header field changes are not supported", "field", act.HeaderName, "milter", ss.s.milterURL)
		case milter.ActInsertHeader:
			if act.HeaderIndex != 1 {
				ss.log.Msg("header inserting not on top is not supported, prepending instead", "field", act.HeaderName, "milter", ss.s.milterURL)
			}
			fallthrough
		case milter.ActAddHeader:
			// The field may be arbitrarily folded by the filter and the
			// exact format is preserved in case it is significant (DKIM
			// signature added by the filter).
			field := make([]byte, 0, len(act.HeaderName)+2+len(act.HeaderValue)+2)
			field = append(field, act.HeaderName...)
			field = append(field, ':', ' ')
			field = append(field, act.HeaderValue...)
			field = append(field, '\r', '\n')
			ss.result.Header.AddRaw(field)
		case milter.ActQuarantine:
			ss.result.Quarantine = true
			ss.log.Msg("quarantine action", "reason", act.Reason, "milter", ss.s.milterURL)
		}
	}
}

var _ module.Scanner = &Scanner{}

func init() {
	module.Register(modName, New)
}
