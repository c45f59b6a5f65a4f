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

// Package dkimverify implements scan.dkim module that verifies DKIM
// signatures of the accepted message and records the outcome in the
// Authentication-Results header.
package dkimverify

import (
	"bytes"
	"context"
	"errors"
	"io"
	nettextproto "net/textproto"
	"runtime/trace"
	"strings"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/authres"
	"github.com/emersion/go-msgauth/dkim"

	"github.com/maitred-mta/maitred/framework/buffer"
	"github.com/maitred-mta/maitred/framework/config"
	modconfig "github.com/maitred-mta/maitred/framework/config/module"
	"github.com/maitred-mta/maitred/framework/dns"
	"github.com/maitred-mta/maitred/framework/exterrors"
	"github.com/maitred-mta/maitred/framework/log"
	"github.com/maitred-mta/maitred/framework/module"
)

const modName = "scan.dkim"

type Scanner struct {
	instName string
	log      log.Logger

	requiredFields  map[string]struct{}
	brokenSigAction modconfig.FailAction
	noSigAction     modconfig.FailAction
	failOpen        bool

	resolver dns.Resolver
}

func New(_, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 {
		return nil, errors.New(modName + ": inline arguments are not used")
	}
	return &Scanner{
		instName: instName,
		log:      log.Logger{Name: modName},
		resolver: dns.DefaultResolver(),
	}, nil
}

func (s *Scanner) Init(cfg *config.Map) error {
	var requiredFields []string

	cfg.Bool("debug", true, false, &s.log.Debug)
	cfg.StringList("required_fields", false, false, []string{"From", "Subject"}, &requiredFields)
	cfg.Bool("fail_open", false, false, &s.failOpen)
	cfg.Custom("broken_sig_action", false, false,
		func() (interface{}, error) {
			return modconfig.FailAction{}, nil
		}, modconfig.FailActionDirective, &s.brokenSigAction)
	cfg.Custom("no_sig_action", false, false,
		func() (interface{}, error) {
			return modconfig.FailAction{}, nil
		}, modconfig.FailActionDirective, &s.noSigAction)
	_, err := cfg.Process()
	if err != nil {
		return err
	}

	s.requiredFields = make(map[string]struct{})
	for _, field := range requiredFields {
		s.requiredFields[nettextproto.CanonicalMIMEHeaderKey(field)] = struct{}{}
	}

	return nil
}

func (s *Scanner) Name() string {
	return modName
}

func (s *Scanner) InstanceName() string {
	return s.instName
}

func (s *Scanner) Scan(ctx context.Context, msgMeta *module.MsgMetadata, header textproto.Header, body buffer.Buffer) (module.ScanResult, error) {
	defer trace.StartRegion(ctx, "scan.dkim/Scan").End()

	if !header.Has("DKIM-Signature") {
		if s.noSigAction.Reject || s.noSigAction.Quarantine {
			s.log.Printf("no signatures present")
		} else {
			s.log.Debugf("no signatures present")
		}
		return s.noSigAction.Apply(module.ScanResult{
			Reason: &exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 7, 20},
				Message:      "No DKIM signatures",
				CheckName:    modName,
			},
			AuthResult: []authres.Result{
				&authres.DKIMResult{
					Value: authres.ResultNone,
				},
			},
		}), nil
	}

	b := bytes.Buffer{}
	_ = textproto.WriteHeader(&b, header)
	bodyRdr, err := body.Open()
	if err != nil {
		return module.ScanResult{}, exterrors.WithFields(err, map[string]interface{}{
			"scanner": modName,
		})
	}
	defer bodyRdr.Close()

	verifications, err := dkim.VerifyWithOptions(io.MultiReader(&b, bodyRdr), &dkim.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			return s.resolver.LookupTXT(ctx, domain)
		},
	})
	if err != nil {
		return module.ScanResult{}, exterrors.WithFields(err, map[string]interface{}{
			"scanner": modName,
		})
	}

	goodSigs := false

	res := module.ScanResult{AuthResult: make([]authres.Result, 0, len(verifications))}
	for _, verif := range verifications {
		val := authres.ResultValue(authres.ResultPass)
		reason := ""
		if verif.Err != nil {
			val = authres.ResultFail

			reason = strings.TrimPrefix(verif.Err.Error(), "dkim: ")
			if !s.brokenSigAction.Reject || !s.brokenSigAction.Quarantine {
				s.log.DebugMsg("bad signature", "domain", verif.Domain, "identifier", verif.Identifier)
			}
			if dkim.IsPermFail(verif.Err) {
				val = authres.ResultPermError
			}
			if dkim.IsTempFail(verif.Err) {
				if !s.failOpen {
					return module.ScanResult{}, exterrors.WithFields(verif.Err, map[string]interface{}{
						"scanner": modName,
						"domain":  verif.Domain,
					})
				}
				val = authres.ResultTempError
			}

			res.AuthResult = append(res.AuthResult, &authres.DKIMResult{
				Value:      val,
				Reason:     reason,
				Domain:     verif.Domain,
				Identifier: verif.Identifier,
			})
			continue
		}

		signedFields := make(map[string]struct{}, len(verif.HeaderKeys))
		for _, field := range verif.HeaderKeys {
			signedFields[nettextproto.CanonicalMIMEHeaderKey(field)] = struct{}{}
		}
		for field := range s.requiredFields {
			if _, ok := signedFields[field]; !ok {
				val = authres.ResultPermError
				reason = "some header fields are not signed"
			}
		}

		if val == authres.ResultPass {
			goodSigs = true
			s.log.DebugMsg("good signature", "domain", verif.Domain, "identifier", verif.Identifier)
		}

		res.AuthResult = append(res.AuthResult, &authres.DKIMResult{
			Value:      val,
			Reason:     reason,
			Domain:     verif.Domain,
			Identifier: verif.Identifier,
		})
	}

	if !goodSigs {
		res.Reason = &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 20},
			Message:      "No passing DKIM signatures",
			CheckName:    modName,
		}
		return s.brokenSigAction.Apply(res), nil
	}
	return res, nil
}

var _ module.Scanner = &Scanner{}

func init() {
	module.Register(modName, New)
}
