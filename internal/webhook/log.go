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

// Package webhook provides in-tree webhook sinks. The actual HTTP
// dispatch is expected to be handled by an external collaborator, the
// sink here records events in the server log and never overrides the
// verdict.
package webhook

import (
	"context"
	"errors"

	"github.com/maitred-mta/maitred/framework/config"
	"github.com/maitred-mta/maitred/framework/log"
	"github.com/maitred-mta/maitred/framework/module"
)

const modName = "webhook.log"

// Log is a webhook sink that writes each event to the server log.
type Log struct {
	instName string
	log      log.Logger
}

func New(_, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 {
		return nil, errors.New(modName + ": inline arguments are not used")
	}
	return &Log{
		instName: instName,
		log:      log.Logger{Name: modName},
	}, nil
}

func (l *Log) Name() string {
	return modName
}

func (l *Log) InstanceName() string {
	return l.instName
}

func (l *Log) Init(cfg *config.Map) error {
	cfg.Bool("debug", true, false, &l.log.Debug)
	_, err := cfg.Process()
	return err
}

func (l *Log) Dispatch(_ context.Context, ev *module.WebhookEvent) (*module.WebhookOverride, error) {
	l.log.Msg("message event",
		"session", ev.SessionID,
		"remote", ev.RemoteAddr,
		"helo", ev.Hostname,
		"auth_user", ev.AuthUser,
		"tls", ev.TLS,
		"mail_from", ev.MailFrom,
		"rcpt_to", ev.RcptTo,
		"body_size", ev.BodySize,
		"score", ev.Score,
		"symbols", ev.Symbols,
	)
	return nil, nil
}

var _ module.WebhookSink = &Log{}

func init() {
	module.Register(modName, New)
}
