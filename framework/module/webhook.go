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

package module

import (
	"context"
)

// WebhookAction is the decision an external hook makes about a message.
type WebhookAction string

const (
	// ActionAccept lets the message continue to the queue.
	ActionAccept WebhookAction = "accept"
	// ActionReject refuses the message with an SMTP error.
	ActionReject WebhookAction = "reject"
	// ActionDiscard accepts the message on the wire but silently drops it.
	ActionDiscard WebhookAction = "discard"
)

// WebhookEvent describes an accepted message at the point where external
// hooks run, after the complete body has been received.
type WebhookEvent struct {
	SessionID  string   `json:"session_id"`
	RemoteAddr string   `json:"remote_addr"`
	Hostname   string   `json:"helo"`
	AuthUser   string   `json:"auth_user,omitempty"`
	TLS        bool     `json:"tls"`
	MailFrom   string   `json:"mail_from"`
	RcptTo     []string `json:"rcpt_to"`
	BodySize   int64    `json:"body_size"`
	Score      float64  `json:"score,omitempty"`
	Symbols    []string `json:"symbols,omitempty"`
}

// WebhookOverride replaces the verdict computed by the endpoint so far.
type WebhookOverride struct {
	Action WebhookAction `json:"action"`
	// Code is the SMTP status code used with ActionReject. Zero picks 554.
	Code int `json:"code,omitempty"`
	// Message is the response text used with ActionReject.
	Message string `json:"message,omitempty"`
}

// WebhookSink is the module interface for dispatching message events to an
// external decision service.
//
// Modules implementing this interface should be registered with "webhook."
// prefix in name.
type WebhookSink interface {
	// Dispatch delivers the event and returns the override, if any.
	// A nil override means the sink has no opinion and the verdict
	// computed so far stands. Errors are treated according to the
	// endpoint configuration (fail open or fail closed).
	Dispatch(ctx context.Context, ev *WebhookEvent) (*WebhookOverride, error)
}
