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
	"github.com/emersion/go-smtp"

	"github.com/maitred-mta/maitred/framework/future"
)

// TLSState is the subset of tls.ConnectionState that is safe to serialize
// as part of the queued message metadata.
type TLSState struct {
	// Requested is true if the client issued STARTTLS, even if the
	// handshake did not complete.
	Requested bool
	// Negotiated is true if the TLS handshake completed successfully.
	Negotiated bool
	// Version is the negotiated protocol version name, e.g. "TLS 1.3".
	Version string
	// Cipher is the negotiated cipher suite name.
	Cipher string
}

// ConnState structure holds the state information of the protocol used to
// accept this message.
type ConnState struct {
	// Hostname is the value sent by the client in the HELO/EHLO command.
	Hostname string

	// Protocol name being used. Usually "ESMTP" or "LMTP" with optional
	// "S" at the end, indicating TLS use.
	Proto string

	// TLS is the state of the connection encryption at the time the
	// message was accepted.
	TLS TLSState

	// RemoteAddr is the network address of the client.
	RemoteAddr string
	// LocalAddr is the local network address the connection was accepted on.
	LocalAddr string

	// Proxied is true if RemoteAddr was obtained from a PROXY protocol
	// header rather than from the socket itself.
	Proxied bool

	// RDNSName is the result of Reverse DNS lookup for the client IP. The
	// underlying value is either a string or untyped nil if the lookup
	// failed or was disabled.
	RDNSName *future.Future `json:"-"`

	// RDNS is the resolved PTR name, captured once RDNSName completes.
	// It is what gets serialized with the queued message.
	RDNS string

	// AuthUser is the username of the user authenticated for message
	// submission.
	AuthUser string
}

// MsgMetadata structure contains all information about the origin of
// the message and all flags set for it during processing.
type MsgMetadata struct {
	// Unique identifier for this message. Randomly generated on receipt
	// and preserved over requeues.
	ID string

	// Quarantine, if set, tells the delivery target to put the message
	// aside instead of relaying it further.
	Quarantine bool

	// SMTPOpts contains the MAIL FROM parameters as sent by the client,
	// including the SMTPUTF8 flag and declared body type.
	SMTPOpts smtp.MailOptions

	// Conn is the state of the connection the message was received over.
	// Nil for locally generated messages such as bounces.
	Conn *ConnState

	// OriginalFrom is the sender address before any rewriting.
	OriginalFrom string

	// DSN is true if the message is a generated Delivery Status
	// Notification. Such messages are never bounced themselves.
	DSN bool

	// BodyLength is the size of the stored message body in bytes, if
	// known. Zero means unknown.
	BodyLength int64
}
