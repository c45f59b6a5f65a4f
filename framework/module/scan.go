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

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/authres"

	"github.com/maitred-mta/maitred/framework/buffer"
)

// Scanner is the module interface for content inspection of a received
// message. Scan runs once after the complete body has been accepted from
// the wire and buffered.
//
// Modules implementing this interface should be registered with "scan."
// prefix in name.
type Scanner interface {
	// Scan inspects the message and reports the verdict.
	//
	// A non-nil error indicates that scanning itself failed (daemon
	// unreachable, protocol error) and should be treated as a temporary
	// condition. Policy decisions belong in the returned ScanResult.
	//
	// Scan code may read the body multiple times, buffer.Buffer.Open
	// returns an independent reader each time.
	Scan(ctx context.Context, msgMeta *MsgMetadata, header textproto.Header, body buffer.Buffer) (ScanResult, error)
}

// Scorer is the module interface for probabilistic content classification.
// Unlike Scanner, it does not produce a verdict itself - the endpoint
// compares the returned score against its configured thresholds.
//
// Modules implementing this interface should be registered with "scan."
// prefix in name.
type Scorer interface {
	Score(ctx context.Context, msgMeta *MsgMetadata, header textproto.Header, body buffer.Buffer) (ScoreResult, error)
}

type ScanResult struct {
	// Reason is the error that is reported to the message source
	// if the scanner decided that the message should be rejected.
	Reason error

	// Reject is the flag that specifies that the message
	// should be rejected.
	Reject bool

	// Quarantine is the flag that specifies that the message
	// is considered "possibly malicious" and should be put aside
	// instead of being relayed.
	Quarantine bool

	// Threat is the name of the detected malware, if any. Empty for a
	// clean message.
	Threat string

	// AuthResult is the information that is supposed to
	// be included in Authentication-Results header.
	AuthResult []authres.Result

	// Header is the header fields that should be
	// prepended to the message header.
	Header textproto.Header
}

type ScoreResult struct {
	// Score is the weight assigned to the message. Higher means more
	// likely unwanted. The scale is implementation-defined.
	Score float64

	// Symbols are the names of the matched classification rules, used
	// for logging and webhook payloads.
	Symbols []string
}
