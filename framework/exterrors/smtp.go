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

package exterrors

import (
	"fmt"
)

// EnhancedCode is the RFC 3463 enhanced status code triple.
type EnhancedCode [3]int

func (ec EnhancedCode) FormatLog() string {
	return fmt.Sprintf("%d.%d.%d", ec[0], ec[1], ec[2])
}

// SMTPError is the error that is reported to the peer over SMTP and
// carries enough structure for logging and for bounce generation.
type SMTPError struct {
	// SMTP status code.
	Code int
	// Enhanced SMTP status code.
	EnhancedCode EnhancedCode
	// Error message to be returned to the peer.
	Message string

	// The name of the scan module that generated the error, if any.
	CheckName string
	// The name of the delivery target that generated the error, if any.
	TargetName string

	// The underlying error, not used for Error(), provided for logging
	// and Fields.
	Err error

	// The reason the error happened, to be logged instead of Message
	// (which is what the peer sees).
	Reason string

	// Additional log fields.
	Misc map[string]interface{}
}

func (se *SMTPError) Unwrap() error {
	return se.Err
}

func (se *SMTPError) Fields() map[string]interface{} {
	ctx := make(map[string]interface{}, len(se.Misc)+6)
	for k, v := range se.Misc {
		ctx[k] = v
	}
	ctx["smtp_code"] = se.Code
	ctx["smtp_enchcode"] = se.EnhancedCode
	ctx["smtp_msg"] = se.Message
	if se.CheckName != "" {
		ctx["check"] = se.CheckName
	}
	if se.TargetName != "" {
		ctx["target"] = se.TargetName
	}
	if se.Reason != "" {
		ctx["reason"] = se.Reason
	} else if se.Err != nil {
		ctx["reason"] = se.Err.Error()
	}
	return ctx
}

func (se *SMTPError) Temporary() bool {
	return se.Code/100 == 4
}

func (se *SMTPError) Error() string {
	if se.Reason != "" {
		return se.Reason
	}
	if se.Err != nil {
		return se.Err.Error()
	}
	return se.Message
}

// SMTPCode returns temporaryCode if err is a temporary error (see
// IsTemporaryOrUnspec) and permanentCode otherwise.
func SMTPCode(err error, temporaryCode, permanentCode int) int {
	if IsTemporaryOrUnspec(err) {
		return temporaryCode
	}
	return permanentCode
}

// SMTPEnchCode returns the base code with the class digit replaced by 4
// for temporary errors (see IsTemporaryOrUnspec) and 5 otherwise.
func SMTPEnchCode(err error, base EnhancedCode) EnhancedCode {
	if IsTemporaryOrUnspec(err) {
		base[0] = 4
		return base
	}
	base[0] = 5
	return base
}
